// cmdwarden is a secure command execution gateway. Callers drop sealed
// envelopes into a spool inbox; every request runs the full gate
// sequence before anything executes.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vanasnip/cmdwarden/internal/alert"
	"github.com/vanasnip/cmdwarden/internal/audit"
	"github.com/vanasnip/cmdwarden/internal/command"
	"github.com/vanasnip/cmdwarden/internal/conditions"
	"github.com/vanasnip/cmdwarden/internal/config"
	"github.com/vanasnip/cmdwarden/internal/envelope"
	"github.com/vanasnip/cmdwarden/internal/grants"
	"github.com/vanasnip/cmdwarden/internal/pipeline"
	"github.com/vanasnip/cmdwarden/internal/ratelimit"
	"github.com/vanasnip/cmdwarden/internal/redact"
	"github.com/vanasnip/cmdwarden/internal/replay"
	"github.com/vanasnip/cmdwarden/internal/sandbox"
	"github.com/vanasnip/cmdwarden/internal/session"
	"github.com/vanasnip/cmdwarden/internal/spool"
	"github.com/vanasnip/cmdwarden/internal/systemd"
)

// version is set by ldflags at build time.
var version = "dev"

func main() {
	var flagConfig string

	rootCmd := &cobra.Command{
		Use:   "cmdwarden",
		Short: "secure command execution gateway",
		Long: `cmdwarden accepts encrypted, signed command envelopes and runs the
survivors of an eight-gate pipeline in a bounded sandbox. Nothing
executes on a caller's say-so alone.`,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config YAML")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the spool-processing daemon",
		Long: `Watches the spool inbox for sealed request envelopes, runs each
through the pipeline, and writes sealed responses to the outbox.

Examples:
  CMDWARDEN_MASTER_KEY=$(cmdwarden keygen) cmdwarden serve
  cmdwarden serve --config /etc/cmdwarden/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flagConfig)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check <command>",
		Short: "dry-run a command against the active rules",
		Long: `Validates a command string without executing it and reports which
gate would refuse it, if any.

Examples:
  cmdwarden check "ls -la /tmp"
  cmdwarden check "ls; rm -rf /"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(flagConfig, args[0])
		},
	}

	execCmd := &cobra.Command{
		Use:   "exec <command>",
		Short: "validate and run a command locally",
		Long: `Runs a single command through validation, the sandbox, and output
redaction without going through the envelope transport. Useful for
operators testing a rule set on the daemon host.

Examples:
  cmdwarden exec "ls -la /tmp"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(flagConfig, args[0])
		},
	}

	var sessionSubject, sessionRole string
	sessionCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "create a session and print its derived keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionCreate(flagConfig, sessionSubject, sessionRole)
		},
	}
	sessionCreateCmd.Flags().StringVar(&sessionSubject, "subject", "", "subject identifier")
	sessionCreateCmd.Flags().StringVar(&sessionRole, "role", "observer", "role name")

	sessionRevokeCmd := &cobra.Command{
		Use:   "revoke <session-id>",
		Short: "revoke a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionRevoke(flagConfig, args[0])
		},
	}

	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "manage caller sessions",
	}
	sessionCmd.AddCommand(sessionCreateCmd, sessionRevokeCmd)

	auditVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "verify the audit log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditVerify(flagConfig)
		},
	}

	var historySession, historySubject string
	auditHistoryCmd := &cobra.Command{
		Use:   "history",
		Short: "show audit history for a session or subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditHistory(flagConfig, historySession, historySubject)
		},
	}
	auditHistoryCmd.Flags().StringVar(&historySession, "session", "", "filter by session id")
	auditHistoryCmd.Flags().StringVar(&historySubject, "subject", "", "filter by subject")

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "inspect the audit log",
	}
	auditCmd.AddCommand(auditVerifyCmd, auditHistoryCmd)

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			fmt.Println(hex.EncodeToString(key))
			return nil
		},
	}

	var installPrint bool
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "install the systemd unit for the daemon",
		Long: `Writes the hardened systemd unit to /etc/systemd/system and records
its hash so a later edit is flagged at startup. With --print the unit
is written to stdout instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(installPrint)
		},
	}
	installCmd.Flags().BoolVar(&installPrint, "print", false, "print the unit file instead of installing")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print cmdwarden version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cmdwarden %s\n", version)
		},
	}

	rootCmd.AddCommand(serveCmd, checkCmd, execCmd, sessionCmd, auditCmd, keygenCmd, installCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, cfgHash, err := config.LoadWithHash(configPath)
	if err != nil {
		return err
	}

	masterKey, err := cfg.MasterKey()
	if err != nil {
		return err
	}

	grantsCfg, err := grants.Load(cfg.GrantsPath)
	if err != nil {
		return err
	}
	resolver := grants.NewResolver(grantsCfg)

	sessions, err := session.OpenSQLite(cfg.SessionDBPath, masterKey, resolver,
		time.Duration(cfg.SessionTTLMinutes)*time.Minute)
	if err != nil {
		return err
	}
	defer sessions.Close()

	rules, rulesHash, err := command.LoadWithHash(cfg.RulesPath)
	if err != nil {
		return err
	}

	rlCfg, err := ratelimit.Load(cfg.RateLimitPath)
	if err != nil {
		return err
	}

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return err
	}
	sink := audit.NewAsyncSink(auditLog, 256)
	defer sink.Close()

	maxAge := time.Duration(cfg.MaxAgeSeconds) * time.Second
	codec := envelope.NewCodec(maxAge)
	codec.Logf = func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, "envelope: "+format+"\n", args...)
	}

	checker := conditions.New(cfg.WorkDir)
	guard := replay.NewGuard(maxAge)

	pipe, err := pipeline.New(pipeline.Options{
		Codec:     codec,
		Sessions:  sessions,
		Guard:     guard,
		Resolver:  resolver,
		Limiter:   ratelimit.NewLimiter(rlCfg),
		Validator: command.NewValidator(rules, checker),
		RulesHash: rulesHash,
		Runner: sandbox.New(sandbox.Config{
			MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
			DefaultTimeout: time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
			KillGrace:      time.Duration(cfg.Sandbox.KillGraceSeconds) * time.Second,
			MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
			WorkDir:        cfg.WorkDir,
		}),
		Sink:   sink,
		Alerts: alert.NewDispatcher(cfg.Alerts),
	})
	if err != nil {
		return err
	}

	dirs := spool.DirsUnder(cfg.SpoolDir)
	if err := spool.EnsureDirs(dirs); err != nil {
		return err
	}
	if moved, err := spool.RecoverOrphans(dirs); err == nil && moved > 0 {
		fmt.Fprintf(os.Stderr, "recovered %d orphaned request(s)\n", moved)
	}

	processor := spool.NewProcessor(dirs, pipe)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	handle := func(path string) {
		if err := processor.Process(ctx, path); err != nil {
			fmt.Fprintf(os.Stderr, "process %s: %v\n", path, err)
		}
	}

	if err := spool.ScanExisting(dirs.Inbox, handle); err != nil {
		return err
	}

	// Hot-reload the command rules when the file changes. Grants and
	// rate limits are loaded at startup only.
	reloader, err := config.NewReloader([]string{cfg.RulesPath}, func() error {
		rs, hash, err := command.LoadWithHash(cfg.RulesPath)
		if err != nil {
			return err
		}
		pipe.SwapRules(command.NewValidator(rs, checker), hash)
		return nil
	})
	if err != nil {
		return err
	}
	go reloader.Run(ctx)

	// Housekeeping: expired sessions and replay state.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = sessions.PruneExpired(ctx)
				guard.Prune()
			}
		}
	}()

	if warn := systemd.CheckUnitFileIntegrity(); warn != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warn)
	}

	fmt.Fprintf(os.Stderr, "cmdwarden %s\n", version)
	fmt.Fprintf(os.Stderr, "config: %s\n", cfgHash)
	fmt.Fprintf(os.Stderr, "rules:  %s (%d commands)\n", rulesHash, rules.Len())
	fmt.Fprintf(os.Stderr, "spool:  %s\n", cfg.SpoolDir)
	fmt.Fprintln(os.Stderr, "watching for requests...")

	watcher := spool.NewInboxWatcher(dirs.Inbox, handle)
	return watcher.Run(ctx)
}

func runInstall(printOnly bool) error {
	unit := systemd.DaemonTemplate()
	if printOnly {
		fmt.Print(unit)
		return nil
	}
	path := systemd.UnitFilePaths[0]
	if err := os.WriteFile(path, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := systemd.RecordUnitFileHash(); err != nil {
		return fmt.Errorf("record unit hash: %w", err)
	}
	fmt.Printf("installed %s\n", path)
	fmt.Println("run: systemctl daemon-reload && systemctl enable --now cmdwarden")
	return nil
}

func runCheck(configPath, raw string) error {
	cfg, _, err := config.LoadWithHash(configPath)
	if err != nil {
		return err
	}
	rules, rulesHash, err := command.LoadWithHash(cfg.RulesPath)
	if err != nil {
		return err
	}
	v := command.NewValidator(rules, conditions.New(cfg.WorkDir))

	cmd, err := v.Validate(raw)
	if err != nil {
		fmt.Printf("DENY  %q\n      %v\n      rules %s\n", raw, err, rulesHash)
		os.Exit(1)
	}
	fmt.Printf("ALLOW %q\n      category %s\n      rules %s\n", cmd.String(), cmd.Rule.Category, rulesHash)
	return nil
}

func runExec(configPath, raw string) error {
	cfg, _, err := config.LoadWithHash(configPath)
	if err != nil {
		return err
	}
	rules, _, err := command.LoadWithHash(cfg.RulesPath)
	if err != nil {
		return err
	}
	v := command.NewValidator(rules, conditions.New(cfg.WorkDir))

	cmd, err := v.Validate(raw)
	if err != nil {
		return fmt.Errorf("blocked: %w", err)
	}

	runner := sandbox.New(sandbox.Config{
		MaxConcurrent:  1,
		DefaultTimeout: time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
		KillGrace:      time.Duration(cfg.Sandbox.KillGraceSeconds) * time.Second,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		WorkDir:        cfg.WorkDir,
	})

	timeout := time.Duration(0)
	if cmd.Rule.MaxExecutionMs > 0 {
		timeout = time.Duration(cmd.Rule.MaxExecutionMs) * time.Millisecond
	}
	res, err := runner.Execute(context.Background(), cmd.Base, cmd.Args, timeout)
	if err != nil {
		return err
	}

	fmt.Print(redact.Mask(res.Stdout))
	fmt.Fprint(os.Stderr, redact.Mask(res.Stderr))
	if res.ExitCode != 0 {
		os.Exit(res.ExitCode)
	}
	return nil
}

func runSessionCreate(configPath, subject, role string) error {
	if subject == "" {
		return fmt.Errorf("--subject is required")
	}
	store, cleanup, err := openSessions(configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	sctx, err := store.Create(context.Background(), subject, role)
	if err != nil {
		return err
	}

	fmt.Printf("session:        %s\n", sctx.SessionID)
	fmt.Printf("subject:        %s\n", sctx.SubjectID)
	fmt.Printf("role:           %s\n", sctx.Role)
	fmt.Printf("encryption-key: %s\n", hex.EncodeToString(sctx.EncryptionKey()[:]))
	fmt.Printf("signing-key:    %s\n", hex.EncodeToString(sctx.SigningKey()[:]))
	return nil
}

func runSessionRevoke(configPath, sessionID string) error {
	store, cleanup, err := openSessions(configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := store.Revoke(context.Background(), sessionID); err != nil {
		return err
	}
	fmt.Printf("revoked %s\n", sessionID)
	return nil
}

func openSessions(configPath string) (*session.SQLiteStore, func(), error) {
	cfg, _, err := config.LoadWithHash(configPath)
	if err != nil {
		return nil, nil, err
	}
	masterKey, err := cfg.MasterKey()
	if err != nil {
		return nil, nil, err
	}
	grantsCfg, err := grants.Load(cfg.GrantsPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := session.OpenSQLite(cfg.SessionDBPath, masterKey,
		grants.NewResolver(grantsCfg), time.Duration(cfg.SessionTTLMinutes)*time.Minute)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func runAuditVerify(configPath string) error {
	cfg, _, err := config.LoadWithHash(configPath)
	if err != nil {
		return err
	}
	result := audit.Verify(cfg.AuditLogPath)
	if !result.Valid {
		return fmt.Errorf("chain broken at line %d: %s", result.ErrorLine, result.Error)
	}
	fmt.Printf("chain intact: %d entries\n", result.Lines)
	return nil
}

func runAuditHistory(configPath, sessionID, subject string) error {
	if sessionID == "" && subject == "" {
		return fmt.Errorf("--session or --subject is required")
	}
	cfg, _, err := config.LoadWithHash(configPath)
	if err != nil {
		return err
	}
	result, err := audit.History(cfg.AuditLogPath, audit.HistoryFilter{
		SessionID: sessionID,
		Subject:   subject,
	})
	if err != nil {
		return err
	}
	fmt.Print(audit.FormatHistory(result))
	return nil
}
