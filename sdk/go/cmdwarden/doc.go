// Package cmdwarden is the Go client for a running cmdwarden daemon. It
// seals command requests under issued session keys, drops them into the
// daemon's inbox spool, and waits for the sealed response to appear in
// the outbox.
//
// Usage:
//
//	cw, err := cmdwarden.New(
//	    cmdwarden.WithSpoolDir("/var/lib/cmdwarden/spool"),
//	    cmdwarden.WithSession(sessionID, "alice"),
//	    cmdwarden.WithKeys(encKeyHex, sigKeyHex),
//	)
//	result, err := cw.Execute(ctx, "ls -la /tmp")
//
// The session ID and key material come from `cmdwarden session create`.
// The client never sees the master key; it holds only the per-session
// keys, so revoking the session on the daemon side is enough to cut it
// off. The SDK links directly against internal packages. External users
// import github.com/vanasnip/cmdwarden/sdk/go/cmdwarden.
package cmdwarden
