package command

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/vanasnip/cmdwarden/internal/model"
)

// MaxCommandLen caps the normalized command string. Longer input is
// rejected rather than truncated so the validated string is always the
// executed string.
const MaxCommandLen = 256

var (
	ErrEmpty            = errors.New("empty command")
	ErrTooLong          = errors.New("command too long")
	ErrDangerousPattern = errors.New("dangerous pattern")
	ErrForbidden        = errors.New("forbidden command")
	ErrNotAllowlisted   = errors.New("command not allowlisted")
	ErrParameterInvalid = errors.New("invalid parameter")
	ErrConditionsNotMet = errors.New("conditions not met")
	// ErrConfirmationRequired rejects rules marked requires_confirmation.
	// There is no confirmation channel in the envelope protocol, so such
	// rules fail closed rather than silently executing.
	ErrConfirmationRequired = errors.New("confirmation required")
)

// ConditionEvaluator checks a named runtime condition against a
// validated command. Implementations live outside this package so the
// validator stays free of filesystem access.
type ConditionEvaluator interface {
	Evaluate(name string, cmd *SanitizedCommand) error
}

// SanitizedCommand is the only value the sandbox will execute. Base and
// Args have passed every validation step and each arg has been through
// its parameter sanitizer.
type SanitizedCommand struct {
	Base string
	Args []string
	Rule *Rule
}

// String reassembles the command for logging. Never hand this to a
// shell; the sandbox executes Base and Args as a direct argv.
func (c *SanitizedCommand) String() string {
	if len(c.Args) == 0 {
		return c.Base
	}
	return c.Base + " " + strings.Join(c.Args, " ")
}

// Validator applies the full validation sequence. The zero value is not
// usable; construct with NewValidator.
type Validator struct {
	rules      *RuleSet
	conditions ConditionEvaluator
}

// NewValidator builds a validator over an immutable rule set. conditions
// may be nil, in which case rules that name conditions are rejected at
// validation time.
func NewValidator(rules *RuleSet, conditions ConditionEvaluator) *Validator {
	return &Validator{rules: rules, conditions: conditions}
}

// Rules exposes the underlying rule set, for dry-run inspection.
func (v *Validator) Rules() *RuleSet { return v.rules }

// Validate runs the ordered checks and returns the sanitized command.
// Steps short-circuit: the first failure wins, and cheaper structural
// checks run before anything that touches the rule table or the
// filesystem.
func (v *Validator) Validate(raw string) (*SanitizedCommand, error) {
	normalized := normalize(raw)
	if normalized == "" {
		return nil, ErrEmpty
	}
	if len(normalized) > MaxCommandLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, len(normalized))
	}

	fields := strings.Fields(normalized)
	base := strings.ToLower(fields[0])
	args := fields[1:]

	// Forbidden wins over everything else, including the pattern scan
	// and an allowlist entry for the same name: a command that is both
	// forbidden and injection-laden reports as forbidden.
	if v.rules.IsForbidden(base) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, base)
	}

	// Pattern scan runs on the whole pre-tokenization string so
	// metacharacters cannot hide inside what would later parse as a
	// single argument.
	if name := findDangerous(normalized); name != "" {
		return nil, fmt.Errorf("%w: %s", ErrDangerousPattern, name)
	}

	rule := v.rules.Lookup(base)
	if rule == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowlisted, base)
	}
	if rule.Category == model.CategoryForbidden {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, base)
	}
	if rule.RequiresConfirmation {
		return nil, fmt.Errorf("%w: %s", ErrConfirmationRequired, base)
	}

	sanitized, err := applyParams(rule, args)
	if err != nil {
		return nil, err
	}

	cmd := &SanitizedCommand{Base: base, Args: sanitized, Rule: rule}

	for _, name := range rule.Conditions {
		if v.conditions == nil {
			return nil, fmt.Errorf("%w: no evaluator for %q", ErrConditionsNotMet, name)
		}
		if err := v.conditions.Evaluate(name, cmd); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConditionsNotMet, name, err)
		}
	}

	return cmd, nil
}

// normalize trims surrounding whitespace and collapses internal runs of
// whitespace to single spaces. Idempotent.
func normalize(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// applyParams matches positional args against the rule's parameter list.
// An optional parameter that does not validate the current arg is
// skipped, so "ls /tmp" satisfies a rule declared as [flags?, path?].
func applyParams(rule *Rule, args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	ri := 0
	for _, arg := range args {
		matched := false
		for ri < len(rule.Params) {
			p := &rule.Params[ri]
			clean, err := sanitizeParam(p, arg)
			if err == nil {
				out = append(out, clean)
				ri++
				matched = true
				break
			}
			if p.Required {
				return nil, fmt.Errorf("%w: %s: %v", ErrParameterInvalid, p.Name, err)
			}
			ri++
		}
		if !matched {
			return nil, fmt.Errorf("%w: unexpected argument %q", ErrParameterInvalid, arg)
		}
	}
	for ; ri < len(rule.Params); ri++ {
		if rule.Params[ri].Required {
			return nil, fmt.Errorf("%w: missing %s", ErrParameterInvalid, rule.Params[ri].Name)
		}
	}
	return out, nil
}

// sanitizeParam validates one argument against one parameter rule and
// returns the sanitized form. Sanitizers are pure and idempotent:
// sanitize(sanitize(x)) == sanitize(x).
func sanitizeParam(p *ParameterRule, arg string) (string, error) {
	if p.compiled != nil {
		if !p.compiled.MatchString(arg) {
			return "", fmt.Errorf("does not match pattern")
		}
		return arg, nil
	}
	if len(p.Enum) > 0 {
		for _, v := range p.Enum {
			if arg == v {
				return arg, nil
			}
		}
		return "", fmt.Errorf("not in allowed values")
	}

	switch p.Kind {
	case KindString:
		return sanitizeString(arg)
	case KindPath:
		return sanitizePath(arg)
	case KindNumber:
		return sanitizeNumber(arg)
	case KindFlag:
		return sanitizeFlag(arg)
	default:
		return "", fmt.Errorf("unknown kind %q", p.Kind)
	}
}

var (
	controlRe     = regexp.MustCompile(`[\x00-\x1f\x7f]`)
	flagRe        = regexp.MustCompile(`^-{1,2}[A-Za-z0-9][A-Za-z0-9-]*$`)
	badPathCharRe = regexp.MustCompile(`[<>:"|?*\x00-\x1f]`)
)

func sanitizeString(arg string) (string, error) {
	clean := controlRe.ReplaceAllString(arg, "")
	if clean == "" {
		return "", fmt.Errorf("empty after sanitization")
	}
	return clean, nil
}

func sanitizePath(arg string) (string, error) {
	if arg == "" {
		return "", fmt.Errorf("empty path")
	}
	if len(arg) > 4096 {
		return "", fmt.Errorf("path too long")
	}
	if badPathCharRe.MatchString(arg) {
		return "", fmt.Errorf("invalid character in path")
	}
	if strings.HasPrefix(arg, "-") {
		return "", fmt.Errorf("path starts with dash")
	}
	clean := filepath.Clean(arg)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("path escapes upward")
		}
	}
	return clean, nil
}

func sanitizeNumber(arg string) (string, error) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return "", fmt.Errorf("not an integer")
	}
	return strconv.FormatInt(n, 10), nil
}

func sanitizeFlag(arg string) (string, error) {
	if !flagRe.MatchString(arg) {
		return "", fmt.Errorf("not a flag")
	}
	return arg, nil
}
