// Package command parses caller-supplied command strings and validates
// them against a closed allowlist of rules. Absence from the allowlist
// means denial; nothing here is default-allow.
package command

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vanasnip/cmdwarden/internal/model"
)

// ParameterKind selects the built-in validation and sanitization for one
// positional parameter.
type ParameterKind string

const (
	KindString ParameterKind = "string"
	KindPath   ParameterKind = "path"
	KindNumber ParameterKind = "number"
	KindFlag   ParameterKind = "flag"
)

// ParameterRule validates and sanitizes one positional argument.
// Pattern and Enum are mutually exclusive; when both are empty the
// kind's built-in validator applies.
type ParameterRule struct {
	Name     string        `yaml:"name"`
	Kind     ParameterKind `yaml:"kind"`
	Required bool          `yaml:"required"`
	Pattern  string        `yaml:"pattern,omitempty"`
	Enum     []string      `yaml:"enum,omitempty"`

	compiled *regexp.Regexp
}

// Rule is one allowlisted command.
type Rule struct {
	Name                 string          `yaml:"name"`
	Category             model.Category  `yaml:"category"`
	Params               []ParameterRule `yaml:"params,omitempty"`
	Conditions           []string        `yaml:"conditions,omitempty"`
	MaxExecutionMs int `yaml:"max_execution_ms,omitempty"`

	// RequiresConfirmation marks a rule that must not run without an
	// operator's say-so. The envelope protocol carries no confirmation,
	// so validation refuses these rules outright.
	RequiresConfirmation bool `yaml:"requires_confirmation,omitempty"`
}

// RuleSet is the immutable lookup table built at load time. Updates are
// applied by loading a fresh RuleSet and atomically swapping the pointer;
// entries are never mutated in place, so in-flight validations never see
// a half-updated table.
type RuleSet struct {
	rules     map[string]*Rule
	forbidden map[string]bool
}

// rulesFile is the on-disk YAML shape.
type rulesFile struct {
	Commands  []Rule   `yaml:"commands"`
	Forbidden []string `yaml:"forbidden"`
}

// Lookup finds the rule for a base command, case-insensitively.
func (rs *RuleSet) Lookup(baseCommand string) *Rule {
	return rs.rules[strings.ToLower(baseCommand)]
}

// IsForbidden reports whether the base command is on the deny-list.
// Checked before the allowlist, so a forbidden command stays
// unreachable even through a misconfigured rule.
func (rs *RuleSet) IsForbidden(baseCommand string) bool {
	return rs.forbidden[strings.ToLower(baseCommand)]
}

// Len returns the number of allowlisted commands.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// NewRuleSet compiles rules and the forbidden list into a lookup table.
func NewRuleSet(commands []Rule, forbidden []string) (*RuleSet, error) {
	rs := &RuleSet{
		rules:     make(map[string]*Rule, len(commands)),
		forbidden: make(map[string]bool, len(forbidden)),
	}

	for _, name := range forbidden {
		rs.forbidden[strings.ToLower(strings.TrimSpace(name))] = true
	}

	for i := range commands {
		rule := commands[i]
		name := strings.ToLower(strings.TrimSpace(rule.Name))
		if name == "" {
			return nil, fmt.Errorf("rule %d: empty command name", i)
		}
		if _, dup := rs.rules[name]; dup {
			return nil, fmt.Errorf("duplicate rule for %q", name)
		}
		switch rule.Category {
		case model.CategorySafe, model.CategoryRestricted, model.CategoryForbidden:
		case "":
			rule.Category = model.CategorySafe
		default:
			return nil, fmt.Errorf("rule %q: unknown category %q", name, rule.Category)
		}
		for j := range rule.Params {
			p := &rule.Params[j]
			switch p.Kind {
			case KindString, KindPath, KindNumber, KindFlag:
			case "":
				p.Kind = KindString
			default:
				return nil, fmt.Errorf("rule %q param %q: unknown kind %q", name, p.Name, p.Kind)
			}
			if p.Pattern != "" {
				re, err := regexp.Compile("^(?:" + p.Pattern + ")$")
				if err != nil {
					return nil, fmt.Errorf("rule %q param %q: %w", name, p.Name, err)
				}
				p.compiled = re
			}
		}
		rs.rules[name] = &rule
	}

	return rs, nil
}

// DefaultRules returns the built-in allowlist: a small read-only command
// set plus the fixed forbidden list.
func DefaultRules() *RuleSet {
	rs, err := NewRuleSet(defaultCommands(), DefaultForbidden)
	if err != nil {
		// Built-in rules are compile-time constants; failing to build
		// them is a programming error.
		panic("command: invalid built-in rules: " + err.Error())
	}
	return rs
}

// Load reads a rule set from a YAML file. A missing file falls back to
// the built-in rules. The file's forbidden list is merged with the
// built-in one: configuration can extend the deny-list but never shrink
// it.
func Load(path string) (*RuleSet, error) {
	rs, _, err := LoadWithHash(path)
	return rs, err
}

// LoadWithHash is Load plus the SHA-256 of the raw YAML bytes, recorded
// in audit entries so every decision names the rule table it was made
// under. Defaults hash as empty input.
func LoadWithHash(path string) (*RuleSet, string, error) {
	emptyHash := func() string {
		h := sha256.Sum256(nil)
		return "sha256:" + hex.EncodeToString(h[:])
	}

	if path == "" {
		return DefaultRules(), emptyHash(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRules(), emptyHash(), nil
		}
		return nil, "", fmt.Errorf("read command rules: %w", err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("parse command rules: %w", err)
	}

	forbidden := append([]string{}, DefaultForbidden...)
	forbidden = append(forbidden, f.Forbidden...)
	rs, err := NewRuleSet(f.Commands, forbidden)
	if err != nil {
		return nil, "", err
	}

	h := sha256.Sum256(data)
	return rs, "sha256:" + hex.EncodeToString(h[:]), nil
}

func defaultCommands() []Rule {
	return []Rule{
		{Name: "ls", Category: model.CategorySafe, Params: []ParameterRule{
			{Name: "flags", Kind: KindFlag},
			{Name: "path", Kind: KindPath},
		}},
		{Name: "pwd", Category: model.CategorySafe},
		{Name: "whoami", Category: model.CategorySafe},
		{Name: "date", Category: model.CategorySafe},
		{Name: "hostname", Category: model.CategorySafe},
		{Name: "uptime", Category: model.CategorySafe},
		{Name: "df", Category: model.CategorySafe, Params: []ParameterRule{
			{Name: "flags", Kind: KindFlag},
		}},
		{Name: "free", Category: model.CategorySafe, Params: []ParameterRule{
			{Name: "flags", Kind: KindFlag},
		}},
		{Name: "echo", Category: model.CategorySafe, Params: []ParameterRule{
			{Name: "text", Kind: KindString},
		}},
		{Name: "cat", Category: model.CategoryRestricted, Params: []ParameterRule{
			{Name: "path", Kind: KindPath, Required: true},
		}, Conditions: []string{"file_exists", "file_size", "extension_allowed"}},
		{Name: "head", Category: model.CategoryRestricted, Params: []ParameterRule{
			{Name: "flags", Kind: KindFlag},
			{Name: "path", Kind: KindPath, Required: true},
		}, Conditions: []string{"file_exists", "file_size"}},
		{Name: "wc", Category: model.CategoryRestricted, Params: []ParameterRule{
			{Name: "flags", Kind: KindFlag},
			{Name: "path", Kind: KindPath, Required: true},
		}, Conditions: []string{"file_exists"}},
	}
}
