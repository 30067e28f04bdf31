package model

import (
	"fmt"
	"strings"
)

// Decision is the outcome of an authorization or validation check.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Category classifies a command rule.
type Category string

const (
	CategorySafe       Category = "safe"
	CategoryRestricted Category = "restricted"
	CategoryForbidden  Category = "forbidden"
)

// Grant is one (resource, action) pair a subject is allowed to perform.
// Either segment may be the wildcard "*". Wildcards are expanded at
// evaluation time against the concrete resource and action being checked;
// they are never matched by string prefix, so a "tmux:*" grant does not
// cover a "tmux-admin" resource.
type Grant struct {
	Resource string `yaml:"resource" json:"resource"`
	Action   string `yaml:"action" json:"action"`
}

// Covers reports whether the grant permits the concrete (resource, action)
// pair. Comparison is exact per segment, case-insensitive, with "*"
// matching any value for its own segment only.
func (g Grant) Covers(resource, action string) bool {
	if g.Resource != "*" && !strings.EqualFold(g.Resource, resource) {
		return false
	}
	if g.Action != "*" && !strings.EqualFold(g.Action, action) {
		return false
	}
	return true
}

// String returns the grant in "resource:action" form.
func (g Grant) String() string {
	return g.Resource + ":" + g.Action
}

// ParseGrant parses a "resource:action" string into a Grant.
func ParseGrant(s string) (Grant, error) {
	resource, action, ok := strings.Cut(s, ":")
	if !ok || resource == "" || action == "" {
		return Grant{}, fmt.Errorf("malformed grant %q: want resource:action", s)
	}
	return Grant{Resource: resource, Action: action}, nil
}

// ParseRequestType splits an envelope type of the form "resource:action".
// Unlike ParseGrant, wildcards are rejected: a request must name the
// concrete operation it performs.
func ParseRequestType(s string) (resource, action string, err error) {
	resource, action, ok := strings.Cut(s, ":")
	if !ok || resource == "" || action == "" {
		return "", "", fmt.Errorf("malformed request type %q: want resource:action", s)
	}
	if resource == "*" || action == "*" {
		return "", "", fmt.Errorf("request type %q: wildcards are not a concrete operation", s)
	}
	return resource, action, nil
}
