// Package grants maps a subject's role and overrides to the set of
// (resource, action) pairs it may perform. Grant evaluation is
// deny-by-default: a pair is allowed only when a grant explicitly covers
// it and no subject override withdraws it.
package grants

import (
	"errors"
	"fmt"

	"github.com/vanasnip/cmdwarden/internal/model"
)

// ErrDenied is returned when no effective grant covers the requested pair.
var ErrDenied = errors.New("permission denied")

// Resolver evaluates authorization against a loaded role configuration.
// The configuration is immutable once loaded; updates are applied by
// building a new Resolver and swapping the pointer.
type Resolver struct {
	cfg *Config

	// OnDeny, when set, is invoked for every denied check with the
	// subject and the concrete pair. Used to feed the audit trail.
	OnDeny func(subject, resource, action string)
}

// NewResolver creates a Resolver from a validated configuration.
func NewResolver(cfg *Config) *Resolver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Resolver{cfg: cfg}
}

// EffectiveGrants computes the grant set for a subject: the role's default
// grants minus the subject's deny overrides. Overrides can only narrow the
// role defaults; there is no mechanism to add a grant per subject.
func (r *Resolver) EffectiveGrants(subjectID, role string) ([]model.Grant, error) {
	defaults, ok := r.cfg.Roles[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	denies := r.cfg.Subjects[subjectID].Deny

	var effective []model.Grant
	for _, raw := range defaults {
		g, err := model.ParseGrant(raw)
		if err != nil {
			return nil, fmt.Errorf("role %q: %w", role, err)
		}
		if deniedByOverride(g, denies) {
			continue
		}
		effective = append(effective, g)
	}
	return effective, nil
}

// Authorize checks whether the given grant set covers the concrete
// (resource, action) pair. Returns nil on allow, ErrDenied otherwise.
// The check has no side effect beyond the OnDeny callback.
func (r *Resolver) Authorize(subject string, grantSet []model.Grant, resource, action string) error {
	for _, g := range grantSet {
		if g.Covers(resource, action) {
			return nil
		}
	}
	if r.OnDeny != nil {
		r.OnDeny(subject, resource, action)
	}
	return fmt.Errorf("%w: %s may not %s:%s", ErrDenied, subject, resource, action)
}

// deniedByOverride reports whether a granted pair is withdrawn by any of
// the subject's deny overrides. An override denies the grant when the two
// name the same pair, or when the override is broader (wildcard) than the
// grant for both segments.
func deniedByOverride(g model.Grant, denies []string) bool {
	for _, raw := range denies {
		d, err := model.ParseGrant(raw)
		if err != nil {
			continue
		}
		if segmentCovers(d.Resource, g.Resource) && segmentCovers(d.Action, g.Action) {
			return true
		}
	}
	return false
}

func segmentCovers(deny, grant string) bool {
	return deny == "*" || deny == grant
}
