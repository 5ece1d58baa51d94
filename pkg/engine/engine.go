// Package engine evaluates authorization decisions. It only reads: the
// store supplies persisted privileges, the policy snapshot supplies admin
// groups, implications and the visibility table. Decisions are purely
// additive — a single matching privilege allows, and nothing denies.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wardenproject/warden/pkg/model"
	"github.com/wardenproject/warden/pkg/observability"
	"github.com/wardenproject/warden/pkg/policy"
)

// ErrInvalidInput marks a request the engine refuses to evaluate.
var ErrInvalidInput = errors.New("invalid input")

// PrivilegeReader is the slice of the store the engine needs. It never
// mutates.
type PrivilegeReader interface {
	RolesForGroups(ctx context.Context, groups []string) ([]string, error)
	PrivilegesForPrincipals(ctx context.Context, principals []model.Principal) ([]model.Privilege, error)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Matched is the privilege that allowed, when one did.
	Matched *model.Privilege `json:"matched,omitempty"`
	// Admin is set when an admin-group membership short-circuited the
	// check before privileges were consulted.
	Admin bool `json:"admin,omitempty"`
}

// Engine decides access and visibility requests.
type Engine struct {
	store   PrivilegeReader
	policy  *policy.Manager
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New builds an engine. metrics may be nil.
func New(st PrivilegeReader, pol *policy.Manager, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{store: st, policy: pol, logger: logger, metrics: metrics}
}

// Decide reports whether the principal, belonging to the given groups, may
// perform action on the object chain. Holding no privileges is an ordinary
// Deny, not an error.
func (e *Engine) Decide(ctx context.Context, principal model.Principal, groups []string, chain model.Chain, action model.Action) (Decision, error) {
	start := time.Now()
	d, err := e.decide(ctx, principal, groups, chain, action)
	e.observe("decide", start, d, err)
	return d, err
}

func (e *Engine) decide(ctx context.Context, principal model.Principal, groups []string, chain model.Chain, action model.Action) (Decision, error) {
	if err := validateSubject(principal, chain); err != nil {
		return Decision{}, err
	}
	if action == "" {
		return Decision{}, fmt.Errorf("%w: action must not be empty", ErrInvalidInput)
	}

	pol := e.policy.Current()
	if pol.IsAdminGroup(groups) {
		return Decision{Allowed: true, Admin: true}, nil
	}

	privs, err := e.heldPrivileges(ctx, principal, groups)
	if err != nil {
		return Decision{}, err
	}
	for i := range privs {
		p := privs[i]
		if p.AppliesTo(chain) && pol.Implications.Implies(p.Action, action) {
			return Decision{Allowed: true, Matched: &p}, nil
		}
	}
	return Decision{}, nil
}

// DecideVisible reports whether the principal may see that the object
// exists: some held privilege must lie on the chain, above it or below it,
// and its (scope, action) pair must be eligible per the visibility table.
func (e *Engine) DecideVisible(ctx context.Context, principal model.Principal, groups []string, chain model.Chain) (Decision, error) {
	start := time.Now()
	d, err := e.decideVisible(ctx, principal, groups, chain)
	e.observe("visible", start, d, err)
	return d, err
}

func (e *Engine) decideVisible(ctx context.Context, principal model.Principal, groups []string, chain model.Chain) (Decision, error) {
	if err := validateSubject(principal, chain); err != nil {
		return Decision{}, err
	}

	pol := e.policy.Current()
	if pol.IsAdminGroup(groups) {
		return Decision{Allowed: true, Admin: true}, nil
	}

	privs, err := e.heldPrivileges(ctx, principal, groups)
	if err != nil {
		return Decision{}, err
	}
	for i := range privs {
		p := privs[i]
		if p.CoversOrWithin(chain) && pol.VisibilityEligible(p.Scope, p.Action) {
			return Decision{Allowed: true, Matched: &p}, nil
		}
	}
	return Decision{}, nil
}

// HeldPrivileges lists everything the principal holds directly plus through
// roles reachable from its groups. Exposed for the privilege listing API.
func (e *Engine) HeldPrivileges(ctx context.Context, principal model.Principal, groups []string) ([]model.Privilege, error) {
	if principal.Name == "" {
		return nil, fmt.Errorf("%w: principalName parameter must not be null", ErrInvalidInput)
	}
	return e.heldPrivileges(ctx, principal, groups)
}

func (e *Engine) heldPrivileges(ctx context.Context, principal model.Principal, groups []string) ([]model.Privilege, error) {
	principals := []model.Principal{principal}
	roles, err := e.store.RolesForGroups(ctx, groups)
	if err != nil {
		return nil, fmt.Errorf("resolve roles: %w", err)
	}
	for _, role := range roles {
		p := model.Principal{Type: model.PrincipalRole, Name: role}
		if p != principal {
			principals = append(principals, p)
		}
	}
	return e.store.PrivilegesForPrincipals(ctx, principals)
}

func validateSubject(principal model.Principal, chain model.Chain) error {
	if principal.Name == "" {
		return fmt.Errorf("%w: principalName parameter must not be null", ErrInvalidInput)
	}
	if principal.Type != model.PrincipalUser && principal.Type != model.PrincipalRole {
		return fmt.Errorf("%w: unknown principal type %q", ErrInvalidInput, principal.Type)
	}
	if err := chain.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (e *Engine) observe(kind string, start time.Time, d Decision, err error) {
	if e.metrics == nil {
		return
	}
	result := "deny"
	switch {
	case err != nil:
		result = "error"
		if e.logger != nil && !errors.Is(err, ErrInvalidInput) {
			e.logger.WithError(err).Warn("authorization check failed")
		}
	case d.Allowed:
		result = "allow"
	}
	switch kind {
	case "decide":
		e.metrics.DecisionsTotal.WithLabelValues(result).Inc()
		e.metrics.DecisionDuration.Observe(time.Since(start).Seconds())
	case "visible":
		e.metrics.VisibilityChecksTotal.WithLabelValues(result).Inc()
	}
}
