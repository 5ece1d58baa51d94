// Package admission gates every administrative mutation: role lifecycle,
// group links, grants and revokes. A requestor must belong to an admin
// group, and granted actions must be on the configured allow-list. Applied
// writes advance the persisted counters inside the store transaction and
// are then published to in-memory waiters.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wardenproject/warden/pkg/audit"
	"github.com/wardenproject/warden/pkg/counter"
	"github.com/wardenproject/warden/pkg/groups"
	"github.com/wardenproject/warden/pkg/model"
	"github.com/wardenproject/warden/pkg/observability"
	"github.com/wardenproject/warden/pkg/policy"
	"github.com/wardenproject/warden/pkg/store"
)

var (
	// ErrAccessDenied is returned when the requestor is not in an admin
	// group.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotGrantable is returned when a grant batch carries actions
	// outside the configured allow-list. The batch is rejected whole.
	ErrNotGrantable = errors.New("actions not allowed for granting")
	// ErrInvalidInput marks a malformed request.
	ErrInvalidInput = errors.New("invalid input")
)

// Controller applies administrative mutations.
type Controller struct {
	store    store.Store
	policy   *policy.Manager
	resolver groups.Resolver
	wait     *counter.Wait
	trail    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// New builds a controller. trail, logger and metrics may be nil.
func New(st store.Store, pol *policy.Manager, resolver groups.Resolver, wait *counter.Wait, trail audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *Controller {
	if trail == nil {
		trail = audit.NopLogger{}
	}
	return &Controller{
		store:    st,
		policy:   pol,
		resolver: resolver,
		wait:     wait,
		trail:    trail,
		logger:   logger,
		metrics:  metrics,
	}
}

// CreateRole creates an empty role.
func (c *Controller) CreateRole(ctx context.Context, requestor, role string) error {
	if err := c.requireAdmin(ctx, requestor); err != nil {
		c.record(ctx, audit.OpCreateRole, requestor, role, nil, nil, err)
		return err
	}
	if role == "" {
		return fmt.Errorf("%w: role name must not be empty", ErrInvalidInput)
	}
	err := c.store.CreateRole(ctx, role)
	c.record(ctx, audit.OpCreateRole, requestor, role, nil, nil, err)
	c.count("create_role", err)
	return err
}

// DropRole removes the role with its group links and privileges.
func (c *Controller) DropRole(ctx context.Context, requestor, role string) error {
	if err := c.requireAdmin(ctx, requestor); err != nil {
		c.record(ctx, audit.OpDropRole, requestor, role, nil, nil, err)
		return err
	}
	err := c.store.DropRole(ctx, role)
	if err == nil {
		c.publishCounters(ctx)
	}
	c.record(ctx, audit.OpDropRole, requestor, role, nil, nil, err)
	c.count("drop_role", err)
	return err
}

// AddRoleToGroups links the role to the given groups.
func (c *Controller) AddRoleToGroups(ctx context.Context, requestor, role string, groupNames []string) error {
	if err := c.requireAdmin(ctx, requestor); err != nil {
		c.record(ctx, audit.OpAddRoleToGroups, requestor, role, groupNames, nil, err)
		return err
	}
	if len(groupNames) == 0 {
		return fmt.Errorf("%w: no groups given", ErrInvalidInput)
	}
	err := c.store.AddGroupsToRole(ctx, role, groupNames)
	c.record(ctx, audit.OpAddRoleToGroups, requestor, role, groupNames, nil, err)
	c.count("add_role_to_groups", err)
	return err
}

// DeleteRoleFromGroups unlinks the role from the given groups.
func (c *Controller) DeleteRoleFromGroups(ctx context.Context, requestor, role string, groupNames []string) error {
	if err := c.requireAdmin(ctx, requestor); err != nil {
		c.record(ctx, audit.OpDeleteRoleFromGroups, requestor, role, groupNames, nil, err)
		return err
	}
	if len(groupNames) == 0 {
		return fmt.Errorf("%w: no groups given", ErrInvalidInput)
	}
	err := c.store.DeleteGroupsFromRole(ctx, role, groupNames)
	c.record(ctx, audit.OpDeleteRoleFromGroups, requestor, role, groupNames, nil, err)
	c.count("delete_role_from_groups", err)
	return err
}

// ApplyGrant validates and persists a privilege batch for a role. The batch
// is all-or-nothing: one disallowed action rejects every privilege in it,
// and the error names only the disallowed actions.
func (c *Controller) ApplyGrant(ctx context.Context, requestor, role string, privs []model.Privilege) error {
	if err := c.requireAdmin(ctx, requestor); err != nil {
		c.record(ctx, audit.OpGrant, requestor, role, nil, privs, err)
		return err
	}
	if err := validateBatch(privs); err != nil {
		return err
	}

	if disallowed := c.policy.Current().DisallowedActions(privs); len(disallowed) > 0 {
		names := make([]string, len(disallowed))
		for i, a := range disallowed {
			names[i] = a.String()
		}
		err := fmt.Errorf("%w: %s", ErrNotGrantable, strings.Join(names, ", "))
		c.record(ctx, audit.OpGrant, requestor, role, nil, privs, err)
		c.count("grant", err)
		return err
	}

	seq, err := c.store.GrantPrivileges(ctx, role, privs)
	if err == nil {
		c.publish(seq)
	}
	c.record(ctx, audit.OpGrant, requestor, role, nil, privs, err)
	c.count("grant", err)
	return err
}

// ApplyRevoke removes matching explicit privileges from a role. Revoking a
// privilege the role does not hold is a no-op, not an error.
func (c *Controller) ApplyRevoke(ctx context.Context, requestor, role string, privs []model.Privilege) error {
	if err := c.requireAdmin(ctx, requestor); err != nil {
		c.record(ctx, audit.OpRevoke, requestor, role, nil, privs, err)
		return err
	}
	if err := validateBatch(privs); err != nil {
		return err
	}

	seq, err := c.store.RevokePrivileges(ctx, role, privs)
	if err == nil {
		c.publish(seq)
	}
	c.record(ctx, audit.OpRevoke, requestor, role, nil, privs, err)
	c.count("revoke", err)
	return err
}

// ListRoles returns every role name; admin only.
func (c *Controller) ListRoles(ctx context.Context, requestor string) ([]string, error) {
	if err := c.requireAdmin(ctx, requestor); err != nil {
		return nil, err
	}
	return c.store.ListRoles(ctx)
}

// RolePrivileges lists the privileges a role holds; admin only.
func (c *Controller) RolePrivileges(ctx context.Context, requestor, role string) ([]model.Privilege, error) {
	if err := c.requireAdmin(ctx, requestor); err != nil {
		return nil, err
	}
	exists, err := c.store.RoleExists(ctx, role)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", store.ErrRoleNotFound, role)
	}
	return c.store.PrivilegesByRole(ctx, role)
}

func (c *Controller) requireAdmin(ctx context.Context, requestor string) error {
	if requestor == "" {
		return fmt.Errorf("%w: requestor must not be empty", ErrInvalidInput)
	}
	memberOf, err := c.resolver.Groups(ctx, requestor)
	if err != nil {
		return fmt.Errorf("resolve groups for %s: %w", requestor, err)
	}
	if !c.policy.Current().IsAdminGroup(memberOf) {
		return fmt.Errorf("%w: %s is not in an admin group", ErrAccessDenied, requestor)
	}
	return nil
}

func validateBatch(privs []model.Privilege) error {
	if len(privs) == 0 {
		return fmt.Errorf("%w: empty privilege batch", ErrInvalidInput)
	}
	for _, p := range privs {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return nil
}

// publish releases in-memory waiters after a committed write.
func (c *Controller) publish(seq store.Seq) {
	if c.wait == nil {
		return
	}
	c.wait.Update(counter.PermChange, seq.Perm)
	c.wait.Update(counter.PathChange, seq.Path)
	c.wait.Update(counter.Notification, seq.Notification)
}

// publishCounters re-reads the persisted counters, used after writes that
// do not report a Seq.
func (c *Controller) publishCounters(ctx context.Context) {
	if c.wait == nil {
		return
	}
	for _, cat := range counter.Categories() {
		v, err := c.store.CounterValue(ctx, cat)
		if err != nil {
			if c.logger != nil {
				c.logger.WithError(err).Warn("failed to refresh counter after write")
			}
			continue
		}
		c.wait.Update(cat, v)
	}
}

func (c *Controller) record(ctx context.Context, op audit.Operation, requestor, role string, groupNames []string, privs []model.Privilege, opErr error) {
	status := audit.StatusApplied
	switch {
	case errors.Is(opErr, ErrAccessDenied), errors.Is(opErr, ErrNotGrantable):
		status = audit.StatusDenied
	case opErr != nil:
		status = audit.StatusFailed
	}

	event := audit.NewEvent(ctx, op, requestor, status)
	event.Role = role
	event.Groups = groupNames
	for _, p := range privs {
		event.Privileges = append(event.Privileges, p.String())
	}
	if opErr != nil {
		event.Message = opErr.Error()
	}
	if err := c.trail.Record(ctx, event); err != nil && c.logger != nil {
		c.logger.WithError(err).Error("failed to record audit event")
	}
}

func (c *Controller) count(operation string, err error) {
	if c.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrNotGrantable):
		status = "denied"
	case err != nil:
		status = "error"
	}
	c.metrics.GrantOperationsTotal.WithLabelValues(operation, status).Inc()
}
