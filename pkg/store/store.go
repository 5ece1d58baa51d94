// Package store persists roles, group-role links, privileges and the
// mutation counters. It is the single shared mutable resource of the
// service: the decision engine only reads it, grant admission and the owner
// synchronizer mutate it through transactional methods that advance the
// paired counter in the same transaction as the data write.
package store

import (
	"context"
	"errors"

	"github.com/wardenproject/warden/pkg/counter"
	"github.com/wardenproject/warden/pkg/model"
)

var (
	// ErrRoleNotFound is returned when an operation targets a role that
	// does not exist.
	ErrRoleNotFound = errors.New("role not found")
	// ErrRoleExists is returned when creating a role that already exists.
	ErrRoleExists = errors.New("role already exists")
)

// Seq carries the counter values observed after a committed write. Writers
// publish them to the counter/wait mechanism so blocked readers proceed.
type Seq struct {
	Perm         int64
	Path         int64
	Notification int64
}

// Counts is a gauge-style snapshot of store contents.
type Counts struct {
	Roles      int64
	Privileges int64
	GroupLinks int64
}

// Store is the persistence contract consumed by the decision engine, grant
// admission and the owner synchronizer. Implementations must make every
// mutating method a single transaction: a reader sees either none or all of
// its effects, and counter rows advance with the data they describe.
type Store interface {
	// Roles
	CreateRole(ctx context.Context, name string) error
	// DropRole removes the role, its group links and all privileges it
	// holds, explicit and synthesized.
	DropRole(ctx context.Context, name string) error
	RoleExists(ctx context.Context, name string) (bool, error)
	ListRoles(ctx context.Context) ([]string, error)

	// Group-role links
	AddGroupsToRole(ctx context.Context, role string, groups []string) error
	DeleteGroupsFromRole(ctx context.Context, role string, groups []string) error
	// RolesForGroups resolves the roles reachable from any of the groups.
	RolesForGroups(ctx context.Context, groups []string) ([]string, error)

	// Explicit privileges, granted to roles
	GrantPrivileges(ctx context.Context, role string, privs []model.Privilege) (Seq, error)
	RevokePrivileges(ctx context.Context, role string, privs []model.Privilege) (Seq, error)

	// Owner privileges, synthesized for users or roles
	SynthesizeOwnerPrivilege(ctx context.Context, owner model.Principal, priv model.Privilege, notificationID int64) (Seq, error)
	// TransferOwnerPrivilege removes every synthesized privilege on the
	// object and, when newPriv is non-nil, installs it for newOwner, all
	// in one transaction.
	TransferOwnerPrivilege(ctx context.Context, object model.Chain, newOwner model.Principal, newPriv *model.Privilege, notificationID int64) (Seq, error)
	// DropOwnerPrivileges removes synthesized privileges for a dropped
	// object; explicit grants are untouched.
	DropOwnerPrivileges(ctx context.Context, object model.Chain, notificationID int64) (Seq, error)

	// Reads for the decision path
	PrivilegesForPrincipals(ctx context.Context, principals []model.Principal) ([]model.Privilege, error)
	PrivilegesByRole(ctx context.Context, role string) ([]model.Privilege, error)
	PrivilegesByPrincipal(ctx context.Context, p model.Principal) ([]model.Privilege, error)

	// Counters and gauges
	CounterValue(ctx context.Context, c counter.Category) (int64, error)
	Counts(ctx context.Context) (Counts, error)

	Ping(ctx context.Context) error
	Close() error
}
