package admission

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wardenproject/warden/pkg/audit"
	"github.com/wardenproject/warden/pkg/counter"
	"github.com/wardenproject/warden/pkg/groups"
	"github.com/wardenproject/warden/pkg/model"
	"github.com/wardenproject/warden/pkg/policy"
	"github.com/wardenproject/warden/pkg/store"
)

type fakeStore struct {
	store.Store

	roles      map[string]bool
	granted    map[string][]model.Privilege
	revoked    map[string][]model.Privilege
	groupLinks map[string][]string
	seq        store.Seq
	counters   map[counter.Category]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles:      make(map[string]bool),
		granted:    make(map[string][]model.Privilege),
		revoked:    make(map[string][]model.Privilege),
		groupLinks: make(map[string][]string),
		counters:   make(map[counter.Category]int64),
	}
}

func (f *fakeStore) CreateRole(_ context.Context, name string) error {
	if f.roles[name] {
		return store.ErrRoleExists
	}
	f.roles[name] = true
	return nil
}

func (f *fakeStore) DropRole(_ context.Context, name string) error {
	if !f.roles[name] {
		return store.ErrRoleNotFound
	}
	delete(f.roles, name)
	f.counters[counter.PermChange]++
	return nil
}

func (f *fakeStore) RoleExists(_ context.Context, name string) (bool, error) {
	return f.roles[name], nil
}

func (f *fakeStore) ListRoles(_ context.Context) ([]string, error) {
	var names []string
	for name := range f.roles {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeStore) AddGroupsToRole(_ context.Context, role string, groupNames []string) error {
	if !f.roles[role] {
		return store.ErrRoleNotFound
	}
	f.groupLinks[role] = append(f.groupLinks[role], groupNames...)
	return nil
}

func (f *fakeStore) DeleteGroupsFromRole(_ context.Context, role string, groupNames []string) error {
	if !f.roles[role] {
		return store.ErrRoleNotFound
	}
	return nil
}

func (f *fakeStore) GrantPrivileges(_ context.Context, role string, privs []model.Privilege) (store.Seq, error) {
	if !f.roles[role] {
		return store.Seq{}, store.ErrRoleNotFound
	}
	f.granted[role] = append(f.granted[role], privs...)
	f.seq.Perm += int64(len(privs))
	return f.seq, nil
}

func (f *fakeStore) RevokePrivileges(_ context.Context, role string, privs []model.Privilege) (store.Seq, error) {
	if !f.roles[role] {
		return store.Seq{}, store.ErrRoleNotFound
	}
	f.revoked[role] = append(f.revoked[role], privs...)
	f.seq.Perm++
	return f.seq, nil
}

func (f *fakeStore) PrivilegesByRole(_ context.Context, role string) ([]model.Privilege, error) {
	return f.granted[role], nil
}

func (f *fakeStore) CounterValue(_ context.Context, c counter.Category) (int64, error) {
	return f.counters[c], nil
}

func testPolicy() *policy.Policy {
	pol := policy.Default()
	pol.AdminGroups = map[string]bool{"admins": true}
	return pol
}

func testResolver() groups.Resolver {
	return groups.NewStaticResolver(map[string][]string{
		"admin1": {"admins", "eng"},
		"alice":  {"eng"},
	})
}

func newTestController(fs *fakeStore, pol *policy.Policy) (*Controller, *counter.Wait) {
	if pol == nil {
		pol = testPolicy()
	}
	wait := counter.New()
	return New(fs, policy.NewManager(pol), testResolver(), wait, nil, nil, nil), wait
}

func selectPriv() model.Privilege {
	return model.Privilege{
		Scope:    model.Table,
		Server:   "server1",
		Database: "sales",
		Table:    "orders",
		Action:   model.ActionSelect,
	}
}

func TestRoleLifecycleRequiresAdmin(t *testing.T) {
	fs := newFakeStore()
	c, _ := newTestController(fs, nil)
	ctx := context.Background()

	if err := c.CreateRole(ctx, "alice", "analyst"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Expected ErrAccessDenied for non-admin, got %v", err)
	}
	if err := c.CreateRole(ctx, "", "analyst"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty requestor, got %v", err)
	}

	if err := c.CreateRole(ctx, "admin1", "analyst"); err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}
	if !fs.roles["analyst"] {
		t.Error("Expected role to be created")
	}

	if err := c.AddRoleToGroups(ctx, "admin1", "analyst", []string{"eng"}); err != nil {
		t.Fatalf("AddRoleToGroups failed: %v", err)
	}
	if err := c.AddRoleToGroups(ctx, "admin1", "analyst", nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty group list, got %v", err)
	}

	if err := c.DropRole(ctx, "alice", "analyst"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Expected ErrAccessDenied for non-admin drop, got %v", err)
	}
	if err := c.DropRole(ctx, "admin1", "analyst"); err != nil {
		t.Fatalf("DropRole failed: %v", err)
	}
}

func TestApplyGrantAllowList(t *testing.T) {
	fs := newFakeStore()
	fs.roles["analyst"] = true

	pol := testPolicy()
	pol.GrantableActions = map[model.Action]bool{
		model.ActionAll:    true,
		model.ActionSelect: true,
		model.ActionInsert: true,
	}
	c, _ := newTestController(fs, pol)
	ctx := context.Background()

	// One disallowed action rejects the whole batch.
	batch := []model.Privilege{
		selectPriv(),
		{Scope: model.Table, Server: "server1", Database: "sales", Table: "orders", Action: model.ActionDrop},
		{Scope: model.Table, Server: "server1", Database: "sales", Table: "orders", Action: model.ActionAlter},
	}
	err := c.ApplyGrant(ctx, "admin1", "analyst", batch)
	if !errors.Is(err, ErrNotGrantable) {
		t.Fatalf("Expected ErrNotGrantable, got %v", err)
	}
	// The message names only the disallowed actions.
	if !strings.Contains(err.Error(), "ALTER") || !strings.Contains(err.Error(), "DROP") {
		t.Errorf("Expected disallowed actions in message, got %q", err.Error())
	}
	if strings.Contains(err.Error(), "SELECT") {
		t.Errorf("Allowed action must not appear in message, got %q", err.Error())
	}
	if len(fs.granted["analyst"]) != 0 {
		t.Error("Expected no privileges written on rejection")
	}

	if err := c.ApplyGrant(ctx, "admin1", "analyst", []model.Privilege{selectPriv()}); err != nil {
		t.Fatalf("ApplyGrant failed: %v", err)
	}
	if len(fs.granted["analyst"]) != 1 {
		t.Error("Expected privilege written")
	}
}

func TestApplyGrantValidation(t *testing.T) {
	fs := newFakeStore()
	fs.roles["analyst"] = true
	c, _ := newTestController(fs, nil)
	ctx := context.Background()

	if err := c.ApplyGrant(ctx, "admin1", "analyst", nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty batch, got %v", err)
	}

	malformed := model.Privilege{Scope: model.Table, Server: "server1", Table: "orders", Action: model.ActionSelect}
	err := c.ApplyGrant(ctx, "admin1", "analyst", []model.Privilege{malformed})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for malformed privilege, got %v", err)
	}

	if err := c.ApplyGrant(ctx, "alice", "analyst", []model.Privilege{selectPriv()}); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Expected ErrAccessDenied for non-admin, got %v", err)
	}
}

func TestGrantOptionPersistedVerbatim(t *testing.T) {
	fs := newFakeStore()
	fs.roles["analyst"] = true
	c, _ := newTestController(fs, nil)

	withGrant := selectPriv()
	withGrant.GrantOption = true
	if err := c.ApplyGrant(context.Background(), "admin1", "analyst", []model.Privilege{withGrant}); err != nil {
		t.Fatalf("ApplyGrant failed: %v", err)
	}
	if got := fs.granted["analyst"]; len(got) != 1 || !got[0].GrantOption {
		t.Errorf("Expected grant option persisted, got %+v", got)
	}
}

func TestApplyGrantReleasesWaiters(t *testing.T) {
	fs := newFakeStore()
	fs.roles["analyst"] = true
	c, wait := newTestController(fs, nil)

	if err := c.ApplyGrant(context.Background(), "admin1", "analyst", []model.Privilege{selectPriv()}); err != nil {
		t.Fatalf("ApplyGrant failed: %v", err)
	}
	if v := wait.Value(counter.PermChange); v != 1 {
		t.Errorf("Expected in-memory perm counter 1 after publish, got %d", v)
	}

	if err := c.ApplyRevoke(context.Background(), "admin1", "analyst", []model.Privilege{selectPriv()}); err != nil {
		t.Fatalf("ApplyRevoke failed: %v", err)
	}
	if v := wait.Value(counter.PermChange); v != 2 {
		t.Errorf("Expected in-memory perm counter 2 after revoke, got %d", v)
	}
}

func TestDropRolePublishesCounters(t *testing.T) {
	fs := newFakeStore()
	fs.roles["analyst"] = true
	c, wait := newTestController(fs, nil)

	if err := c.DropRole(context.Background(), "admin1", "analyst"); err != nil {
		t.Fatalf("DropRole failed: %v", err)
	}
	if v := wait.Value(counter.PermChange); v != 1 {
		t.Errorf("Expected perm counter republished after drop, got %d", v)
	}
}

func TestAuditTrailRecordsOutcomes(t *testing.T) {
	fs := newFakeStore()
	fs.roles["analyst"] = true

	logger, err := audit.NewFileLogger(audit.FileLoggerConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	wait := counter.New()
	c := New(fs, policy.NewManager(testPolicy()), testResolver(), wait, logger, nil, nil)
	ctx := context.Background()

	if err := c.ApplyGrant(ctx, "admin1", "analyst", []model.Privilege{selectPriv()}); err != nil {
		t.Fatalf("ApplyGrant failed: %v", err)
	}
	if err := c.ApplyGrant(ctx, "alice", "analyst", []model.Privilege{selectPriv()}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Expected ErrAccessDenied, got %v", err)
	}

	events, err := logger.ReadEvents(0)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 audit events, got %d", len(events))
	}
	if events[0].Status != audit.StatusApplied || events[0].Operation != audit.OpGrant {
		t.Errorf("Unexpected first event: %+v", events[0])
	}
	if events[1].Status != audit.StatusDenied || events[1].Requestor != "alice" {
		t.Errorf("Unexpected second event: %+v", events[1])
	}
}

func TestRolePrivileges(t *testing.T) {
	fs := newFakeStore()
	fs.roles["analyst"] = true
	fs.granted["analyst"] = []model.Privilege{selectPriv()}
	c, _ := newTestController(fs, nil)
	ctx := context.Background()

	privs, err := c.RolePrivileges(ctx, "admin1", "analyst")
	if err != nil {
		t.Fatalf("RolePrivileges failed: %v", err)
	}
	if len(privs) != 1 {
		t.Errorf("Expected 1 privilege, got %d", len(privs))
	}

	if _, err := c.RolePrivileges(ctx, "admin1", "ghost"); !errors.Is(err, store.ErrRoleNotFound) {
		t.Errorf("Expected ErrRoleNotFound, got %v", err)
	}
	if _, err := c.RolePrivileges(ctx, "alice", "analyst"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("Expected ErrAccessDenied, got %v", err)
	}
}
