package ownersync

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

func newTestSynchronizer(t *testing.T, mode Mode) (*Synchronizer, *store.SQLStore, *counter.Wait) {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pol := policy.Default()
	pol.AdminGroups = map[string]bool{"admins": true}
	resolver := groups.NewStaticResolver(map[string][]string{
		"root":  {"admins"},
		"alice": {"eng"},
		"bob":   {"eng"},
	})
	wait := counter.New()
	sync := New(st, policy.NewManager(pol), resolver, wait, mode, 0, nil, nil, nil)
	return sync, st, wait
}

func tableEvent(id int64, typ EventType, owner string) Event {
	return Event{
		ID:        id,
		Type:      typ,
		Server:    "server1",
		Database:  "sales",
		Table:     "orders",
		OwnerType: model.PrincipalUser,
		OwnerName: owner,
	}
}

func TestObjectCreatedSynthesizesOwnerPrivilege(t *testing.T) {
	sync, st, wait := newTestSynchronizer(t, ModeAll)
	ctx := context.Background()

	if err := sync.Apply(ctx, tableEvent(1, ObjectCreated, "alice")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	privs, err := st.PrivilegesByPrincipal(ctx, model.Principal{Type: model.PrincipalUser, Name: "alice"})
	if err != nil {
		t.Fatalf("PrivilegesByPrincipal failed: %v", err)
	}
	if len(privs) != 1 {
		t.Fatalf("Expected 1 synthesized privilege, got %d", len(privs))
	}
	p := privs[0]
	if !p.Synthesized || p.Action != model.ActionAll || p.GrantOption || p.Scope != model.Table {
		t.Errorf("Unexpected owner privilege: %+v", p)
	}

	if v := wait.Value(counter.Notification); v != 1 {
		t.Errorf("Expected notification counter 1, got %d", v)
	}
	if sync.LastID() != 1 {
		t.Errorf("Expected cutoff 1, got %d", sync.LastID())
	}
}

func TestModeAllWithGrantSetsGrantOption(t *testing.T) {
	sync, st, _ := newTestSynchronizer(t, ModeAllWithGrant)
	ctx := context.Background()

	if err := sync.Apply(ctx, tableEvent(1, ObjectCreated, "alice")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	privs, err := st.PrivilegesByPrincipal(ctx, model.Principal{Type: model.PrincipalUser, Name: "alice"})
	if err != nil {
		t.Fatalf("PrivilegesByPrincipal failed: %v", err)
	}
	if len(privs) != 1 || !privs[0].GrantOption {
		t.Errorf("Expected grant option set, got %+v", privs)
	}
}

func TestAdminUserOwnerGetsNoPrivilege(t *testing.T) {
	sync, st, wait := newTestSynchronizer(t, ModeAll)
	ctx := context.Background()

	if err := sync.Apply(ctx, tableEvent(1, ObjectCreated, "root")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	privs, err := st.PrivilegesByPrincipal(ctx, model.Principal{Type: model.PrincipalUser, Name: "root"})
	if err != nil {
		t.Fatalf("PrivilegesByPrincipal failed: %v", err)
	}
	if len(privs) != 0 {
		t.Errorf("Expected no privileges for admin owner, got %+v", privs)
	}

	// The watermark advances even though nothing was written.
	if v := wait.Value(counter.Notification); v != 1 {
		t.Errorf("Expected notification counter 1, got %d", v)
	}
}

func TestRoleOwnerNeverAdminChecked(t *testing.T) {
	sync, st, _ := newTestSynchronizer(t, ModeAll)
	ctx := context.Background()

	// A role named like an admin user still receives the privilege:
	// the admin check applies to USER owners only.
	ev := tableEvent(1, ObjectCreated, "root")
	ev.OwnerType = model.PrincipalRole
	if err := sync.Apply(ctx, ev); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	privs, err := st.PrivilegesByPrincipal(ctx, model.Principal{Type: model.PrincipalRole, Name: "root"})
	if err != nil {
		t.Fatalf("PrivilegesByPrincipal failed: %v", err)
	}
	if len(privs) != 1 {
		t.Errorf("Expected role owner to receive the privilege, got %+v", privs)
	}
}

func TestOwnerChangedMovesPrivilege(t *testing.T) {
	sync, st, _ := newTestSynchronizer(t, ModeAll)
	ctx := context.Background()

	if err := sync.Apply(ctx, tableEvent(1, ObjectCreated, "alice")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := sync.Apply(ctx, tableEvent(2, ObjectOwnerChanged, "bob")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	alicePrivs, err := st.PrivilegesByPrincipal(ctx, model.Principal{Type: model.PrincipalUser, Name: "alice"})
	if err != nil {
		t.Fatalf("PrivilegesByPrincipal failed: %v", err)
	}
	if len(alicePrivs) != 0 {
		t.Errorf("Expected alice's privilege removed, got %+v", alicePrivs)
	}

	bobPrivs, err := st.PrivilegesByPrincipal(ctx, model.Principal{Type: model.PrincipalUser, Name: "bob"})
	if err != nil {
		t.Fatalf("PrivilegesByPrincipal failed: %v", err)
	}
	if len(bobPrivs) != 1 || !bobPrivs[0].Synthesized {
		t.Errorf("Expected bob to hold the privilege, got %+v", bobPrivs)
	}
}

func TestOwnerChangedToAdminRemovesOnly(t *testing.T) {
	sync, st, _ := newTestSynchronizer(t, ModeAll)
	ctx := context.Background()

	if err := sync.Apply(ctx, tableEvent(1, ObjectCreated, "alice")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := sync.Apply(ctx, tableEvent(2, ObjectOwnerChanged, "root")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	for _, name := range []string{"alice", "root"} {
		privs, err := st.PrivilegesByPrincipal(ctx, model.Principal{Type: model.PrincipalUser, Name: name})
		if err != nil {
			t.Fatalf("PrivilegesByPrincipal failed: %v", err)
		}
		if len(privs) != 0 {
			t.Errorf("Expected no privileges for %s, got %+v", name, privs)
		}
	}
}

func TestObjectDroppedRemovesSynthesizedOnly(t *testing.T) {
	sync, st, _ := newTestSynchronizer(t, ModeAll)
	ctx := context.Background()

	if err := st.CreateRole(ctx, "analyst"); err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}
	if _, err := st.GrantPrivileges(ctx, "analyst", []model.Privilege{{
		Scope: model.Table, Server: "server1", Database: "sales", Table: "orders",
		Action: model.ActionSelect,
	}}); err != nil {
		t.Fatalf("GrantPrivileges failed: %v", err)
	}
	if err := sync.Apply(ctx, tableEvent(2, ObjectCreated, "alice")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if err := sync.Apply(ctx, tableEvent(3, ObjectDropped, "")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	alicePrivs, err := st.PrivilegesByPrincipal(ctx, model.Principal{Type: model.PrincipalUser, Name: "alice"})
	if err != nil {
		t.Fatalf("PrivilegesByPrincipal failed: %v", err)
	}
	if len(alicePrivs) != 0 {
		t.Errorf("Expected synthesized privilege removed, got %+v", alicePrivs)
	}

	rolePrivs, err := st.PrivilegesByRole(ctx, "analyst")
	if err != nil {
		t.Fatalf("PrivilegesByRole failed: %v", err)
	}
	if len(rolePrivs) != 1 {
		t.Errorf("Expected explicit grant to survive, got %+v", rolePrivs)
	}
}

func TestReplayedEventsAreSkipped(t *testing.T) {
	sync, st, _ := newTestSynchronizer(t, ModeAll)
	ctx := context.Background()

	if err := sync.Apply(ctx, tableEvent(5, ObjectCreated, "alice")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	// Replay of the same event and an older one: acknowledged, no effect.
	if err := sync.Apply(ctx, tableEvent(5, ObjectOwnerChanged, "bob")); err != nil {
		t.Fatalf("Apply of replay failed: %v", err)
	}
	if err := sync.Apply(ctx, tableEvent(3, ObjectDropped, "")); err != nil {
		t.Fatalf("Apply of stale event failed: %v", err)
	}

	privs, err := st.PrivilegesByPrincipal(ctx, model.Principal{Type: model.PrincipalUser, Name: "alice"})
	if err != nil {
		t.Fatalf("PrivilegesByPrincipal failed: %v", err)
	}
	if len(privs) != 1 {
		t.Errorf("Expected alice's privilege untouched by replays, got %+v", privs)
	}
	if sync.LastID() != 5 {
		t.Errorf("Expected cutoff 5, got %d", sync.LastID())
	}
}

func TestModeNoneOnlyMovesWatermark(t *testing.T) {
	sync, st, wait := newTestSynchronizer(t, ModeNone)
	ctx := context.Background()

	if err := sync.Apply(ctx, tableEvent(7, ObjectCreated, "alice")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	privs, err := st.PrivilegesByPrincipal(ctx, model.Principal{Type: model.PrincipalUser, Name: "alice"})
	if err != nil {
		t.Fatalf("PrivilegesByPrincipal failed: %v", err)
	}
	if len(privs) != 0 {
		t.Errorf("Expected no synthesis in mode none, got %+v", privs)
	}
	if v := wait.Value(counter.Notification); v != 7 {
		t.Errorf("Expected notification counter 7, got %d", v)
	}
}

func TestMalformedEvents(t *testing.T) {
	sync, _, _ := newTestSynchronizer(t, ModeAll)
	ctx := context.Background()

	cases := []Event{
		{ID: 1, Type: ObjectCreated, Database: "sales", OwnerType: model.PrincipalUser, OwnerName: "alice"},
		{ID: 1, Type: ObjectCreated, Server: "server1", Database: "sales", OwnerName: "alice"},
		{ID: 1, Type: ObjectCreated, Server: "server1", Database: "sales", OwnerType: model.PrincipalUser},
		{ID: 1, Type: "object_truncated", Server: "server1", Database: "sales", OwnerType: model.PrincipalUser, OwnerName: "alice"},
	}
	for i, ev := range cases {
		if err := sync.Apply(ctx, ev); !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("case %d: expected ErrMalformedEvent, got %v", i, err)
		}
	}

	// A failed event must not advance the cutoff.
	if sync.LastID() != 0 {
		t.Errorf("Expected cutoff 0 after failures, got %d", sync.LastID())
	}
}

func TestTransitionsAreAudited(t *testing.T) {
	st, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	trail, err := audit.NewFileLogger(audit.FileLoggerConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer trail.Close()

	resolver := groups.NewStaticResolver(nil)
	sync := New(st, policy.NewManager(policy.Default()), resolver, counter.New(), ModeAll, 0, trail, nil, nil)
	ctx := context.Background()

	if err := sync.Apply(ctx, tableEvent(1, ObjectCreated, "alice")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	// Replays change nothing and are not recorded.
	if err := sync.Apply(ctx, tableEvent(1, ObjectCreated, "alice")); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if err := sync.Apply(ctx, tableEvent(2, "object_repainted", "alice")); err == nil {
		t.Fatal("Expected error for unknown event type")
	}

	events, err := trail.ReadEvents(0)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 audit events, got %d", len(events))
	}
	if events[0].Operation != audit.OpOwnerSync || events[0].Status != audit.StatusApplied {
		t.Errorf("Unexpected first audit event: %+v", events[0])
	}
	if !strings.Contains(events[0].Message, "server1.sales.orders") || !strings.Contains(events[0].Message, "owner=user:alice") {
		t.Errorf("Applied event message missing object or owner: %q", events[0].Message)
	}
	if events[1].Status != audit.StatusFailed {
		t.Errorf("Expected failed status for malformed event, got %+v", events[1])
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":               ModeNone,
		"none":           ModeNone,
		"all":            ModeAll,
		"all-with-grant": ModeAllWithGrant,
	} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("everything"); err == nil {
		t.Error("Expected error for unknown mode")
	}
}
