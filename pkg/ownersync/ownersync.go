// Package ownersync keeps owner privileges aligned with the catalog: when
// an object is created, changes owner or is dropped, the matching
// synthesized privilege is installed, moved or removed. Delivery is
// at-least-once, so every transition is idempotent and replays are
// acknowledged without effect.
package ownersync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wardenproject/warden/pkg/audit"
	"github.com/wardenproject/warden/pkg/counter"
	"github.com/wardenproject/warden/pkg/groups"
	"github.com/wardenproject/warden/pkg/model"
	"github.com/wardenproject/warden/pkg/observability"
	"github.com/wardenproject/warden/pkg/policy"
	"github.com/wardenproject/warden/pkg/store"
)

// Mode selects how owner privileges are synthesized.
type Mode string

const (
	// ModeNone disables owner privilege synthesis; events only move the
	// notification watermark.
	ModeNone Mode = "none"
	// ModeAll grants owners ALL on their object.
	ModeAll Mode = "all"
	// ModeAllWithGrant additionally sets the grant option.
	ModeAllWithGrant Mode = "all-with-grant"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNone, ModeAll, ModeAllWithGrant:
		return Mode(s), nil
	case "":
		return ModeNone, nil
	default:
		return "", fmt.Errorf("unknown owner privilege mode %q", s)
	}
}

// EventType is a catalog lifecycle transition.
type EventType string

const (
	ObjectCreated      EventType = "object_created"
	ObjectOwnerChanged EventType = "object_owner_changed"
	ObjectDropped      EventType = "object_dropped"
)

// ErrMalformedEvent marks an event the synchronizer cannot apply.
var ErrMalformedEvent = errors.New("malformed catalog event")

// Event is one catalog notification. ID is assigned monotonically by the
// catalog; Table is empty for database-level objects. Owner identifies the
// object's (new) owner and is unused for drops.
type Event struct {
	ID        int64               `json:"id"`
	Type      EventType           `json:"type"`
	Server    string              `json:"server"`
	Database  string              `json:"database"`
	Table     string              `json:"table,omitempty"`
	OwnerType model.PrincipalType `json:"owner_type,omitempty"`
	OwnerName string              `json:"owner_name,omitempty"`
}

// Object returns the chain of the object the event is about.
func (e Event) Object() (model.Chain, error) {
	if e.Server == "" || e.Database == "" {
		return nil, fmt.Errorf("%w: missing server or database", ErrMalformedEvent)
	}
	parts := []model.Authorizable{
		{Type: model.Server, Name: e.Server},
		{Type: model.Database, Name: e.Database},
	}
	if e.Table != "" {
		parts = append(parts, model.Authorizable{Type: model.Table, Name: e.Table})
	}
	return model.NewChain(parts...), nil
}

// Synchronizer applies catalog events to the privilege store.
type Synchronizer struct {
	store    store.Store
	policy   *policy.Manager
	resolver groups.Resolver
	wait     *counter.Wait
	mode     Mode
	trail    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu     sync.Mutex
	lastID int64
}

// New builds a synchronizer. lastID seeds the replay cutoff, normally the
// persisted notification counter at startup. trail, logger and metrics may
// be nil.
func New(st store.Store, pol *policy.Manager, resolver groups.Resolver, wait *counter.Wait, mode Mode, lastID int64, trail audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *Synchronizer {
	if trail == nil {
		trail = audit.NopLogger{}
	}
	return &Synchronizer{
		store:    st,
		policy:   pol,
		resolver: resolver,
		wait:     wait,
		mode:     mode,
		trail:    trail,
		lastID:   lastID,
		logger:   logger,
		metrics:  metrics,
	}
}

// LastID returns the highest notification ID applied so far.
func (s *Synchronizer) LastID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Apply processes one catalog event. Replays (ID at or below the cutoff)
// return nil without effect. A nil return acknowledges the event.
func (s *Synchronizer) Apply(ctx context.Context, ev Event) error {
	before := s.LastID()
	err := s.apply(ctx, ev)
	s.count(ev, err)
	if err != nil || s.LastID() > before {
		s.record(ctx, ev, err)
	}
	return err
}

func (s *Synchronizer) apply(ctx context.Context, ev Event) error {
	s.mu.Lock()
	if ev.ID <= s.lastID {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.WithFields(map[string]interface{}{"event_id": ev.ID, "cutoff": s.lastID}).
				Debug("skipping replayed catalog event")
		}
		return nil
	}
	s.mu.Unlock()

	if s.mode == ModeNone {
		// The component is inert, but waiters keyed on this event must
		// still unblock.
		s.advanceCutoff(ev.ID)
		if s.wait != nil {
			s.wait.Update(counter.Notification, ev.ID)
		}
		return nil
	}

	object, err := ev.Object()
	if err != nil {
		return err
	}
	if d := object.Depth(); d != model.Database && d != model.Table {
		return fmt.Errorf("%w: owner privileges exist only for databases and tables", ErrMalformedEvent)
	}

	var seq store.Seq
	switch ev.Type {
	case ObjectCreated:
		seq, err = s.applyCreated(ctx, ev, object)
	case ObjectOwnerChanged:
		seq, err = s.applyOwnerChanged(ctx, ev, object)
	case ObjectDropped:
		seq, err = s.store.DropOwnerPrivileges(ctx, object, ev.ID)
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, ev.Type)
	}
	if err != nil {
		return err
	}

	s.advanceCutoff(ev.ID)
	s.publish(seq)
	return nil
}

func (s *Synchronizer) applyCreated(ctx context.Context, ev Event, object model.Chain) (store.Seq, error) {
	owner, err := s.owner(ev)
	if err != nil {
		return store.Seq{}, err
	}

	skip, err := s.adminOwner(ctx, owner)
	if err != nil {
		return store.Seq{}, err
	}
	if skip {
		// Admin users hold everything already; no synthesized row. The
		// watermark still has to move for waiters keyed on this event.
		return s.store.DropOwnerPrivileges(ctx, object, ev.ID)
	}

	priv, err := model.NewOwnerPrivilege(object, s.mode == ModeAllWithGrant)
	if err != nil {
		return store.Seq{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return s.store.SynthesizeOwnerPrivilege(ctx, owner, priv, ev.ID)
}

func (s *Synchronizer) applyOwnerChanged(ctx context.Context, ev Event, object model.Chain) (store.Seq, error) {
	owner, err := s.owner(ev)
	if err != nil {
		return store.Seq{}, err
	}

	skip, err := s.adminOwner(ctx, owner)
	if err != nil {
		return store.Seq{}, err
	}
	if skip {
		// The old owner's privilege goes, nothing is installed.
		return s.store.TransferOwnerPrivilege(ctx, object, owner, nil, ev.ID)
	}

	priv, err := model.NewOwnerPrivilege(object, s.mode == ModeAllWithGrant)
	if err != nil {
		return store.Seq{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return s.store.TransferOwnerPrivilege(ctx, object, owner, &priv, ev.ID)
}

// adminOwner reports whether synthesis is skipped for this owner: USER
// owners in an admin group get no owner privilege. ROLE owners are never
// admin-checked.
func (s *Synchronizer) adminOwner(ctx context.Context, owner model.Principal) (bool, error) {
	if owner.Type != model.PrincipalUser {
		return false, nil
	}
	memberOf, err := s.resolver.Groups(ctx, owner.Name)
	if err != nil {
		return false, fmt.Errorf("resolve groups for owner %s: %w", owner.Name, err)
	}
	return s.policy.Current().IsAdminGroup(memberOf), nil
}

func (s *Synchronizer) owner(ev Event) (model.Principal, error) {
	if ev.OwnerName == "" {
		return model.Principal{}, fmt.Errorf("%w: missing owner", ErrMalformedEvent)
	}
	if ev.OwnerType != model.PrincipalUser && ev.OwnerType != model.PrincipalRole {
		return model.Principal{}, fmt.Errorf("%w: unknown owner type %q", ErrMalformedEvent, ev.OwnerType)
	}
	return model.Principal{Type: ev.OwnerType, Name: ev.OwnerName}, nil
}

func (s *Synchronizer) advanceCutoff(id int64) {
	s.mu.Lock()
	if id > s.lastID {
		s.lastID = id
	}
	s.mu.Unlock()
}

func (s *Synchronizer) publish(seq store.Seq) {
	if s.wait == nil {
		return
	}
	s.wait.Update(counter.PermChange, seq.Perm)
	s.wait.Update(counter.PathChange, seq.Path)
	s.wait.Update(counter.Notification, seq.Notification)
}

// record writes the transition to the audit trail. Replays are not
// recorded; they changed nothing.
func (s *Synchronizer) record(ctx context.Context, ev Event, opErr error) {
	status := audit.StatusApplied
	if opErr != nil {
		status = audit.StatusFailed
	}
	event := audit.NewEvent(ctx, audit.OpOwnerSync, "", status)

	object := ev.Server + "." + ev.Database
	if ev.Table != "" {
		object += "." + ev.Table
	}
	desc := fmt.Sprintf("%s id=%d object=%s", ev.Type, ev.ID, object)
	if ev.OwnerName != "" {
		desc += fmt.Sprintf(" owner=%s:%s", ev.OwnerType, ev.OwnerName)
	}
	if opErr != nil {
		desc += ": " + opErr.Error()
	}
	event.Message = desc

	if err := s.trail.Record(ctx, event); err != nil && s.logger != nil {
		s.logger.WithError(err).Error("failed to record audit event")
	}
}

func (s *Synchronizer) count(ev Event, err error) {
	if s.metrics == nil {
		return
	}
	status := "applied"
	if err != nil {
		status = "error"
	}
	s.metrics.CatalogEventsTotal.WithLabelValues(string(ev.Type), status).Inc()
}
