// Package audit records every administrative mutation: role lifecycle,
// group links, grants and revokes. The trail is append-only JSON lines so
// it can be shipped and queried without the service.
package audit

import (
	"context"
	"time"

	"github.com/wardenproject/warden/pkg/observability"
)

// Operation names the administrative action being recorded.
type Operation string

const (
	OpCreateRole           Operation = "role.create"
	OpDropRole             Operation = "role.drop"
	OpAddRoleToGroups      Operation = "role.add_groups"
	OpDeleteRoleFromGroups Operation = "role.delete_groups"
	OpGrant                Operation = "grant"
	OpRevoke               Operation = "revoke"
	OpOwnerSync            Operation = "owner_sync"
)

// Status is the recorded outcome.
type Status string

const (
	StatusApplied Status = "applied"
	StatusDenied  Status = "denied"
	StatusFailed  Status = "failed"
)

// Event is one audit trail entry.
type Event struct {
	Time       time.Time `json:"time"`
	RequestID  string    `json:"request_id,omitempty"`
	Requestor  string    `json:"requestor,omitempty"`
	Operation  Operation `json:"operation"`
	Role       string    `json:"role,omitempty"`
	Groups     []string  `json:"groups,omitempty"`
	Privileges []string  `json:"privileges,omitempty"`
	Status     Status    `json:"status"`
	Message    string    `json:"message,omitempty"`
}

// Logger appends events to a trail. Implementations must be safe for
// concurrent use.
type Logger interface {
	Record(ctx context.Context, event *Event) error
	Close() error
}

// NewEvent stamps time and the request ID from context.
func NewEvent(ctx context.Context, op Operation, requestor string, status Status) *Event {
	return &Event{
		Time:      time.Now().UTC(),
		RequestID: observability.GetRequestID(ctx),
		Requestor: requestor,
		Operation: op,
		Status:    status,
	}
}

// NopLogger discards every event.
type NopLogger struct{}

func (NopLogger) Record(context.Context, *Event) error { return nil }
func (NopLogger) Close() error                         { return nil }
