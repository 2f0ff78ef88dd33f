// ABOUTME: Store interface and data types for tracery-gateway persistence
// ABOUTME: Defines the Invocation record and the InvocationStore interface for the audit trail

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Kind constants for invocation records
const (
	KindTool     = "tool"     // Tool call dispatched to a backend server
	KindResource = "resource" // Resource read dispatched to a backend server
	KindAction   = "action"   // Workspace action executed against a session
)

// Invocation is one audited call through the gateway. Tool and resource
// invocations carry the backend server ID; action invocations carry the
// session ID instead.
type Invocation struct {
	ID         string
	ServerID   string
	SessionID  string
	Kind       string // "tool", "resource", "action"
	Name       string
	OK         bool
	ErrorClass string // empty when OK
	DurationMS int64
	CreatedAt  time.Time
}

// InvocationFilter narrows ListInvocations results. Zero-valued fields
// are ignored. Limit defaults to 100 and is capped at 1000.
type InvocationFilter struct {
	ServerID  string
	SessionID string
	Kind      string
	Limit     int
}

// ServerUsage aggregates invocation outcomes for one backend server
type ServerUsage struct {
	ServerID      string
	Calls         int64
	Failures      int64
	AvgDurationMS float64
}

// InvocationStore defines the interface for the gateway audit trail
type InvocationStore interface {
	// RecordInvocation persists one invocation record. ID and CreatedAt
	// are filled in when empty.
	RecordInvocation(ctx context.Context, inv *Invocation) error

	// ListInvocations returns matching records, newest first
	ListInvocations(ctx context.Context, filter InvocationFilter) ([]*Invocation, error)

	// UsageByServer aggregates invocation outcomes per backend server
	// since the given time. A zero time means all records.
	UsageByServer(ctx context.Context, since time.Time) ([]*ServerUsage, error)

	// Close releases any resources held by the store
	Close() error
}
