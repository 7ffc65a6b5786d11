package history

import (
	"context"
	"fmt"
	"time"
)

// EventType names the state a batch record entered.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventRunning   EventType = "running"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
)

// Record is the exported view of one batch result at the time of an event.
type Record struct {
	Command    string    `json:"command"`
	WorkItemID int       `json:"work_item_id"`
	Title      string    `json:"title,omitempty"`
	Submitter  string    `json:"submitter"`
	State      string    `json:"state"`
	Message    string    `json:"message"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Key identifies the record across events.
func (r Record) Key() string { return fmt.Sprintf("%s/%d", r.Command, r.WorkItemID) }

// Event represents a batch record transition exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RunID      string    `json:"run_id"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
