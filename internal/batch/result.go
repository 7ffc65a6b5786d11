package batch

import (
	"fmt"
	"sync"
	"time"

	apperrors "github.com/loykin/scriptbatch/internal/errors"
)

// Result is the live record of one work item in one batch command. Identity
// fields are immutable; everything else changes under the record's own lock.
type Result struct {
	workItemID int
	command    string

	mu          sync.RWMutex
	submitter   string
	title       string
	state       State
	message     string
	lastUpdated time.Time

	// owner is the ticket of the batch allowed to run the record while it is
	// PENDING. queued tracks whether the record is counted in the pending gauge.
	owner  *ticket
	queued bool
}

// Record is a point-in-time copy of a Result.
type Record struct {
	WorkItemID  int       `json:"work_item_id"`
	Command     string    `json:"command"`
	Submitter   string    `json:"submitter"`
	Title       string    `json:"title,omitempty"`
	State       State     `json:"state"`
	Message     string    `json:"message"`
	LastUpdated time.Time `json:"last_updated"`
}

const pendingMessage = "Waiting to be processed."

func newResult(workItemID int, command, submitter string, owner *ticket) *Result {
	return &Result{
		workItemID:  workItemID,
		command:     command,
		submitter:   submitter,
		state:       StatePending,
		message:     pendingMessage,
		lastUpdated: time.Now().UTC(),
		owner:       owner,
	}
}

func (r *Result) WorkItemID() int { return r.workItemID }
func (r *Result) Command() string { return r.command }

func (r *Result) Submitter() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.submitter
}

func (r *Result) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Result) Record() Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recordLocked()
}

func (r *Result) recordLocked() Record {
	return Record{
		WorkItemID:  r.workItemID,
		Command:     r.command,
		Submitter:   r.submitter,
		Title:       r.title,
		State:       r.state,
		Message:     r.message,
		LastUpdated: r.lastUpdated,
	}
}

// transition moves the record to `to`, overwriting the message and
// refreshing the timestamp. It fails without side effects when the edge is
// not allowed, which is how concurrent workers avoid picking the same record.
func (r *Result) transition(to State, message string) (State, Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.state
	if !canTransition(from, to) {
		return from, r.recordLocked(), apperrors.Validation("batch.transition",
			fmt.Sprintf("work item %d in %q: %s -> %s not allowed", r.workItemID, r.command, from, to))
	}
	r.state = to
	r.message = message
	r.lastUpdated = time.Now().UTC()
	return from, r.recordLocked(), nil
}

func (r *Result) setTitle(title string) {
	r.mu.Lock()
	r.title = title
	r.mu.Unlock()
}

// adopt hands a PENDING record whose batch no longer picks anything up to
// the batch of t. It fails when the record is active: RUNNING, or PENDING
// under a live batch.
func (r *Result) adopt(t *ticket, submitter string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending || (r.owner != nil && r.owner.live()) {
		return false
	}
	r.owner = t
	r.submitter = submitter
	r.message = pendingMessage
	r.lastUpdated = time.Now().UTC()
	return true
}

// enqueue counts the record in the pending gauge once. It reports whether
// the record was added.
func (r *Result) enqueue() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queued || r.state != StatePending {
		return false
	}
	r.queued = true
	return true
}

// dequeue removes the record from the pending gauge when it is still
// PENDING under t. It reports whether the record was removed.
func (r *Result) dequeue(t *ticket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.queued || r.owner != t {
		return false
	}
	r.queued = false
	return true
}

// claim moves a PENDING record owned by t to RUNNING. A record adopted by
// another batch, or already claimed, is left alone. wasQueued reports whether
// the record was counted in the pending gauge.
func (r *Result) claim(t *ticket, message string) (from State, rec Record, wasQueued bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from = r.state
	if r.owner != t {
		return from, r.recordLocked(), false, apperrors.Validation("batch.claim",
			fmt.Sprintf("work item %d in %q is owned by another batch", r.workItemID, r.command))
	}
	if !canTransition(from, StateRunning) {
		return from, r.recordLocked(), false, apperrors.Validation("batch.claim",
			fmt.Sprintf("work item %d in %q: %s -> %s not allowed", r.workItemID, r.command, from, StateRunning))
	}
	r.state = StateRunning
	r.message = message
	r.lastUpdated = time.Now().UTC()
	wasQueued, r.queued = r.queued, false
	return from, r.recordLocked(), wasQueued, nil
}
