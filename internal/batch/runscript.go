package batch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/loykin/scriptbatch/internal/errors"
	"github.com/loykin/scriptbatch/internal/history"
	"github.com/loykin/scriptbatch/internal/metrics"
	"github.com/loykin/scriptbatch/internal/notify"
	"github.com/loykin/scriptbatch/internal/shellscript"
	"github.com/loykin/scriptbatch/internal/store"
)

// Request parameters of the run-script command.
const (
	ParamStepTitle = "steptitle"
	ParamScript    = "script"
)

// Succeeded reports whether a script exit code counts as success.
// 98 and 99 are used by workflow scripts to signal "done, nothing changed".
func Succeeded(code int) bool {
	return code == 0 || code == 98 || code == 99
}

// ScriptRunner executes one script invocation; *shellscript.Executor implements it.
type ScriptRunner interface {
	Exec(ctx context.Context, inv shellscript.Invocation) (shellscript.Outcome, error)
}

// Request is one submission of a batch command.
type Request struct {
	Command     string            `json:"command"`
	Submitter   string            `json:"submitter"`
	WorkItemIDs []int             `json:"work_item_ids"`
	Params      map[string]string `json:"params"`
}

// Dispatcher prepares and executes run-script batches. All fields except
// Notifier and History are required.
type Dispatcher struct {
	Registry *Registry
	Repo     store.Repository
	Runner   ScriptRunner
	Pool     *Pool
	Notifier notify.Notifier
	History  history.Sink
}

// Batch is a prepared request whose records are already PENDING in the registry.
type Batch struct {
	d         *Dispatcher
	id        string
	req       Request
	stepTitle string
	script    string
	ticket    *ticket
	results   []*Result
	executed  atomic.Bool
}

// Prepare validates req and registers a PENDING record per distinct work item.
// Nothing is registered when validation fails.
func (d *Dispatcher) Prepare(ctx context.Context, req Request) (*Batch, error) {
	const op = "batch.Prepare"
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		metrics.IncBatch(req.Command, false)
		return nil, apperrors.Validation(op, "command name is required")
	}
	stepTitle := strings.TrimSpace(req.Params[ParamStepTitle])
	if stepTitle == "" {
		metrics.IncBatch(req.Command, false)
		return nil, apperrors.Validation(op, "missing parameter: "+ParamStepTitle)
	}
	ids, err := distinctIDs(req.WorkItemIDs)
	if err != nil {
		metrics.IncBatch(req.Command, false)
		return nil, err
	}
	if d.Registry == nil || d.Repo == nil || d.Runner == nil {
		return nil, apperrors.Internal(op, "dispatcher is not fully configured", nil)
	}

	b := &Batch{
		d:         d,
		id:        uuid.NewString(),
		req:       req,
		stepTitle: stepTitle,
		script:    strings.TrimSpace(req.Params[ParamScript]),
	}
	b.ticket, b.results = d.Registry.add(req.Command, req.Submitter, ids)
	metrics.IncBatch(req.Command, true)
	queued := 0
	for _, r := range b.results {
		if r.enqueue() {
			queued++
		}
	}
	metrics.AddPending(req.Command, queued)
	for _, r := range b.results {
		d.emit(ctx, b.id, StatePending, r.Record())
	}
	slog.Info("Batch prepared",
		"command", req.Command, "run_id", b.id, "submitter", req.Submitter,
		"step", stepTitle, "script", b.script,
		"records", len(b.results), "skipped", len(ids)-len(b.results))
	return b, nil
}

func distinctIDs(in []int) ([]int, error) {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, id := range in {
		if id <= 0 {
			return nil, apperrors.Validation("batch.Prepare", fmt.Sprintf("invalid work item id %d", id))
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func (b *Batch) ID() string        { return b.id }
func (b *Batch) Command() string   { return b.req.Command }
func (b *Batch) StepTitle() string { return b.stepTitle }
func (b *Batch) Script() string    { return b.script }

// Records returns the current state of the records created by Prepare.
func (b *Batch) Records() []Record {
	out := make([]Record, len(b.results))
	for i, r := range b.results {
		out[i] = r.Record()
	}
	return out
}

// Execute hands the batch to the worker pool and returns immediately.
// A batch can be executed once. When the pool refuses it, the batch is
// released and its records can be adopted by a later submission.
func (b *Batch) Execute() (*Handle, error) {
	const op = "batch.Execute"
	if b.d.Pool == nil {
		return nil, apperrors.Internal(op, "no worker pool configured", nil)
	}
	if !b.executed.CompareAndSwap(false, true) {
		return nil, apperrors.Validation(op, fmt.Sprintf("batch %s already executed", b.id))
	}
	h := &Handle{RunID: b.id, Command: b.req.Command, ticket: b.ticket, done: make(chan struct{})}
	if err := b.d.Pool.Submit(func(ctx context.Context) { b.run(ctx, h) }); err != nil {
		b.release()
		return nil, apperrors.Internal(op, "submit batch worker", err)
	}
	return h, nil
}

// Handle follows one executing batch.
type Handle struct {
	RunID   string
	Command string

	ticket *ticket
	done   chan struct{}

	mu    sync.Mutex
	stats RunStats
}

// RunStats counts what a worker did with its records.
type RunStats struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the worker finished or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops pickup of further records by this worker. A script already
// running is not signalled and its record completes normally.
func (h *Handle) Cancel() { h.ticket.cancelled.Store(true) }

func (h *Handle) Stats() RunStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handle) count(f func(*RunStats)) {
	h.mu.Lock()
	f(&h.stats)
	h.mu.Unlock()
}

func (b *Batch) run(ctx context.Context, h *Handle) {
	defer close(h.done)
	defer b.release()
	start := time.Now()
	for _, r := range b.results {
		if !b.ticket.live() || ctx.Err() != nil {
			break
		}
		if r.State() != StatePending {
			h.count(func(s *RunStats) { s.Skipped++ })
			continue
		}
		if !b.process(ctx, h, r) {
			break
		}
	}
	st := h.Stats()
	slog.Info("Batch worker finished",
		"command", b.req.Command, "run_id", b.id,
		"succeeded", st.Succeeded, "failed", st.Failed, "skipped", st.Skipped,
		"duration", time.Since(start))
}

// release ends pickup for the batch. Records it still owns stay PENDING and
// leave the pending gauge until a later submission adopts them.
func (b *Batch) release() {
	b.d.Registry.release(b.req.Command, b.ticket)
	n := 0
	for _, r := range b.results {
		if r.dequeue(b.ticket) {
			n++
		}
	}
	if n > 0 {
		metrics.AddPending(b.req.Command, -n)
	}
}

// process runs one record to a terminal state. It returns false when the
// worker must stop picking up further records.
func (b *Batch) process(ctx context.Context, h *Handle, r *Result) (cont bool) {
	d := b.d
	id := r.WorkItemID()

	item, loadErr := d.Repo.WorkItem(ctx, id)
	if loadErr == nil {
		r.setTitle(item.Title)
	}
	from, rec, wasQueued, err := r.claim(b.ticket, fmt.Sprintf("Running step '%s'.", b.stepTitle))
	if err != nil {
		// adopted or claimed by another batch
		h.count(func(s *RunStats) { s.Skipped++ })
		return true
	}
	if wasQueued {
		metrics.AddPending(b.req.Command, -1)
	}
	d.transitioned(ctx, b.id, from, rec)

	defer func() {
		if p := recover(); p != nil {
			slog.Error("Batch worker panicked", "command", b.req.Command, "work_item", id, "panic", p)
			b.finish(ctx, h, r, false, fmt.Sprintf("Internal error while running step '%s': %v", b.stepTitle, p))
			cont = true
		}
	}()

	if loadErr != nil {
		b.finish(ctx, h, r, false, fmt.Sprintf("Unable to load work item %d: %v", id, loadErr))
		return !apperrors.IsInterrupted(loadErr) && ctx.Err() == nil
	}
	steps := item.StepsTitled(b.stepTitle)
	if len(steps) == 0 {
		b.finish(ctx, h, r, false, fmt.Sprintf("Can't find step '%s' for work item %d.", b.stepTitle, id))
		return true
	}

	ok, msg := true, ""
	for _, st := range steps {
		var runErr error
		ok, msg, runErr = b.runStep(ctx, id, st)
		if apperrors.IsInterrupted(runErr) {
			b.finish(ctx, h, r, false, msg)
			return false
		}
		if !ok {
			break
		}
	}
	b.finish(ctx, h, r, ok, msg)
	notify.Debug(d.notifier(), id, fmt.Sprintf("Step '%s' processed by batch command '%s' submitted by %s.",
		b.stepTitle, b.req.Command, b.req.Submitter))
	return true
}

// runStep runs the requested script of st, or every script of st in order
// when no script was named, stopping at the first failure.
func (b *Batch) runStep(ctx context.Context, id int, st store.Step) (bool, string, error) {
	if b.script != "" {
		sc, found := st.Script(b.script)
		if !found {
			return false, fmt.Sprintf("Can't find script '%s' for step '%s'.", b.script, st.Title), nil
		}
		code, err := b.exec(ctx, id, st, sc)
		switch {
		case err != nil:
			return false, fmt.Sprintf("A problem occurred while executing script '%s' for step '%s': %v", sc.Name, st.Title, err), err
		case !Succeeded(code):
			return false, fmt.Sprintf("A problem occurred while executing script '%s' for step '%s': %d", sc.Name, st.Title, code), nil
		}
		return true, fmt.Sprintf("Script '%s' for step '%s' executed successfully.", sc.Name, st.Title), nil
	}

	for _, sc := range st.Scripts {
		code, err := b.exec(ctx, id, st, sc)
		switch {
		case err != nil:
			return false, fmt.Sprintf("A problem occurred while executing all scripts for step '%s': script '%s': %v", st.Title, sc.Name, err), err
		case !Succeeded(code):
			return false, fmt.Sprintf("A problem occurred while executing all scripts for step '%s': script '%s' returned %d", st.Title, sc.Name, code), nil
		}
	}
	return true, fmt.Sprintf("All scripts for step '%s' executed successfully.", st.Title), nil
}

func (b *Batch) exec(ctx context.Context, id int, st store.Step, sc store.Script) (int, error) {
	out, err := b.d.Runner.Exec(ctx, shellscript.Invocation{WorkItemID: id, StepTitle: st.Title, Script: sc})
	outcome := metrics.OutcomeSucceeded
	switch {
	case apperrors.IsNotFound(err):
		outcome = metrics.OutcomeNotFound
	case err != nil:
		outcome = metrics.OutcomeError
	case !Succeeded(out.ExitCode):
		outcome = metrics.OutcomeFailed
	}
	metrics.IncScriptRun(b.req.Command, outcome)
	if out.Duration > 0 {
		metrics.ObserveScriptDuration(b.req.Command, out.Duration.Seconds())
	}
	metrics.ObserveScriptPeakRSS(b.req.Command, out.Usage.PeakRSS)
	slog.Debug("Script finished",
		"command", b.req.Command, "work_item", id, "step", st.Title, "script", sc.Name,
		"exit_code", out.ExitCode, "duration", out.Duration, "error", err)
	return out.ExitCode, err
}

func (b *Batch) finish(ctx context.Context, h *Handle, r *Result, ok bool, msg string) {
	to := StateFailed
	if ok {
		to = StateSucceeded
	}
	from, rec, err := r.transition(to, msg)
	if err != nil {
		slog.Warn("Batch record not finished", "command", b.req.Command, "work_item", r.WorkItemID(), "error", err)
		return
	}
	h.count(func(s *RunStats) {
		if ok {
			s.Succeeded++
		} else {
			s.Failed++
		}
	})
	b.d.transitioned(ctx, b.id, from, rec)
}

func (d *Dispatcher) notifier() notify.Notifier {
	if d.Notifier == nil {
		return notify.Discard{}
	}
	return d.Notifier
}

// transitioned reports a state change to metrics, the notifier and history.
func (d *Dispatcher) transitioned(ctx context.Context, runID string, from State, rec Record) {
	metrics.RecordTransition(rec.Command, from.String(), rec.State.String())
	n := d.notifier()
	switch rec.State {
	case StateRunning:
		n.Info(rec.WorkItemID, fmt.Sprintf("Batch command '%s' started by %s: %s", rec.Command, rec.Submitter, rec.Message))
	case StateSucceeded:
		n.Info(rec.WorkItemID, rec.Message)
	case StateFailed:
		n.Error(rec.WorkItemID, rec.Message)
	}
	d.emit(ctx, runID, rec.State, rec)
}

func (d *Dispatcher) emit(ctx context.Context, runID string, state State, rec Record) {
	if d.History == nil {
		return
	}
	// history must outlive an interrupted worker context
	ctx = context.WithoutCancel(ctx)
	e := history.Event{
		Type:       eventType(state),
		OccurredAt: rec.LastUpdated,
		RunID:      runID,
		Record: history.Record{
			Command:    rec.Command,
			WorkItemID: rec.WorkItemID,
			Title:      rec.Title,
			Submitter:  rec.Submitter,
			State:      rec.State.String(),
			Message:    rec.Message,
			UpdatedAt:  rec.LastUpdated,
		},
	}
	if err := d.History.Send(ctx, e); err != nil {
		slog.Warn("History send failed", "record", e.Record.Key(), "run_id", runID, "error", err)
	}
}

func eventType(s State) history.EventType {
	switch s {
	case StateRunning:
		return history.EventRunning
	case StateSucceeded:
		return history.EventSucceeded
	case StateFailed:
		return history.EventFailed
	}
	return history.EventQueued
}
