package batch

import (
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Registry holds the results of every batch command, keyed by command name
// and work item. It is owned by the caller and shared by all dispatchers and
// pollers. The registry lock only guards the command index; each command has
// its own lock and each record its own, so unrelated batches never contend.
type Registry struct {
	mu      sync.RWMutex
	batches map[string]*commandBatch
}

type commandBatch struct {
	mu      sync.RWMutex
	results []*Result
	byID    map[int]int // work item -> index into results
	created time.Time

	// tickets of the prepared batches that may still pick up records
	tickets map[*ticket]struct{}
}

// ticket gates pickup for the records of one prepared batch. A batch stops
// picking up records once its ticket is cancelled or its worker is done;
// its PENDING records can then be adopted by a later submission.
type ticket struct {
	cancelled atomic.Bool
	done      atomic.Bool
}

func (t *ticket) live() bool { return !t.cancelled.Load() && !t.done.Load() }

// Summary describes one command in the registry.
type Summary struct {
	Command   string        `json:"command"`
	Waiting   bool          `json:"waiting"`
	Total     int           `json:"total"`
	Counts    map[State]int `json:"counts"`
	CreatedAt time.Time     `json:"created_at"`
}

func NewRegistry() *Registry {
	return &Registry{batches: make(map[string]*commandBatch)}
}

func (g *Registry) get(command string) *commandBatch {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.batches[command]
}

func (g *Registry) getOrCreate(command string) *commandBatch {
	if b := g.get(command); b != nil {
		return b
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.batches[command]
	if !ok {
		b = &commandBatch{byID: make(map[int]int), tickets: make(map[*ticket]struct{}), created: time.Now().UTC()}
		g.batches[command] = b
	}
	return b
}

// add registers a new batch of command and returns its ticket with the
// records it owns, in input order. A work item without a record, or whose
// record is terminal, gets a fresh PENDING record. A PENDING record left
// behind by a cancelled or finished batch is adopted. Records that are
// RUNNING, or PENDING under a live batch, are skipped.
func (g *Registry) add(command, submitter string, ids []int) (*ticket, []*Result) {
	t := &ticket{}
	b := g.getOrCreate(command)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Result, 0, len(ids))
	for _, id := range ids {
		i, ok := b.byID[id]
		switch {
		case !ok:
			b.byID[id] = len(b.results)
			b.results = append(b.results, newResult(id, command, submitter, t))
		case b.results[i].adopt(t, submitter):
		case b.results[i].State().Terminal():
			b.results[i] = newResult(id, command, submitter, t)
		default:
			continue
		}
		out = append(out, b.results[b.byID[id]])
	}
	b.tickets[t] = struct{}{}
	return t, out
}

// release drops t from the live batches of command.
func (g *Registry) release(command string, t *ticket) {
	t.done.Store(true)
	b := g.get(command)
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.tickets, t)
	b.mu.Unlock()
}

func (b *commandBatch) waiting() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for t := range b.tickets {
		if t.live() {
			return true
		}
	}
	return false
}

// snapshot returns the live records of command at this instant.
func (g *Registry) snapshot(command string) []*Result {
	b := g.get(command)
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.results)
}

// ResultsFor returns copies of the records of command in insertion order.
// Each read is a best-effort snapshot.
func (g *Registry) ResultsFor(command string) []Record {
	live := g.snapshot(command)
	out := make([]Record, len(live))
	for i, r := range live {
		out[i] = r.Record()
	}
	return out
}

// Result returns the record of one work item for command.
func (g *Registry) Result(command string, workItemID int) (Record, bool) {
	b := g.get(command)
	if b == nil {
		return Record{}, false
	}
	b.mu.RLock()
	i, ok := b.byID[workItemID]
	var r *Result
	if ok {
		r = b.results[i]
	}
	b.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	return r.Record(), true
}

// HasPending reports whether any record of command is still PENDING.
func (g *Registry) HasPending(command string) bool {
	for _, r := range g.snapshot(command) {
		if r.State() == StatePending {
			return true
		}
	}
	return false
}

// Waiting reports whether a batch of command may still pick up records.
func (g *Registry) Waiting(command string) bool {
	b := g.get(command)
	return b != nil && b.waiting()
}

// Cancel stops pickup by every batch of command submitted so far. Records
// already RUNNING finish normally; the PENDING ones stay PENDING until a
// later submission adopts them. It reports whether the command exists.
func (g *Registry) Cancel(command string) bool {
	b := g.get(command)
	if b == nil {
		return false
	}
	b.mu.Lock()
	for t := range b.tickets {
		t.cancelled.Store(true)
		delete(b.tickets, t)
	}
	b.mu.Unlock()
	return true
}

// Commands lists every command with per-state counts, sorted by name.
func (g *Registry) Commands() []Summary {
	g.mu.RLock()
	names := make([]string, 0, len(g.batches))
	for name := range g.batches {
		names = append(names, name)
	}
	g.mu.RUnlock()
	sort.Strings(names)

	out := make([]Summary, 0, len(names))
	for _, name := range names {
		b := g.get(name)
		if b == nil {
			continue
		}
		s := Summary{Command: name, Waiting: b.waiting(), Counts: make(map[State]int), CreatedAt: b.created}
		for _, r := range g.snapshot(name) {
			s.Counts[r.State()]++
			s.Total++
		}
		out = append(out, s)
	}
	return out
}

// Has reports whether command was ever submitted.
func (g *Registry) Has(command string) bool {
	return g.get(command) != nil
}
