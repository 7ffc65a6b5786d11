package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/loykin/scriptbatch/internal/errors"
)

// Memory is an in-process Repository used for embedding and tests.
type Memory struct {
	mu      sync.RWMutex
	items   map[int]WorkItem
	journal map[int][]JournalEntry
}

func NewMemory() *Memory {
	return &Memory{
		items:   make(map[int]WorkItem),
		journal: make(map[int][]JournalEntry),
	}
}

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) WorkItem(_ context.Context, id int) (WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.items[id]
	if !ok {
		return WorkItem{}, apperrors.NotFound("store.WorkItem", fmt.Sprintf("work item %d", id))
	}
	return cloneWorkItem(w), nil
}

func (m *Memory) ScriptsFor(ctx context.Context, id int) (map[string]string, error) {
	w, err := m.WorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.ScriptMap(), nil
}

func (m *Memory) PutWorkItem(_ context.Context, item WorkItem) error {
	if item.ID <= 0 {
		return apperrors.Validation("store.PutWorkItem", "work item id must be positive")
	}
	item = cloneWorkItem(item)
	sort.SliceStable(item.Steps, func(i, j int) bool { return item.Steps[i].Order < item.Steps[j].Order })
	m.mu.Lock()
	m.items[item.ID] = item
	m.mu.Unlock()
	return nil
}

func (m *Memory) AddJournal(_ context.Context, e JournalEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.journal[e.WorkItemID] = append(m.journal[e.WorkItemID], e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Journal(_ context.Context, id int) ([]JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.journal[id]
	out := make([]JournalEntry, len(src))
	copy(out, src)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func cloneWorkItem(w WorkItem) WorkItem {
	steps := make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		scripts := make([]Script, len(s.Scripts))
		for j, sc := range s.Scripts {
			if sc.Args != nil {
				sc.Args = append([]string{}, sc.Args...)
			}
			scripts[j] = sc
		}
		s.Scripts = scripts
		steps[i] = s
	}
	w.Steps = steps
	return w
}
