package store

import (
	"context"
	"strings"
	"time"
)

// Script is an external executable registered on a step under a logical name.
// When Args is nil, Path is a legacy single-string command line
// ("/path/to/script param1 param2"); otherwise Path is the executable and
// Args are passed through verbatim.
type Script struct {
	Name string   `json:"name"`
	Path string   `json:"path"`
	Args []string `json:"args"`
}

// Step groups the scripts of one workflow step of a work item.
type Step struct {
	ID      int      `json:"id"`
	Title   string   `json:"title"`
	Order   int      `json:"order"`
	Scripts []Script `json:"scripts"`
}

// WorkItem is the unit a batch command operates on.
type WorkItem struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Steps []Step `json:"steps"`
}

// Journal levels.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelError = "error"
)

// JournalEntry is one human-readable message attached to a work item.
type JournalEntry struct {
	WorkItemID int       `json:"work_item_id"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	Author     string    `json:"author,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Repository persists work items, their step/script associations and the
// per-work-item journal. Implementations must be safe for concurrent use.
type Repository interface {
	EnsureSchema(ctx context.Context) error
	WorkItem(ctx context.Context, id int) (WorkItem, error)
	ScriptsFor(ctx context.Context, id int) (map[string]string, error)
	PutWorkItem(ctx context.Context, item WorkItem) error
	AddJournal(ctx context.Context, e JournalEntry) error
	Journal(ctx context.Context, id int) ([]JournalEntry, error)
	Close() error
}

// StepsTitled returns the steps whose title equals title, ignoring case, in step order.
func (w WorkItem) StepsTitled(title string) []Step {
	var out []Step
	for _, s := range w.Steps {
		if strings.EqualFold(s.Title, title) {
			out = append(out, s)
		}
	}
	return out
}

// ScriptMap flattens all scripts of the work item to name -> path.
// The first step registering a name wins.
func (w WorkItem) ScriptMap() map[string]string {
	m := make(map[string]string)
	for _, s := range w.Steps {
		for _, sc := range s.Scripts {
			if _, ok := m[sc.Name]; !ok {
				m[sc.Name] = sc.Path
			}
		}
	}
	return m
}

// Script looks up a script of the step by name.
func (s Step) Script(name string) (Script, bool) {
	for _, sc := range s.Scripts {
		if sc.Name == name {
			return sc, true
		}
	}
	return Script{}, false
}
