package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/scriptbatch/internal/store"
)

// Notifier accepts human-readable messages keyed by work item.
// Implementations must be safe for concurrent use and must not block for long.
type Notifier interface {
	Info(workItemID int, text string)
	Error(workItemID int, text string)
}

// Debugger is implemented by notifiers that keep low-priority messages,
// such as captured script output.
type Debugger interface {
	Debug(workItemID int, text string)
}

// Debug forwards text to n when it implements Debugger and drops it otherwise.
func Debug(n Notifier, workItemID int, text string) {
	if d, ok := n.(Debugger); ok {
		d.Debug(workItemID, text)
	}
}

// Logger writes notifications to slog.
type Logger struct {
	L *slog.Logger // nil uses slog.Default()
}

func (n Logger) logger() *slog.Logger {
	if n.L != nil {
		return n.L
	}
	return slog.Default()
}

func (n Logger) Info(id int, text string) {
	n.logger().Info(text, "work_item", id)
}

func (n Logger) Error(id int, text string) {
	n.logger().Error(text, "work_item", id)
}

func (n Logger) Debug(id int, text string) {
	n.logger().Debug(text, "work_item", id)
}

// Journal appends notifications to the work item journal of a repository.
// Write failures are logged and dropped.
type Journal struct {
	Repo    store.Repository
	Author  string
	Timeout time.Duration // per write, default 5s
}

func (n Journal) Info(id int, text string)  { n.add(id, store.LevelInfo, text) }
func (n Journal) Error(id int, text string) { n.add(id, store.LevelError, text) }

// Debug records a low-priority journal line, e.g. captured script output.
func (n Journal) Debug(id int, text string) { n.add(id, store.LevelDebug, text) }

func (n Journal) add(id int, level, text string) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := n.Repo.AddJournal(ctx, store.JournalEntry{
		WorkItemID: id,
		Level:      level,
		Message:    text,
		Author:     n.Author,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("Failed to write journal entry", "work_item", id, "level", level, "error", err)
	}
}

// Multi fans a notification out to every non-nil notifier.
type Multi []Notifier

func (m Multi) Info(id int, text string) {
	for _, n := range m {
		if n != nil {
			n.Info(id, text)
		}
	}
}

func (m Multi) Error(id int, text string) {
	for _, n := range m {
		if n != nil {
			n.Error(id, text)
		}
	}
}

func (m Multi) Debug(id int, text string) {
	for _, n := range m {
		if n != nil {
			Debug(n, id, text)
		}
	}
}

// Discard drops every message.
type Discard struct{}

func (Discard) Info(int, string)  {}
func (Discard) Error(int, string) {}

// Message is one notification captured by a Recorder.
type Message struct {
	WorkItemID int
	Error      bool
	Debug      bool
	Text       string
}

// Recorder keeps notifications in memory; useful for embedding callers and tests.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Info(id int, text string)  { r.add(Message{WorkItemID: id, Text: text}) }
func (r *Recorder) Error(id int, text string) { r.add(Message{WorkItemID: id, Error: true, Text: text}) }
func (r *Recorder) Debug(id int, text string) { r.add(Message{WorkItemID: id, Debug: true, Text: text}) }

func (r *Recorder) add(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// For returns the messages recorded for one work item.
func (r *Recorder) For(id int) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.WorkItemID == id {
			out = append(out, m)
		}
	}
	return out
}
