package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// DefaultSendTimeout bounds a single Send of a Fanout.
const DefaultSendTimeout = 5 * time.Second

// Fanout delivers every event to each sink in turn. A failing sink is logged
// and skipped; it never blocks delivery to the others.
type Fanout struct {
	Sinks   []Sink
	Timeout time.Duration
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{Sinks: append([]Sink(nil), sinks...)}
}

// Send always returns nil; per-sink failures are only logged.
func (f *Fanout) Send(ctx context.Context, e Event) error {
	if f == nil {
		return nil
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	for _, s := range f.Sinks {
		if s == nil {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, timeout)
		if err := s.Send(sctx, e); err != nil {
			slog.Warn("History sink failed", "event", e.Type, "record", e.Record.Key(), "run_id", e.RunID, "error", err)
		}
		cancel()
	}
	return nil
}

// Close closes every sink that implements io.Closer.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.Sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Empty reports whether no sink is configured.
func (f *Fanout) Empty() bool { return f == nil || len(f.Sinks) == 0 }
