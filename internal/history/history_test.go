package history

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func sampleEvent() Event {
	return Event{
		Type:       EventFailed,
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC),
		RunID:      "run-1",
		Record: Record{
			Command:    "runscript",
			WorkItemID: 3,
			Title:      "Book 3",
			Submitter:  "alice",
			State:      "FAILED",
			Message:    "exit code 5",
			UpdatedAt:  time.Now().UTC(),
		},
	}
}

func TestRecordKey(t *testing.T) {
	if k := sampleEvent().Record.Key(); k != "runscript/3" {
		t.Fatalf("Key() = %q", k)
	}
}

func TestClickHouseHTTPSink_Send(t *testing.T) {
	var gotQuery string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer ts.Close()

	sink := NewClickHouseHTTPSink(ts.URL+"/", "default.batch_history")
	if err := sink.Send(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotQuery != "INSERT INTO default.batch_history FORMAT JSONEachRow" {
		t.Fatalf("query = %q", gotQuery)
	}
	if len(gotBody) == 0 || gotBody[len(gotBody)-1] != '\n' {
		t.Fatalf("expected a single JSON line, got %q", gotBody)
	}
	var row Row
	if err := json.Unmarshal(gotBody, &row); err != nil {
		t.Fatalf("decode row: %v", err)
	}
	if row.WorkItemID != 3 || row.State != "FAILED" || row.OccurredAt != "2026-03-01 10:00:00.123456" {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestClickHouseHTTPSink_Status(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()
	err := NewClickHouseHTTPSink(ts.URL, "t").Send(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected status error, got %v", err)
	}
}

type fakeSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (f *fakeSink) Send(_ context.Context, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return f.err
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func TestFanoutSkipsFailingSink(t *testing.T) {
	bad := &fakeSink{err: errors.New("down")}
	good := &fakeSink{}
	f := NewFanout(bad, nil, good)
	if err := f.Send(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("fanout must swallow sink errors: %v", err)
	}
	if len(bad.events) != 1 || len(good.events) != 1 {
		t.Fatalf("each sink should see the event once: bad=%d good=%d", len(bad.events), len(good.events))
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if !bad.closed || !good.closed {
		t.Fatalf("Close should reach every closer")
	}
	var nilFanout *Fanout
	if !nilFanout.Empty() || nilFanout.Send(context.Background(), sampleEvent()) != nil {
		t.Fatalf("nil fanout should be an empty no-op")
	}
}
