package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/api"})
}

func TestSubmit(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/batches" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Params["steptitle"] != "Export" || len(req.WorkItemIDs) != 2 {
			t.Errorf("unexpected request %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(SubmitResponse{RunID: "r1", Command: req.Command, Records: []Record{{WorkItemID: 1, State: "PENDING"}}})
	})
	resp, err := c.Submit(context.Background(), SubmitRequest{Command: "runscript", WorkItemIDs: []int{1, 2}, Params: map[string]string{"steptitle": "Export"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.RunID != "r1" || len(resp.Records) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSubmitRejected(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"missing parameter: steptitle"}`))
	})
	_, err := c.Submit(context.Background(), SubmitRequest{Command: "runscript"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Message != "missing parameter: steptitle" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestResultsEscapesAndFilters(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/api/batches/run%20script/results" || r.URL.Query().Get("state") != "FAILED" {
			t.Errorf("unexpected url %s", r.URL.String())
		}
		_ = json.NewEncoder(w).Encode([]Record{{WorkItemID: 3, State: "FAILED", Message: "boom"}})
	})
	recs, err := c.Results(context.Background(), "run script", "FAILED")
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(recs) != 1 || recs[0].Message != "boom" {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestCancelNotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	err := c.Cancel(context.Background(), "nothing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestIsReachable(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})
	if !c.IsReachable(context.Background()) {
		t.Fatalf("expected reachable")
	}
	down := New(Config{BaseURL: "http://127.0.0.1:1/api"})
	if down.IsReachable(context.Background()) {
		t.Fatalf("expected unreachable")
	}
}

func TestJournalAndWorkItem(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/workitems/7/journal":
			_ = json.NewEncoder(w).Encode([]JournalEntry{{WorkItemID: 7, Level: "info", Message: "ok"}})
		case "/api/workitems/7":
			_ = json.NewEncoder(w).Encode(WorkItem{ID: 7, Title: "Book"})
		case "/api/workitems":
			if r.Method != http.MethodPut {
				t.Errorf("method %s", r.Method)
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()
	if err := c.PutWorkItem(ctx, WorkItem{ID: 7, Title: "Book"}); err != nil {
		t.Fatalf("PutWorkItem: %v", err)
	}
	item, err := c.WorkItem(ctx, 7)
	if err != nil || item.Title != "Book" {
		t.Fatalf("WorkItem: %+v %v", item, err)
	}
	entries, err := c.Journal(ctx, 7)
	if err != nil || len(entries) != 1 || entries[0].Message != "ok" {
		t.Fatalf("Journal: %+v %v", entries, err)
	}
}

func TestPutWorkItemSendsEmptyArgs(t *testing.T) {
	var body []byte
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	item := WorkItem{ID: 7, Steps: []Step{{Title: "s", Scripts: []Script{
		{Name: "spaced", Path: "/opt/my scripts/run.sh", Args: []string{}},
		{Name: "legacy", Path: "/opt/scripts/run.sh 7"},
	}}}}
	if err := c.PutWorkItem(context.Background(), item); err != nil {
		t.Fatalf("PutWorkItem: %v", err)
	}
	if !bytes.Contains(body, []byte(`"args":[]`)) || !bytes.Contains(body, []byte(`"args":null`)) {
		t.Fatalf("empty args must be sent as [] and legacy args as null: %s", body)
	}
	var back WorkItem
	if err := json.Unmarshal(body, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Steps[0].Scripts[0].Args == nil || back.Steps[0].Scripts[1].Args != nil {
		t.Fatalf("args did not survive the round trip: %#v", back.Steps[0].Scripts)
	}
}

func TestCredentialsAreSent(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.URL.Path == "/api/auth/login" {
			_ = json.NewEncoder(w).Encode(LoginResponse{Username: "alice", Token: &Token{Type: "Bearer", Value: "tok"}})
			return
		}
		_ = json.NewEncoder(w).Encode([]CommandSummary{})
	}))
	t.Cleanup(srv.Close)

	basic := New(Config{BaseURL: srv.URL + "/api", Username: "alice", Password: "pw"})
	lr, err := basic.Login(context.Background(), "alice", "pw")
	if err != nil || lr.Token == nil || lr.Token.Value != "tok" {
		t.Fatalf("Login: %+v %v", lr, err)
	}
	bearer := New(Config{BaseURL: srv.URL + "/api", Token: lr.Token.Value, Username: "ignored"})
	if _, err := bearer.Commands(context.Background()); err != nil {
		t.Fatalf("Commands: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] == "" || got[0][:6] != "Basic " || got[1] != "Bearer tok" {
		t.Fatalf("unexpected Authorization headers %q", got)
	}
}
