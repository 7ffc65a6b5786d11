package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/scriptbatch/internal/batch"
	"github.com/loykin/scriptbatch/internal/notify"
	"github.com/loykin/scriptbatch/internal/shellscript"
	"github.com/loykin/scriptbatch/internal/store"
)

type stubRunner struct{ code int }

func (s stubRunner) Exec(context.Context, shellscript.Invocation) (shellscript.Outcome, error) {
	return shellscript.Outcome{ExitCode: s.code}, nil
}

func setupRouter(t *testing.T, base string) (*Router, *batch.Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := store.NewMemory()
	pool := batch.NewPool(2)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	d := &batch.Dispatcher{
		Registry: batch.NewRegistry(),
		Repo:     repo,
		Runner:   stubRunner{},
		Pool:     pool,
		Notifier: notify.Journal{Repo: repo, Author: "scriptbatch"},
	}
	return NewRouter(d, base), d
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func putItem(t *testing.T, h http.Handler, base string, item store.WorkItem) {
	t.Helper()
	rec := doReq(t, h, http.MethodPut, base+"/workitems", item)
	if rec.Code != http.StatusOK {
		t.Fatalf("put work item: %d %s", rec.Code, rec.Body.String())
	}
}

func waitFinished(t *testing.T, d *batch.Dispatcher, command string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		done := true
		for _, r := range d.Registry.ResultsFor(command) {
			if !r.State.Terminal() {
				done = false
			}
		}
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batch %s did not finish", command)
}

func TestSubmitAndPollResults(t *testing.T) {
	r, d := setupRouter(t, "/api")
	h := r.Handler()
	putItem(t, h, "/api", store.WorkItem{ID: 1, Title: "Book", Steps: []store.Step{
		{Title: "Export", Scripts: []store.Script{{Name: "upload", Path: "/opt/scripts/upload.sh", Args: []string{}}}},
	}})

	rec := doReq(t, h, http.MethodPost, "/api/batches", batch.Request{
		Command: "runscript", Submitter: "alice", WorkItemIDs: []int{1},
		Params: map[string]string{batch.ParamStepTitle: "Export", batch.ParamScript: "upload"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var sub SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.RunID == "" || len(sub.Records) != 1 {
		t.Fatalf("unexpected submit response %+v", sub)
	}

	waitFinished(t, d, "runscript")
	rec = doReq(t, h, http.MethodGet, "/api/batches/runscript/results", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var recs []batch.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0].State != batch.StateSucceeded || recs[0].Title != "Book" {
		t.Fatalf("unexpected results %+v", recs)
	}

	rec = doReq(t, h, http.MethodGet, "/api/batches/runscript/results?state=FAILED", nil)
	if rec.Code != http.StatusOK || bytes.TrimSpace(rec.Body.Bytes())[0] != '[' {
		t.Fatalf("filter: %d %s", rec.Code, rec.Body.String())
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &recs)
	if len(recs) != 0 {
		t.Fatalf("expected no failed records, got %+v", recs)
	}

	// the journal entry of the final transition is written right after it
	var journal []store.JournalEntry
	for i := 0; i < 100 && len(journal) < 2; i++ {
		rec = doReq(t, h, http.MethodGet, "/api/workitems/1/journal", nil)
		if err := json.Unmarshal(rec.Body.Bytes(), &journal); err != nil {
			t.Fatalf("decode journal: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(journal) < 2 {
		t.Fatalf("expected running and succeeded journal entries, got %+v", journal)
	}
}

func TestSubmitMissingStepTitle(t *testing.T) {
	r, d := setupRouter(t, "")
	rec := doReq(t, r.Handler(), http.MethodPost, "/batches", batch.Request{Command: "runscript", WorkItemIDs: []int{1}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if d.Registry.Has("runscript") {
		t.Fatalf("rejected request must not register records")
	}
}

func TestSubmitInvalidBody(t *testing.T) {
	r, _ := setupRouter(t, "")
	req := httptest.NewRequest(http.MethodPost, "/batches", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = doReq(t, r.Handler(), http.MethodPost, "/batches", batch.Request{Command: "../x", Params: map[string]string{batch.ParamStepTitle: "s"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsafe command, got %d", rec.Code)
	}
}

func TestResultsUnknownCommand(t *testing.T) {
	r, _ := setupRouter(t, "")
	if rec := doReq(t, r.Handler(), http.MethodGet, "/batches/nothing/results", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doReq(t, r.Handler(), http.MethodPost, "/batches/nothing/cancel", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelAndList(t *testing.T) {
	r, d := setupRouter(t, "")
	b, err := d.Prepare(context.Background(), batch.Request{Command: "runscript", WorkItemIDs: []int{1, 2}, Params: map[string]string{batch.ParamStepTitle: "s"}})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	h := r.Handler()
	if rec := doReq(t, h, http.MethodPost, "/batches/runscript/cancel", nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d", rec.Code)
	}
	hd, err := b.Execute()
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hd.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	rec := doReq(t, h, http.MethodGet, "/batches", nil)
	var sums []batch.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sums); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sums) != 1 || sums[0].Waiting || sums[0].Counts[batch.StatePending] != 2 {
		t.Fatalf("cancelled batch must keep its records pending: %+v", sums)
	}
}

func TestWorkItemRoutes(t *testing.T) {
	r, _ := setupRouter(t, "")
	h := r.Handler()
	if rec := doReq(t, h, http.MethodGet, "/workitems/abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/workitems/5", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	bad := store.WorkItem{ID: 5, Steps: []store.Step{{Title: "s", Scripts: []store.Script{{Name: "x", Path: "relative.sh arg"}}}}}
	if rec := doReq(t, h, http.MethodPut, "/workitems", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for relative script path, got %d", rec.Code)
	}
	putItem(t, h, "", store.WorkItem{ID: 5, Title: "t", Steps: []store.Step{{Title: "s", Scripts: []store.Script{{Name: "x", Path: "/bin/echo {workitemid}"}}}}})
	rec := doReq(t, h, http.MethodGet, "/workitems/5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var item store.WorkItem
	_ = json.Unmarshal(rec.Body.Bytes(), &item)
	if item.Title != "t" || len(item.Steps) != 1 {
		t.Fatalf("unexpected item %+v", item)
	}
}

type recordingRunner struct {
	mu   sync.Mutex
	invs []shellscript.Invocation
}

func (r *recordingRunner) Exec(_ context.Context, inv shellscript.Invocation) (shellscript.Outcome, error) {
	r.mu.Lock()
	r.invs = append(r.invs, inv)
	r.mu.Unlock()
	return shellscript.Outcome{}, nil
}

func TestWorkItemKeepsEmptyArgs(t *testing.T) {
	r, d := setupRouter(t, "")
	runner := &recordingRunner{}
	d.Runner = runner
	h := r.Handler()
	putItem(t, h, "", store.WorkItem{ID: 8, Title: "t", Steps: []store.Step{{Title: "s", Scripts: []store.Script{
		{Name: "spaced", Path: "/opt/my scripts/run.sh", Args: []string{}},
		{Name: "legacy", Path: "/opt/scripts/run.sh {workitemid}"},
	}}}})

	rec := doReq(t, h, http.MethodGet, "/workitems/8", nil)
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"args":[]`)) || !bytes.Contains(rec.Body.Bytes(), []byte(`"args":null`)) {
		t.Fatalf("empty and legacy args must stay distinct on the wire: %s", rec.Body.String())
	}
	var item store.WorkItem
	if err := json.Unmarshal(rec.Body.Bytes(), &item); err != nil {
		t.Fatalf("decode: %v", err)
	}
	spaced, _ := item.Steps[0].Script("spaced")
	if spaced.Args == nil || len(spaced.Args) != 0 {
		t.Fatalf("structured script lost its empty args: %#v", spaced.Args)
	}
	legacy, _ := item.Steps[0].Script("legacy")
	if legacy.Args != nil {
		t.Fatalf("legacy script gained args: %#v", legacy.Args)
	}

	body := map[string]any{"command": "runscript", "work_item_ids": []int{8}, "params": map[string]string{"steptitle": "s", "script": "spaced"}}
	if rec := doReq(t, h, http.MethodPost, "/batches", body); rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	waitFinished(t, d, "runscript")
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.invs) != 1 {
		t.Fatalf("expected one invocation, got %d", len(runner.invs))
	}
	if sc := runner.invs[0].Script; sc.Path != "/opt/my scripts/run.sh" || sc.Args == nil {
		t.Fatalf("script reached the runner as %#v", sc)
	}
}

func TestMetricsRoute(t *testing.T) {
	r, _ := setupRouter(t, "/api")
	if rec := doReq(t, r.Handler(), http.MethodGet, "/api/metrics", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics must be off by default, got %d", rec.Code)
	}
	rec := doReq(t, r.WithMetrics().Handler(), http.MethodGet, "/api/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMountEcho(t *testing.T) {
	r, _ := setupRouter(t, "/api")
	e := echo.New()
	MountEcho(e, r)
	rec := doReq(t, e, http.MethodGet, "/api/batches", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 through echo, got %d: %s", rec.Code, rec.Body.String())
	}
}
