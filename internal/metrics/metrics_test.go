package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncBatch("ocr", true)
	IncBatch("ocr", false)
	RecordTransition("ocr", "PENDING", "RUNNING")
	AddPending("ocr", 3)
	AddActiveWorkers(1)
	IncScriptRun("ocr", OutcomeSucceeded)
	ObserveScriptDuration("ocr", 0.3)
	ObserveScriptPeakRSS("ocr", 4<<20)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"scriptbatch_batch_submitted_total":          false,
		"scriptbatch_batch_record_transitions_total": false,
		"scriptbatch_batch_pending_records":          false,
		"scriptbatch_batch_active_workers":           false,
		"scriptbatch_script_runs_total":              false,
		"scriptbatch_script_duration_seconds":        false,
		"scriptbatch_script_peak_rss_bytes":          false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
		if n == "scriptbatch_batch_submitted_total" && len(mf.GetMetric()) != 2 {
			t.Fatalf("expected accepted and rejected series, got %d", len(mf.GetMetric()))
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncScriptRun("x", OutcomeFailed)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, `scriptbatch_script_runs_total{command="x",outcome="failed"}`) {
		t.Fatalf("metrics output missing runs_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncBatch("c", true)
			RecordTransition("c", "RUNNING", "SUCCEEDED")
			AddPending("c", -1)
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestHelpersBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	IncBatch("test", true)
	RecordTransition("test", "PENDING", "RUNNING")
	AddPending("test", 1)
	AddActiveWorkers(1)
	IncScriptRun("test", OutcomeError)
	ObserveScriptDuration("test", 1.0)
	ObserveScriptPeakRSS("test", 1)
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatal("failed registration must leave helpers disabled")
	}
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
