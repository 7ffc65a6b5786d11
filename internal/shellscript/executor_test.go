package shellscript

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	apperrors "github.com/loykin/scriptbatch/internal/errors"
	"github.com/loykin/scriptbatch/internal/logger"
	"github.com/loykin/scriptbatch/internal/notify"
	"github.com/loykin/scriptbatch/internal/store"
)

func TestExecutorStructuredWithPlaceholders(t *testing.T) {
	p := writeScript(t, "echo.sh", `for a in "$@"; do echo "$a"; done
echo note >&2
exit 5`)
	rec := &notify.Recorder{}
	x := &Executor{Notifier: rec}
	out, err := x.Exec(context.Background(), Invocation{
		WorkItemID: 42,
		StepTitle:  "OCR",
		Script:     store.Script{Name: "ocr", Path: p, Args: []string{"id={workitemid}", "{steptitle} step"}},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out.ExitCode != 5 {
		t.Fatalf("exit code = %d, want the child's code", out.ExitCode)
	}
	if !slices.Equal(out.Stdout, []string{"id=42", "OCR step"}) {
		t.Fatalf("stdout = %q", out.Stdout)
	}
	var errMsg string
	for _, m := range rec.For(42) {
		if m.Error {
			errMsg = m.Text
		}
	}
	if !strings.Contains(errMsg, "note") {
		t.Fatalf("stderr should be reported, got %+v", rec.Messages())
	}
}

func TestExecutorLegacyCommandLine(t *testing.T) {
	p := writeScript(t, "legacy.sh", `echo "$#:$1"`)
	x := &Executor{}
	out, err := x.Exec(context.Background(), Invocation{
		WorkItemID: 7,
		Script:     store.Script{Name: "l", Path: p + " {workitemid}"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(out.Stdout, []string{"1:7"}) {
		t.Fatalf("stdout = %q", out.Stdout)
	}
}

func TestExecutorMissingScript(t *testing.T) {
	x := &Executor{}
	_, err := x.Exec(context.Background(), Invocation{WorkItemID: 1, Script: store.Script{Name: "x", Path: "/nope/x.sh", Args: []string{}}})
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestExecutorCapturesToLogFiles(t *testing.T) {
	p := writeScript(t, "log.sh", "echo to-file\necho to-err >&2")
	dir := t.TempDir()
	x := &Executor{Logs: logger.Config{File: logger.FileConfig{Dir: dir}}}
	if _, err := x.Exec(context.Background(), Invocation{WorkItemID: 9, Script: store.Script{Name: "my script", Path: p, Args: []string{}}}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "workitem-9-my_script.stdout.log"))
	if err != nil {
		t.Fatalf("stdout log: %v", err)
	}
	if string(b) != "to-file\n" {
		t.Fatalf("stdout log = %q", b)
	}
	b, err = os.ReadFile(filepath.Join(dir, "workitem-9-my_script.stderr.log"))
	if err != nil || string(b) != "to-err\n" {
		t.Fatalf("stderr log = %q, %v", b, err)
	}
}

func TestExecutorSamplesUsage(t *testing.T) {
	p := writeScript(t, "busy.sh", "sleep 0.3")
	x := &Executor{SampleInterval: 20 * time.Millisecond}
	out, err := x.Exec(context.Background(), Invocation{WorkItemID: 1, Script: store.Script{Name: "busy", Path: p, Args: []string{}}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Usage.PID == 0 || out.Usage.Samples == 0 {
		t.Fatalf("expected sampled usage, got %+v", out.Usage)
	}
	if out.Duration < 250*time.Millisecond {
		t.Fatalf("duration = %v", out.Duration)
	}
}
