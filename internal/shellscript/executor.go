package shellscript

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/scriptbatch/internal/env"
	"github.com/loykin/scriptbatch/internal/logger"
	"github.com/loykin/scriptbatch/internal/metrics"
	"github.com/loykin/scriptbatch/internal/notify"
	"github.com/loykin/scriptbatch/internal/store"
)

// Invocation identifies one script run on behalf of a work item.
type Invocation struct {
	WorkItemID int
	StepTitle  string
	Script     store.Script
}

// Outcome is what a finished run produced. ExitCode is the child's own code.
type Outcome struct {
	ExitCode int
	Stdout   []string
	Stderr   []string
	Duration time.Duration
	Usage    metrics.Usage // zero unless sampling is enabled
}

// Executor runs work item scripts for batch commands. Placeholders in the
// script path and arguments are substituted first; scripts with nil Args are
// parsed with ParseLegacy, others use Structured.
type Executor struct {
	Env      *env.Env
	Notifier notify.Notifier
	Dir      string

	// Logs enables per-run stdout/stderr capture files when a dir or path is set.
	Logs logger.Config

	// SampleInterval > 0 records peak CPU and memory of each run.
	SampleInterval time.Duration
}

func (x *Executor) notifier() notify.Notifier {
	if x.Notifier == nil {
		return notify.Discard{}
	}
	return x.Notifier
}

// Command resolves the argv that Exec would launch for inv.
func (x *Executor) Command(inv Invocation) Command {
	vars := map[string]string{
		PlaceholderWorkItemID: strconv.Itoa(inv.WorkItemID),
		PlaceholderStepTitle:  inv.StepTitle,
		PlaceholderScriptName: inv.Script.Name,
	}
	if inv.Script.Args == nil {
		return ParseLegacy(Expand(inv.Script.Path, vars))
	}
	args := make([]string, len(inv.Script.Args))
	for i, a := range inv.Script.Args {
		args[i] = Expand(a, vars)
	}
	return Structured(Expand(inv.Script.Path, vars), args)
}

// Exec launches the script and waits for it. Stdout is kept as a debug
// message of the work item and stderr is reported as an error; neither
// changes the returned exit code.
func (x *Executor) Exec(ctx context.Context, inv Invocation) (Outcome, error) {
	n := x.notifier()
	c := x.Command(inv)
	opts := []Option{WithEnv(x.Env), WithNotifier(n, inv.WorkItemID), WithDir(x.Dir)}

	outW, errW, err := x.Logs.ProcessWriters(fmt.Sprintf("workitem-%d-%s", inv.WorkItemID, safeName(inv.Script.Name)))
	if err != nil {
		return Outcome{}, err
	}
	// an interrupted child keeps writing until it is reaped
	closeWriters := sync.OnceFunc(func() {
		closeWriter(outW)
		closeWriter(errW)
	})
	opts = append(opts, WithOutput(writerOrNil(outW), writerOrNil(errW)), WithDrained(closeWriters))

	var stopSampling func() metrics.Usage
	if x.SampleInterval > 0 {
		opts = append(opts, WithStartHook(func(pid int) {
			stopSampling = metrics.Watch(pid, x.SampleInterval)
		}))
	}

	s, err := New(c.Path, opts...)
	if err != nil {
		closeWriters()
		return Outcome{}, err
	}
	start := time.Now()
	code, err := s.Run(ctx, c.Args)
	elapsed := time.Since(start)
	var usage metrics.Usage
	if stopSampling != nil {
		usage = stopSampling()
	}
	if err != nil {
		return Outcome{ExitCode: code, Duration: elapsed, Usage: usage}, err
	}
	out := Outcome{ExitCode: code, Stdout: s.Stdout(), Stderr: s.Stderr(), Duration: elapsed, Usage: usage}
	reportOutput(n, inv.WorkItemID, inv.Script.Name, out.Stdout, out.Stderr)
	return out, nil
}

func safeName(name string) string {
	if name == "" {
		return "script"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}

// writerOrNil avoids a typed-nil io.Writer for unset capture files.
func writerOrNil(w io.WriteCloser) io.Writer {
	if w == nil {
		return nil
	}
	return w
}

func closeWriter(w io.WriteCloser) {
	if w != nil {
		_ = w.Close()
	}
}
