package shellscript

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/loykin/scriptbatch/internal/env"
	apperrors "github.com/loykin/scriptbatch/internal/errors"
	"github.com/loykin/scriptbatch/internal/notify"
)

// ErrorLevelError is reported by the call helpers when no usable result
// exists (missing executable, output on stderr). It is never produced by Run
// itself, which always returns the child's own exit code.
const ErrorLevelError = 1

// Script runs one external executable. A Script is single-use: Run may be
// called once; the captured output and exit code are available afterwards.
type Script struct {
	path       string
	dir        string
	env        *env.Env
	notifier   notify.Notifier
	workItemID int
	stdoutTee  io.Writer
	stderrTee  io.Writer
	onStart    func(pid int)
	onDrained  func()

	mu       sync.Mutex
	started  bool
	stdout   []string
	stderr   []string
	exitCode int
	done     bool
}

type Option func(*Script)

// WithEnv sets the environment composer consulted at launch. Without it the
// child inherits the OS environment.
func WithEnv(e *env.Env) Option { return func(s *Script) { s.env = e } }

// WithNotifier routes stream close failures to n under the given work item.
func WithNotifier(n notify.Notifier, workItemID int) Option {
	return func(s *Script) {
		s.notifier = n
		s.workItemID = workItemID
	}
}

// WithOutput copies raw child output to the given writers while it is captured.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(s *Script) {
		s.stdoutTee = stdout
		s.stderrTee = stderr
	}
}

// WithStartHook calls fn with the child's pid right after launch.
func WithStartHook(fn func(pid int)) Option { return func(s *Script) { s.onStart = fn } }

// WithDrained calls fn once the output writers given to WithOutput are no
// longer written to. After an interrupted Run that is when the child has
// been reaped, which can be well after Run returned.
func WithDrained(fn func()) Option { return func(s *Script) { s.onDrained = fn } }

// WithDir sets the working directory of the child.
func WithDir(dir string) Option { return func(s *Script) { s.dir = dir } }

// New returns a Script for an existing executable. Nothing is launched.
func New(path string, opts ...Option) (*Script, error) {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return nil, apperrors.NotFound("shellscript.New", "executable "+path)
	}
	s := &Script{path: path}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Script) Path() string { return s.path }

// Stdout returns the captured standard output lines, or nil before a
// successful Run.
func (s *Script) Stdout() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneLines(s.stdout)
}

// Stderr returns the captured standard error lines, or nil before a
// successful Run.
func (s *Script) Stderr() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneLines(s.stderr)
}

// ExitCode reports the child's exit code; ok is false before a successful Run.
func (s *Script) ExitCode() (code int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.done
}

type runResult struct {
	stdout, stderr []string
	readErr        error
	waitErr        error
	exitCode       int
}

// Run launches path with args as discrete argv tokens, drains stdout and
// stderr to completion and waits for the child. It blocks until the child
// exits or ctx is done. Cancelling ctx does not kill the child: Run returns
// an Interrupted error at once while the child is still reaped in the
// background.
func (s *Script) Run(ctx context.Context, args []string) (int, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrorLevelError, apperrors.Validation("shellscript.Run", "script "+s.path+" already ran")
	}
	s.started = true
	s.mu.Unlock()

	rOut, wOut, err := os.Pipe()
	if err != nil {
		s.drained()
		return ErrorLevelError, apperrors.ProcessIO("shellscript.Run", "create stdout pipe", err)
	}
	rErr, wErr, err := os.Pipe()
	if err != nil {
		s.closeStream("stdout", rOut)
		s.closeStream("stdout", wOut)
		s.drained()
		return ErrorLevelError, apperrors.ProcessIO("shellscript.Run", "create stderr pipe", err)
	}

	// Path is used as given; no PATH lookup.
	cmd := &exec.Cmd{
		Path:   s.path,
		Args:   append([]string{s.path}, args...),
		Dir:    s.dir,
		Stdout: wOut,
		Stderr: wErr,
	}
	if s.env != nil {
		cmd.Env = s.env.Merge(nil)
	}

	slog.Debug("Starting script", "path", s.path, "args", args)
	startErr := cmd.Start()
	// the child holds its own copies of the write ends
	s.closeStream("stdout", wOut)
	s.closeStream("stderr", wErr)
	if startErr != nil {
		s.closeStream("stdout", rOut)
		s.closeStream("stderr", rErr)
		s.drained()
		return ErrorLevelError, apperrors.ProcessIO("shellscript.Run", "start "+s.path, startErr)
	}
	if s.onStart != nil {
		s.onStart(cmd.Process.Pid)
	}

	results := make(chan runResult, 1)
	go func() {
		var (
			res            runResult
			wg             sync.WaitGroup
			outErr, errErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			res.stdout, outErr = readLines(rOut, s.stdoutTee)
		}()
		go func() {
			defer wg.Done()
			res.stderr, errErr = readLines(rErr, s.stderrTee)
		}()
		wg.Wait()
		res.readErr = errors.Join(outErr, errErr)
		res.waitErr = cmd.Wait()
		res.exitCode = -1
		if cmd.ProcessState != nil {
			res.exitCode = cmd.ProcessState.ExitCode()
		}
		s.closeStream("stdout", rOut)
		s.closeStream("stderr", rErr)
		s.drained()
		results <- res
	}()

	var res runResult
	select {
	case res = <-results:
	case <-ctx.Done():
		slog.Warn("Stopped waiting for script", "path", s.path, "pid", cmd.Process.Pid, "error", ctx.Err())
		return ErrorLevelError, apperrors.Interrupted("shellscript.Run", ctx.Err())
	}

	if res.readErr != nil {
		return ErrorLevelError, apperrors.ProcessIO("shellscript.Run", "read output of "+s.path, res.readErr)
	}
	var exitErr *exec.ExitError
	if res.waitErr != nil && !errors.As(res.waitErr, &exitErr) {
		return ErrorLevelError, apperrors.ProcessIO("shellscript.Run", "wait for "+s.path, res.waitErr)
	}

	s.mu.Lock()
	s.stdout = res.stdout
	s.stderr = res.stderr
	s.exitCode = res.exitCode
	s.done = true
	s.mu.Unlock()
	slog.Debug("Script finished", "path", s.path, "exit_code", res.exitCode,
		"stdout_lines", len(res.stdout), "stderr_lines", len(res.stderr))
	return res.exitCode, nil
}

func (s *Script) drained() {
	if s.onDrained != nil {
		s.onDrained()
	}
}

// closeStream releases one pipe end. Failures are reported but never change
// the result of the run.
func (s *Script) closeStream(name string, c io.Closer) {
	if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Warn("Could not close stream", "path", s.path, "stream", name, "error", err)
		if s.notifier != nil {
			s.notifier.Error(s.workItemID, fmt.Sprintf("Could not close %s stream of %s: %v", name, s.path, err))
		}
	}
}

// readLines consumes r to EOF, splitting on '\n' and dropping a trailing '\r'.
// A read error stops line collection but the rest of r is still drained so the
// child never blocks on a full pipe.
func readLines(r io.Reader, tee io.Writer) ([]string, error) {
	if tee != nil {
		r = io.TeeReader(r, lenient{tee})
	}
	br := bufio.NewReader(r)
	lines := []string{}
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			lines = append(lines, strings.TrimSuffix(line, "\r"))
		}
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			_, _ = io.Copy(io.Discard, br)
			return lines, err
		}
	}
}

// lenient keeps a failing capture file from aborting the read.
type lenient struct{ w io.Writer }

func (l lenient) Write(p []byte) (int, error) {
	_, _ = l.w.Write(p)
	return len(p), nil
}

func cloneLines(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
