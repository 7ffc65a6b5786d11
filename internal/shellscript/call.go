package shellscript

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	apperrors "github.com/loykin/scriptbatch/internal/errors"
	"github.com/loykin/scriptbatch/internal/notify"
)

// CallShell runs params[0] with params[1:] and reports the outcome to n under
// workItemID. An empty params list returns 0 without launching anything.
//
// Any output on stderr forces ErrorLevelError regardless of the exit code. A
// missing executable is reported to n and yields ErrorLevelError with a nil
// error. Launch, stream and interruption failures are returned.
func CallShell(ctx context.Context, n notify.Notifier, workItemID int, params []string, opts ...Option) (int, error) {
	if len(params) == 0 {
		return 0, nil
	}
	slog.Debug("CallShell", "work_item", workItemID, "params", params)
	return call(ctx, n, workItemID, params[0], Structured(params[0], params[1:]), opts)
}

// LegacyCallShell is CallShell for a single-string command line split with
// ParseLegacy. Prefer CallShell; parameters containing spaces only survive
// when quoted.
func LegacyCallShell(ctx context.Context, n notify.Notifier, workItemID int, line string, opts ...Option) (int, error) {
	return call(ctx, n, workItemID, line, ParseLegacy(line), opts)
}

func call(ctx context.Context, n notify.Notifier, id int, label string, c Command, opts []Option) (int, error) {
	if n == nil {
		n = notify.Discard{}
	}
	s, err := New(c.Path, append([]Option{WithNotifier(n, id)}, opts...)...)
	if apperrors.IsNotFound(err) {
		slog.Error("Script not found", "work_item", id, "script", label, "error", err)
		n.Error(id, fmt.Sprintf("Exception occurred while executing script '%s': %v", label, err))
		return ErrorLevelError, nil
	}
	if err != nil {
		return ErrorLevelError, err
	}
	code, err := s.Run(ctx, c.Args)
	if err != nil {
		return ErrorLevelError, err
	}
	if reportOutput(n, id, label, s.Stdout(), s.Stderr()) {
		code = ErrorLevelError
	}
	return code, nil
}

// reportOutput records stdout as a debug message (and as info when not blank)
// and stderr as an error. It reports whether stderr was non-empty.
func reportOutput(n notify.Notifier, id int, label string, stdout, stderr []string) bool {
	msg := joinLines(stdout)
	notify.Debug(n, id, fmt.Sprintf("Script '%s' was executed with result: %s", label, msg))
	if strings.TrimSpace(msg) != "" {
		n.Info(id, msg)
	}
	if len(stderr) == 0 {
		return false
	}
	n.Error(id, fmt.Sprintf("Error occurred while executing script '%s': %s", label, joinLines(stderr)))
	return true
}

func joinLines(lines []string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}
