package server

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/scriptbatch/internal/store"
)

func FuzzValidCommandName(f *testing.F) {
	for _, s := range []string{"runscript", "", "..", "../etc", "a/b", `a\b`, "run.script_1-2", "한글", "a\x00b"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, name string) {
		ok := validCommandName(name)
		if !ok {
			return
		}
		if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\ \x00") {
			t.Fatalf("accepted unsafe command %q", name)
		}
		if len(name) > maxCommandName {
			t.Fatalf("accepted overlong command of %d bytes", len(name))
		}
	})
}

// Legacy command lines are split before validation, so the fuzzer drives
// both the argument parser and the path check.
func FuzzScriptPath(f *testing.F) {
	for _, s := range []string{
		"/opt/scripts/run.sh",
		`/opt/scripts/run.sh 7 "final draft"`,
		"run.sh 7",
		"/opt/../etc/passwd",
		"/opt//scripts/run.sh",
		"",
		`"/opt/my scripts/run.sh" 1`,
		"/opt/scripts/\x00",
	} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, line string) {
		if len(line) > 500 {
			t.Skip()
		}
		path := executablePath(store.Script{Name: "s", Path: line})
		if !validScriptPath(path) {
			return
		}
		if !filepath.IsAbs(path) {
			t.Fatalf("accepted relative path %q from %q", path, line)
		}
		if strings.TrimRight(filepath.Clean(path), string(filepath.Separator)) != strings.TrimRight(path, string(filepath.Separator)) {
			t.Fatalf("accepted unclean path %q from %q", path, line)
		}
	})
}

func FuzzNormalizeBase(f *testing.F) {
	for _, s := range []string{"", "/", "/api", "api/", "  /api/v1/  ", "//x//"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, bp string) {
		got := normalizeBase(bp)
		if got == "" {
			return
		}
		if !strings.HasPrefix(got, "/") || strings.HasSuffix(got, "/") {
			t.Fatalf("normalizeBase(%q) = %q", bp, got)
		}
		if normalizeBase(got) != got {
			t.Fatalf("normalizeBase not idempotent for %q", bp)
		}
	})
}
