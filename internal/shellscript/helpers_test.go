package shellscript

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts require a unix shell")
	}
}

// writeScript creates an executable /bin/sh script in a temp dir.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	requireUnix(t)
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func chmod(p string, mode os.FileMode) error { return os.Chmod(p, mode) }
