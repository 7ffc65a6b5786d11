package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestPidFileLifecycle(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "scriptbatch.pid")

	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile failed: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("PID file was not created: %v", err)
	}
	if string(b) != strconv.Itoa(os.Getpid()) {
		t.Errorf("PID file holds %q, want %d", b, os.Getpid())
	}

	if err := removePidFile(pidFile); err != nil {
		t.Errorf("removePidFile failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("PID file was not removed")
	}
	if err := removePidFile(""); err != nil {
		t.Errorf("empty path should be a no-op: %v", err)
	}
}
