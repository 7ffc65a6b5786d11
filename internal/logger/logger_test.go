package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeAndClose(t *testing.T, w io.WriteCloser, line string) {
	t.Helper()
	if w == nil {
		return
	}
	if _, err := w.Write([]byte(line)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()
}

func TestProcessWritersPerScriptRun(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name             string
		file             FileConfig
		wantOut, wantErr string
	}{
		{"nothing configured", FileConfig{}, "", ""},
		{"dir derives both", FileConfig{Dir: dir},
			filepath.Join(dir, "runscript-7-pdf.stdout.log"), filepath.Join(dir, "runscript-7-pdf.stderr.log")},
		{"explicit paths win", FileConfig{Dir: dir, StdoutPath: filepath.Join(dir, "all.out"), StderrPath: filepath.Join(dir, "all.err")},
			filepath.Join(dir, "all.out"), filepath.Join(dir, "all.err")},
		{"stdout only", FileConfig{StdoutPath: filepath.Join(dir, "only.out")}, filepath.Join(dir, "only.out"), ""},
		{"stderr only", FileConfig{StderrPath: filepath.Join(dir, "only.err")}, "", filepath.Join(dir, "only.err")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outW, errW, err := Config{File: tc.file}.ProcessWriters("runscript-7-pdf")
			if err != nil {
				t.Fatalf("ProcessWriters: %v", err)
			}
			if (outW != nil) != (tc.wantOut != "") || (errW != nil) != (tc.wantErr != "") {
				t.Fatalf("writers out=%v err=%v, want paths %q %q", outW != nil, errW != nil, tc.wantOut, tc.wantErr)
			}
			writeAndClose(t, outW, "exported 12 pages\n")
			writeAndClose(t, errW, "warning: missing cover\n")
			for _, p := range []string{tc.wantOut, tc.wantErr} {
				if p == "" {
					continue
				}
				if _, err := os.Stat(p); err != nil {
					t.Fatalf("capture file %s: %v", p, err)
				}
			}
		})
	}
}

func TestRotationSettings(t *testing.T) {
	defaults := Config{}.rotating("x.log")
	if defaults.MaxSize != DefaultMaxSizeMB || defaults.MaxBackups != DefaultMaxBackups || defaults.MaxAge != DefaultMaxAgeDays || defaults.Compress {
		t.Fatalf("unexpected defaults: %+v", defaults)
	}
	custom := Config{File: FileConfig{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}.rotating("x.log")
	if custom.MaxSize != 1 || custom.MaxBackups != 9 || custom.MaxAge != 11 || !custom.Compress {
		t.Fatalf("overrides not applied: %+v", custom)
	}
}

func TestNewSloggerWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scriptbatch.log")
	l := Config{Slog: SlogConfig{File: path, Format: FormatJSON}}.NewSlogger()
	l.Info("batch accepted", "command", "runscript")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"command":"runscript"`) {
		t.Fatalf("log file = %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewSloggerFormats(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelDebug, Format: FormatJSON}}.NewSloggerTo(&buf)
	l.Debug("hello", "work_item", 3)
	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) || !strings.Contains(out, `"work_item":3`) {
		t.Fatalf("json output = %s", out)
	}
	if strings.Contains(out, `"time"`) {
		t.Fatalf("time should be dropped without TimeStamps: %s", out)
	}

	buf.Reset()
	l = Config{Slog: SlogConfig{Level: LevelInfo, Color: true, TimeStamps: true}}.NewSloggerTo(&buf)
	l.Debug("hidden")
	l.With("cmd", "ocr").Error("boom")
	out = buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug should be filtered: %s", out)
	}
	if !strings.Contains(out, "31mERROR") || !strings.Contains(out, "boom") || !strings.Contains(out, "cmd=ocr") || !strings.Contains(out, "time=") {
		t.Fatalf("color output = %q", out)
	}
}
