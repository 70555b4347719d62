package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_WithDirOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	cfg := FileConfig{Dir: dir}
	outW, errW, err := cfg.ProcessWriters("demo")
	if err != nil {
		t.Fatalf("ProcessWriters error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	if _, err := os.Stat(filepath.Join(dir, "demo.stdout.log")); err != nil {
		t.Fatalf("stdout log not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "demo.stderr.log")); err != nil {
		t.Fatalf("stderr log not created: %v", err)
	}
}

func TestWriters_Defaults(t *testing.T) {
	cfg := FileConfig{}
	if cfg.Enabled() {
		t.Fatalf("zero config must not be enabled")
	}
	outW, errW, _ := cfg.ProcessWriters("n")
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when no Dir/stdout/stderr set")
	}
	dir := t.TempDir()
	cfg = FileConfig{StdoutPath: filepath.Join(dir, "x"), StderrPath: filepath.Join(dir, "y")}
	outW, errW, _ = cfg.ProcessWriters("n")
	ol, ok1 := outW.(*lj.Logger)
	el, ok2 := errW.(*lj.Logger)
	if !ok1 || !ok2 {
		t.Fatalf("writers are not lumberjack.Logger")
	}
	if ol.MaxSize != 10 || ol.MaxBackups != 3 || ol.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
	if el.MaxSize != 10 || el.MaxBackups != 3 || el.MaxAge != 7 {
		t.Fatalf("unexpected defaults (stderr): size=%d backups=%d age=%d", el.MaxSize, el.MaxBackups, el.MaxAge)
	}
	closeIf(outW)
	closeIf(errW)
}

func TestWriters_Overrides(t *testing.T) {
	dir := t.TempDir()
	cfg := FileConfig{StdoutPath: filepath.Join(dir, "x2"), StderrPath: filepath.Join(dir, "y2"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	outW, errW, _ := cfg.ProcessWriters("n")
	ol := outW.(*lj.Logger)
	el := errW.(*lj.Logger)
	if ol.MaxSize != 1 || ol.MaxBackups != 9 || ol.MaxAge != 11 || !ol.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", ol.MaxSize, ol.MaxBackups, ol.MaxAge, ol.Compress)
	}
	if el.MaxSize != 1 || el.MaxBackups != 9 || el.MaxAge != 11 || !el.Compress {
		t.Fatalf("unexpected overrides (stderr): size=%d backups=%d age=%d compress=%t", el.MaxSize, el.MaxBackups, el.MaxAge, el.Compress)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestNewWithWriter_Formats(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(Config{Format: "json"}, &buf).Info("hello", "k", 1)
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("json output missing msg: %s", buf.String())
	}

	buf.Reset()
	l := NewWithWriter(Config{Color: true, Level: "debug"}, &buf)
	l.With("proc", 1).Debug("tick")
	out := buf.String()
	if !strings.Contains(out, "\033[36m") || !strings.Contains(out, "tick") || !strings.Contains(out, "proc=1") {
		t.Fatalf("color output unexpected: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("color handler should drop time: %q", out)
	}

	buf.Reset()
	NewWithWriter(Config{Level: "warn"}, &buf).Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %q", buf.String())
	}
}
