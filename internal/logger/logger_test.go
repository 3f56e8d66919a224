package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestValidate(t *testing.T) {
	bad := []Config{{Format: "xml"}, {Level: "trace"}, {Quiet: true}}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("expected %+v to be rejected", c)
		}
	}
	if err := (Config{Quiet: true, File: "/tmp/x.log"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWriter_Defaults(t *testing.T) {
	if (Config{}).Writer() != nil {
		t.Fatalf("expected nil writer without file")
	}
	w := Config{File: "/tmp/histd.log"}.Writer()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("expected lumberjack logger, got %T", w)
	}
	if l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays || l.Compress {
		t.Fatalf("unexpected defaults: %+v", l)
	}
}

func TestWriter_Overrides(t *testing.T) {
	w := Config{File: "/tmp/histd.log", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 2, Compress: true}.Writer()
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 2 || !l.Compress {
		t.Fatalf("overrides not applied: %+v", l)
	}
}

func TestNew_StderrText(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := newWithStderr(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = closer.Close() }()
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") || !strings.Contains(out, "k=v") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestNew_ColorKeepsAttrs(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := newWithStderr(Config{Color: true}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.With("component", "rpc").Error("boom")
	log.WithGroup("req").Warn("slow", "level", "deep")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	first := lines[0]
	if !strings.HasPrefix(first, "\033[31mERROR\033[0m ") || !strings.Contains(first, "msg=boom") || !strings.Contains(first, "component=rpc") {
		t.Fatalf("unexpected output: %q", first)
	}
	if strings.Contains(first, `\x1b`) || strings.Contains(first, "level=") {
		t.Fatalf("level must only appear as the raw colored prefix: %q", first)
	}
	second := lines[1]
	if !strings.HasPrefix(second, "\033[33mWARN \033[0m ") || !strings.Contains(second, "req.level=deep") {
		t.Fatalf("unexpected output: %q", second)
	}
}

func TestNew_FileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "histd.log")
	var buf bytes.Buffer
	log, closer, err := newWithStderr(Config{Format: "json", File: path}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info("hello", "n", 1)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("file is not json: %q", b)
	}
	if rec["msg"] != "hello" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("stderr missing record: %q", buf.String())
	}
}

func TestNew_QuietFileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "histd.log")
	var buf bytes.Buffer
	log, closer, err := newWithStderr(Config{Quiet: true, File: path}, &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info("to file")
	_ = closer.Close()
	if buf.Len() != 0 {
		t.Fatalf("quiet logger wrote to stderr: %q", buf.String())
	}
	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), "to file") {
		t.Fatalf("file missing record: %q", b)
	}
}
