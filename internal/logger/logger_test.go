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

func TestProcessWriter_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	w := cfg.ProcessWriter("demo")
	if w == nil {
		t.Fatalf("expected writer when Dir is set")
	}
	_, _ = w.Write([]byte("hello\n"))
	closeIf(w)
	if _, err := os.Stat(filepath.Join(dir, "demo.output.log")); err != nil {
		t.Fatalf("output log not created: %v", err)
	}
}

func TestProcessWriter_ExplicitPathWins(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "nested", "run.log")
	cfg := Config{File: FileConfig{Dir: filepath.Join(dir, "unused"), OutputPath: p}}
	w := cfg.ProcessWriter("ignored-name")
	_, _ = w.Write([]byte("x"))
	closeIf(w)
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("explicit path not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "unused")); !os.IsNotExist(err) {
		t.Fatalf("dir should not be used when explicit path is set")
	}
}

func TestProcessWriter_Defaults(t *testing.T) {
	if w := (Config{}).ProcessWriter("n"); w != nil {
		t.Fatalf("expected nil writer when nothing configured")
	}
	w := Config{File: FileConfig{OutputPath: filepath.Join(t.TempDir(), "x")}}.ProcessWriter("n")
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
	closeIf(w)
}

func TestProcessWriter_Overrides(t *testing.T) {
	cfg := Config{File: FileConfig{OutputPath: filepath.Join(t.TempDir(), "x2"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	l := cfg.ProcessWriter("n").(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
	closeIf(l)
}

func TestNewLogger_LevelsAndFormats(t *testing.T) {
	var buf bytes.Buffer
	lg, c := Config{Level: "warn", Format: "json"}.NewLogger(&buf)
	defer closeIf(c)
	lg.Info("hidden")
	lg.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("unexpected json output: %s", out)
	}

	buf.Reset()
	lg, _ = Config{Color: true}.NewLogger(&buf)
	lg.Error("boom")
	if !strings.Contains(buf.String(), "\033[31m") {
		t.Fatalf("expected red level prefix: %q", buf.String())
	}
}

func TestNewLogger_AppFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simctl.log")
	var buf bytes.Buffer
	lg, c := Config{Color: true, File: FileConfig{AppPath: path}}.NewLogger(&buf)
	lg.Info("to-file")
	closeIf(c)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(b), "to-file") || strings.Contains(string(b), "\033[") {
		t.Fatalf("unexpected file content: %q", string(b))
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "warning": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
