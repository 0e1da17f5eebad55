package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelFlagArithmetic(t *testing.T) {
	cases := []struct {
		base           string
		verbose, quiet int
		want           slog.Level
	}{
		{"info", 0, 0, slog.LevelInfo},
		{"info", 1, 0, slog.LevelDebug},
		{"info", 0, 1, slog.LevelWarn},
		{"info", 0, 2, slog.LevelError},
		{"warn", 2, 0, slog.LevelDebug},
		{"debug", 3, 0, slog.LevelDebug}, // clamps at debug
		{"error", 0, 5, slog.LevelError}, // clamps at error
		{"bogus", 0, 0, slog.LevelInfo},  // unknown name reads as info
	}
	for _, c := range cases {
		if got := Level(c.base, c.verbose, c.quiet); got != c.want {
			t.Errorf("Level(%q, %d, %d) = %v, want %v", c.base, c.verbose, c.quiet, got, c.want)
		}
	}
}

func TestOpenRotatesPreviousLog(t *testing.T) {
	dir := t.TempDir()
	path := PerVMPath(dir, "work")
	if err := os.WriteFile(path, []byte("previous run\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	log, err := Open("work", 7, dir, slog.LevelInfo)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	log.Info("started")

	old, err := os.ReadFile(path + ".old")
	if err != nil {
		t.Fatalf("read rotated log: %v", err)
	}
	if string(old) != "previous run\n" {
		t.Errorf("rotated contents = %q", old)
	}

	cur, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cur) == 0 {
		t.Error("current log is empty after a write")
	}
}

func TestOpenStampsVMIdentity(t *testing.T) {
	dir := t.TempDir()
	log, err := Open("personal", 3, dir, slog.LevelInfo)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hello")

	data, err := os.ReadFile(filepath.Join(dir, "guid.personal.log"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"vm=personal", "dom=3", "hello"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log record %q missing %q", data, want)
		}
	}
}
