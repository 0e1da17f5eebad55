// Package logger sets up the per-VM process log: one text handler over
// stdout and the guid.<vmname>.log file, with the previous run's file
// kept as .old and the owning VM's identity stamped on every record.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// levelNames maps the config file's verbosity names onto slog levels.
var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Level resolves the configured base level name plus the -v/-q flag
// counts into one slog.Level: each -v steps one level toward debug, each
// -q one toward error. An unknown base name reads as info.
func Level(base string, verbose, quiet int) slog.Level {
	lvl, ok := levelNames[base]
	if !ok {
		lvl = slog.LevelInfo
	}
	lvl += slog.Level(4 * (quiet - verbose))
	if lvl < slog.LevelDebug {
		lvl = slog.LevelDebug
	}
	if lvl > slog.LevelError {
		lvl = slog.LevelError
	}
	return lvl
}

// PerVMPath returns the daemon's log file path for vmName under dir.
func PerVMPath(dir, vmName string) string {
	return filepath.Join(dir, fmt.Sprintf("guid.%s.log", vmName))
}

// Open builds the process logger and installs it as the slog default.
// vmName and domID identify whose windows this process serves and are
// attached to every record; dir == "" keeps the log on stdout only (the
// agent's case — its stdout is already captured by the guest's service
// manager).
func Open(vmName string, domID uint32, dir string, level slog.Level) (*slog.Logger, error) {
	out := io.Writer(os.Stdout)
	if dir != "" {
		f, err := rotateOpen(PerVMPath(dir, vmName))
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
	}

	log := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	if vmName != "" {
		log = log.With("vm", vmName, "dom", domID)
	}
	slog.SetDefault(log)
	return log, nil
}

// rotateOpen moves any previous run's log aside to path+".old" and opens
// a fresh file, so exactly one prior log survives alongside the current.
func rotateOpen(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logger: create log dir: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".old"); err != nil {
			return nil, fmt.Errorf("logger: rotate %s: %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logger: open %s: %w", path, err)
	}
	return f, nil
}
