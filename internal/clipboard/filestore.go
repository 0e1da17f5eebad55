package clipboard

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/openqube/guid/internal/interfaces"
)

// File names of the slot trio under the clipboard directory.
const (
	SlotFile   = "qubes-clipboard.bin"
	SourceFile = "qubes-clipboard.bin.source"
	XEventFile = "qubes-clipboard.bin.xevent"
)

// FileStore is the production Store: the process-wide slot persisted as
// three files — the payload, the source-VM name, and the timestamp of the
// triggering key event as decimal text. All three are written under the
// inter-viewer lock held by the Broker, never by this type itself.
type FileStore struct {
	dir string
	fs  interfaces.FileSystem
}

// NewFileStore returns a FileStore rooted at dir (normally /var/run/qubes).
func NewFileStore(dir string, fs interfaces.FileSystem) *FileStore {
	if fs == nil {
		fs = interfaces.NewOSFileSystem()
	}
	return &FileStore{dir: dir, fs: fs}
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Write replaces the slot contents, its source tag and its timestamp.
func (s *FileStore) Write(data []byte, source string, timestamp uint32) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("clipboard: create dir %s: %w", s.dir, err)
	}
	if err := s.fs.WriteFile(s.path(SlotFile), data, 0o644); err != nil {
		return fmt.Errorf("clipboard: write slot: %w", err)
	}
	if err := s.fs.WriteFile(s.path(SourceFile), []byte(source), 0o644); err != nil {
		return fmt.Errorf("clipboard: write source: %w", err)
	}
	ts := strconv.FormatUint(uint64(timestamp), 10)
	if err := s.fs.WriteFile(s.path(XEventFile), []byte(ts), 0o644); err != nil {
		return fmt.Errorf("clipboard: write xevent timestamp: %w", err)
	}
	return nil
}

// Read returns the current slot contents. Missing files read as an empty
// slot rather than an error, so a fresh host works without a priming copy.
func (s *FileStore) Read() ([]byte, string, uint32, error) {
	data, err := s.fs.ReadFile(s.path(SlotFile))
	if err != nil {
		if s.fs.IsNotExist(err) {
			return nil, "", 0, nil
		}
		return nil, "", 0, fmt.Errorf("clipboard: read slot: %w", err)
	}

	source, err := s.fs.ReadFile(s.path(SourceFile))
	if err != nil && !s.fs.IsNotExist(err) {
		return nil, "", 0, fmt.Errorf("clipboard: read source: %w", err)
	}

	var ts uint64
	if raw, err := s.fs.ReadFile(s.path(XEventFile)); err == nil {
		ts, _ = strconv.ParseUint(string(bytes.TrimSpace(raw)), 10, 32)
	} else if !s.fs.IsNotExist(err) {
		return nil, "", 0, fmt.Errorf("clipboard: read xevent timestamp: %w", err)
	}

	return data, string(source), uint32(ts), nil
}

// Clear truncates the slot and clears the source tag after a successful
// paste.
func (s *FileStore) Clear() error {
	if err := s.fs.WriteFile(s.path(SlotFile), nil, 0o644); err != nil {
		return fmt.Errorf("clipboard: truncate slot: %w", err)
	}
	if err := s.fs.WriteFile(s.path(SourceFile), nil, 0o644); err != nil {
		return fmt.Errorf("clipboard: clear source: %w", err)
	}
	return nil
}

// SlotPath returns the payload file's full path, handed to the out-of-band
// helper whose stdio is wired to it.
func (s *FileStore) SlotPath() string {
	return s.path(SlotFile)
}
