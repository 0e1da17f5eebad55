package lockfile

import (
	"fmt"
	"os"

	"github.com/openqube/guid/internal/frameimport"
)

// ShmStore is the file-backed frameimport.SharedArgsStore for one
// display's /run/qubes/shm.id.<N> file. Writes are not
// locked by this type — callers are expected to hold the inter-viewer
// lock (AppViewerLock) around Write.
type ShmStore struct {
	path string
}

// NewShmStore returns a store bound to the given display number's
// shm.id file.
func NewShmStore(display int) *ShmStore {
	return &ShmStore{path: ShmID(display)}
}

// Write overwrites the shm.id file with args's binary encoding.
func (s *ShmStore) Write(args frameimport.SharedArgs) error {
	if err := os.WriteFile(s.path, args.Encode(), 0o644); err != nil {
		return fmt.Errorf("lockfile: write %s: %w", s.path, err)
	}
	return nil
}

// Read decodes the current contents of the shm.id file.
func (s *ShmStore) Read() (frameimport.SharedArgs, error) {
	buf, err := os.ReadFile(s.path)
	if err != nil {
		return frameimport.SharedArgs{}, fmt.Errorf("lockfile: read %s: %w", s.path, err)
	}
	return frameimport.DecodeSharedArgs(buf)
}
