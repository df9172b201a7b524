package persist

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sweeney/valve-controller/internal/logic"
)

// DefaultFilePath lives on tmpfs: it survives a process restart but not a
// reboot, which matches the retained-memory semantics of the firmware.
const DefaultFilePath = "/run/valve-controller/state"

// FileStore persists the state to a single file. Save is synchronous: the
// record is written to a temporary file, fsynced and renamed into place
// before Save returns.
type FileStore struct {
	path    string
	now     func() time.Time
	syncDir func(dir string) error
}

// NewFileStore creates a store at path, creating the parent directory.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		path = DefaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{path: path, now: time.Now, syncDir: syncDir}, nil
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

// Save writes the state.
func (f *FileStore) Save(state logic.ValveState) error {
	data, err := encodeRecord(state, f.now())
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".state-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	if err := f.syncDir(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("sync state dir: %w", err)
	}
	return nil
}

// syncDir flushes the directory entry so the rename survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}

// Load reads the state. A missing file means a cold start.
func (f *FileStore) Load() (logic.ValveState, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return logic.StateUnknown, false, nil
	}
	if err != nil {
		return logic.StateUnknown, false, fmt.Errorf("read state: %w", err)
	}
	state, _, err := decodeRecord(data)
	if err != nil {
		return logic.StateUnknown, false, err
	}
	return state, true, nil
}

// Close is a no-op.
func (f *FileStore) Close() error {
	return nil
}
