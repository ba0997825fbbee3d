// Package atomicfile provides advisory-locked atomic JSON state files.
// Mutual exclusion uses a sidecar flock next to the target; publication
// uses write-temp-then-rename so a crash leaves the old or the new
// content, never a partial file.
package atomicfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"overseer/internal/logging"
)

const (
	// Lock acquisition retries a bounded number of times before giving up.
	defaultLockRetries = 6
	defaultLockDelay   = 60 * time.Millisecond
)

// Store performs locked reads and atomic writes of JSON files.
type Store struct {
	lockRetries int
	lockDelay   time.Duration
}

// New returns a store with default lock retry behavior.
func New() *Store {
	return &Store{
		lockRetries: defaultLockRetries,
		lockDelay:   defaultLockDelay,
	}
}

// defaultStore backs the package-level convenience functions.
var defaultStore = New()

func lockPath(path string) string {
	return path + ".lock"
}

// acquire takes the sidecar lock, shared or exclusive, with bounded retry.
func (s *Store) acquire(path string, shared bool) (*flock.Flock, error) {
	fl := flock.New(lockPath(path))
	for attempt := 0; attempt < s.lockRetries; attempt++ {
		var ok bool
		var err error
		if shared {
			ok, err = fl.TryRLock()
		} else {
			ok, err = fl.TryLock()
		}
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if ok {
			return fl, nil
		}
		time.Sleep(s.lockDelay)
	}
	return nil, fmt.Errorf("lock %s: contention after %d attempts", path, s.lockRetries)
}

// ReadJSON reads path into out under a shared lock.
// On any failure (missing file, lock denied, malformed JSON) out is left
// untouched, so callers pre-populate it with their default value. The
// error reports what happened; callers that only need the default may
// ignore it.
func (s *Store) ReadJSON(path string, out interface{}) error {
	fl, err := s.acquire(path, true)
	if err != nil {
		logging.StoreWarn("ReadJSON %s: %v", path, err)
		return err
	}
	defer fl.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		logging.StoreError("ReadJSON %s: %v", path, err)
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		logging.StoreWarn("ReadJSON %s: malformed JSON: %v", path, err)
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ReadBytes reads the raw file content under a shared lock, for
// callers that hash or copy the bytes instead of decoding them.
func (s *Store) ReadBytes(path string) ([]byte, error) {
	fl, err := s.acquire(path, true)
	if err != nil {
		logging.StoreWarn("ReadBytes %s: %v", path, err)
		return nil, err
	}
	defer fl.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// WriteJSON writes value to path under an exclusive lock.
// The content is written to a sibling temp file, fsynced, then renamed
// over the target before the lock is released.
func (s *Store) WriteJSON(path string, value interface{}) error {
	fl, err := s.acquire(path, false)
	if err != nil {
		logging.StoreError("WriteJSON %s: %v", path, err)
		return err
	}
	defer fl.Unlock()

	return writeLocked(path, value)
}

// UpdateJSON performs a read-modify-write under one exclusive lock.
// out is both the default and the mutation target: the current file
// content is read into out when present, fn mutates out, and out is
// written back. A missing or malformed file leaves out at its default.
func (s *Store) UpdateJSON(path string, out interface{}, fn func() error) error {
	fl, err := s.acquire(path, false)
	if err != nil {
		logging.StoreError("UpdateJSON %s: %v", path, err)
		return err
	}
	defer fl.Unlock()

	data, err := os.ReadFile(path)
	if err == nil {
		if uerr := json.Unmarshal(data, out); uerr != nil {
			logging.StoreWarn("UpdateJSON %s: malformed JSON, using default: %v", path, uerr)
		}
	} else if !os.IsNotExist(err) {
		logging.StoreError("UpdateJSON %s: %v", path, err)
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := fn(); err != nil {
		return err
	}

	return writeLocked(path, out)
}

// writeLocked publishes value at path. Callers hold the exclusive lock.
func writeLocked(path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}

	logging.StoreDebug("wrote %s (%d bytes)", path, len(data))
	return nil
}

// ReadJSON reads path into out using the default store.
func ReadJSON(path string, out interface{}) error {
	return defaultStore.ReadJSON(path, out)
}

// WriteJSON writes value to path using the default store.
func WriteJSON(path string, value interface{}) error {
	return defaultStore.WriteJSON(path, value)
}

// UpdateJSON performs a locked read-modify-write using the default store.
func UpdateJSON(path string, out interface{}, fn func() error) error {
	return defaultStore.UpdateJSON(path, out, fn)
}
