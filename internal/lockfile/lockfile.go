// Package lockfile provides the cross-process exclusive lock that elects the
// leader for an application identity.
package lockfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Suffix is appended to the identity to name the lock file.
const Suffix = ".lock"

// maxAttempts bounds retries when the lock file is replaced underneath us.
const maxAttempts = 5

// ErrLock reports that the lock file could not be opened or created.
var ErrLock = errors.New("lockfile: cannot open lock file")

// errReplaced marks an attempt whose locked file is no longer the one at Path.
var errReplaced = errors.New("lockfile: lock file replaced during acquire")

// Lock is a held exclusive lock on <dir>/<identity>.lock.
type Lock struct {
	path string

	mu       sync.Mutex
	flock    *flock.Flock
	released bool
}

// PathFor returns the lock file path for identity inside dir.
func PathFor(dir, identity string) string {
	return filepath.Join(dir, identity+Suffix)
}

// TryAcquire attempts a non-blocking exclusive lock for identity. It returns
// (nil, false, nil) when another holder owns the lock and an ErrLock-wrapped
// error when the file cannot be opened. It never blocks.
func TryAcquire(dir, identity string) (*Lock, bool, error) {
	path := PathFor(dir, identity)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lock, ok, err := tryOnce(path)
		if errors.Is(err, errReplaced) {
			continue
		}
		return lock, ok, err
	}
	return nil, false, nil
}

func tryOnce(path string) (*Lock, bool, error) {
	before, err := touch(path)
	if err != nil {
		return nil, false, fmt.Errorf("%w %s: %v", ErrLock, path, err)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("%w %s: %v", ErrLock, path, err)
	}
	if !ok {
		return nil, false, nil
	}

	// A holder deletes the file before unlocking, so a path that no longer
	// names the file we locked means our lock guards an orphaned inode.
	after, err := os.Stat(path)
	if err != nil || !os.SameFile(before, after) {
		_ = fl.Unlock()
		return nil, false, errReplaced
	}

	return &Lock{path: path, flock: fl}, true, nil
}

func touch(path string) (os.FileInfo, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	info, statErr := file.Stat()
	closeErr := file.Close()
	if statErr != nil {
		return nil, statErr
	}
	if closeErr != nil {
		return nil, closeErr
	}
	return info, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Held reports whether the lock has not been released.
func (l *Lock) Held() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.released
}

// Release deletes the lock file and then drops the lock. Deletion errors are
// ignored. Calling Release more than once is a no-op.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	_ = os.Remove(l.path)
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

// Probe reports whether another process currently holds the lock for identity.
// It opens the file read-only and tries a shared lock, so it never creates or
// deletes the file. A holder of the exclusive lock makes the shared attempt
// fail. The shared lock is held only for the attempt; an acquirer racing with
// it sees the lock as busy and falls back to the promotion retry.
func Probe(dir, identity string) (bool, error) {
	path := PathFor(dir, identity)
	fl := flock.New(path, flock.SetFlag(os.O_RDONLY))
	ok, err := fl.TryRLock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w %s: %v", ErrLock, path, err)
	}
	if !ok {
		return true, nil
	}
	if err := fl.Unlock(); err != nil {
		return false, fmt.Errorf("unlock %s: %w", path, err)
	}
	return false, nil
}
