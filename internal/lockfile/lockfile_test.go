package lockfile_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"soloist/internal/lockfile"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	dir := t.TempDir()

	first, ok, err := lockfile.TryAcquire(dir, "app")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	t.Cleanup(func() { _ = first.Release() })

	second, ok, err := lockfile.TryAcquire(dir, "app")
	if err != nil {
		t.Fatalf("second acquire returned error: %v", err)
	}
	if ok || second != nil {
		t.Fatal("expected second acquire to fail while the lock is held")
	}

	other, ok, err := lockfile.TryAcquire(dir, "other-app")
	if err != nil || !ok {
		t.Fatalf("independent identity should lock: ok=%v err=%v", ok, err)
	}
	_ = other.Release()
}

func TestReleaseDeletesFileAndAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, ok, err := lockfile.TryAcquire(dir, "app")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if lock.Path() != filepath.Join(dir, "app.lock") {
		t.Fatalf("unexpected path %q", lock.Path())
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if lock.Held() {
		t.Fatal("expected lock to report released")
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected lock file removed, stat err=%v", err)
	}

	again, ok, err := lockfile.TryAcquire(dir, "app")
	if err != nil || !ok {
		t.Fatalf("reacquire: ok=%v err=%v", ok, err)
	}
	_ = again.Release()
}

func TestStaleLockFileDoesNotBlock(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.lock"), nil, 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}
	lock, ok, err := lockfile.TryAcquire(dir, "app")
	if err != nil || !ok {
		t.Fatalf("acquire over stale file: ok=%v err=%v", ok, err)
	}
	_ = lock.Release()
}

func TestTryAcquireMissingDirectoryReportsErrLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	lock, ok, err := lockfile.TryAcquire(dir, "app")
	if ok || lock != nil {
		t.Fatal("expected acquire to fail")
	}
	if !errors.Is(err, lockfile.ErrLock) {
		t.Fatalf("expected ErrLock, got %v", err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	dir := t.TempDir()
	const contenders = 16

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		mu      sync.Mutex
		held    []*lockfile.Lock
	)
	start := make(chan struct{})
	for range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lock, ok, err := lockfile.TryAcquire(dir, "race")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				winners.Add(1)
				mu.Lock()
				held = append(held, lock)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
	for _, lock := range held {
		_ = lock.Release()
	}
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()

	held, err := lockfile.Probe(dir, "app")
	if err != nil || held {
		t.Fatalf("probe without file: held=%v err=%v", held, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "app.lock")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("probe must not create the lock file")
	}

	lock, ok, err := lockfile.TryAcquire(dir, "app")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	held, err = lockfile.Probe(dir, "app")
	if err != nil || !held {
		t.Fatalf("probe while held: held=%v err=%v", held, err)
	}
	if _, err := os.Stat(lock.Path()); err != nil {
		t.Fatalf("probe must not delete the lock file: %v", err)
	}
	_ = lock.Release()

	held, err = lockfile.Probe(dir, "app")
	if err != nil || held {
		t.Fatalf("probe after release: held=%v err=%v", held, err)
	}
}

func TestProbeLeavesStaleFileAcquirable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.lock")
	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	held, err := lockfile.Probe(dir, "app")
	if err != nil || held {
		t.Fatalf("probe stale file: held=%v err=%v", held, err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "stale" {
		t.Fatalf("probe must leave the file untouched: %q %v", data, err)
	}

	lock, ok, err := lockfile.TryAcquire(dir, "app")
	if err != nil || !ok {
		t.Fatalf("acquire after probe: ok=%v err=%v", ok, err)
	}
	_ = lock.Release()

	held, err = lockfile.Probe(dir, "app")
	if err != nil || held {
		t.Fatalf("probe after release: held=%v err=%v", held, err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("probe must not recreate a released lock file: %v", err)
	}
}
