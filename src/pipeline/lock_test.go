package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestImageLockExcludesSameName(t *testing.T) {
	stateDir := t.TempDir()

	first, err := AcquireImageLock(context.Background(), stateDir, "bundle/server")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = AcquireImageLock(ctx, stateDir, "bundle/server")
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("second acquire = %v, want ErrAborted", err)
	}

	first.Release()
	second, err := AcquireImageLock(context.Background(), stateDir, "bundle/server")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	second.Release()
}

func TestImageLockDifferentNamesConcurrent(t *testing.T) {
	stateDir := t.TempDir()

	a, err := AcquireImageLock(context.Background(), stateDir, "bundle/alpha")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()

	b, err := AcquireImageLock(context.Background(), stateDir, "bundle/beta")
	if err != nil {
		t.Fatalf("different image name blocked: %v", err)
	}
	b.Release()
}

func TestImageLockReclaimsStale(t *testing.T) {
	stateDir := t.TempDir()
	dir := filepath.Join(stateDir, "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// A lock file with an unreadable owner is stale.
	path := filepath.Join(dir, sanitizeName("bundle/server")+".lock")
	if err := os.WriteFile(path, []byte("garbage\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := AcquireImageLock(ctx, stateDir, "bundle/server")
	if err != nil {
		t.Fatalf("stale lock not reclaimed: %v", err)
	}
	l.Release()
}

func TestImageLockNeverVisibleWithoutOwner(t *testing.T) {
	stateDir := t.TempDir()

	l, err := AcquireImageLock(context.Background(), stateDir, "bundle/server")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	// The lock file appears with the owner pid already recorded, so a
	// competing invocation can never read it half-written and reclaim a
	// live lock.
	path := filepath.Join(stateDir, "locks", sanitizeName("bundle/server")+".lock")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid != os.Getpid() {
		t.Fatalf("lock owner = %q, want pid %d", data, os.Getpid())
	}
	if stale(path) {
		t.Fatal("live lock judged stale")
	}
}

func TestImageLockMutualExclusionUnderContention(t *testing.T) {
	stateDir := t.TempDir()

	var holders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := AcquireImageLock(context.Background(), stateDir, "bundle/server")
			if err != nil {
				t.Error(err)
				return
			}
			if n := holders.Add(1); n != 1 {
				t.Errorf("%d invocations hold the lock at once", n)
			}
			time.Sleep(10 * time.Millisecond)
			holders.Add(-1)
			l.Release()
		}()
	}
	wg.Wait()
}

func TestImageLockReleaseIdempotent(t *testing.T) {
	l, err := AcquireImageLock(context.Background(), t.TempDir(), "img")
	if err != nil {
		t.Fatal(err)
	}
	l.Release()
	l.Release()
}
