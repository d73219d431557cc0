package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// lockPollInterval is how often Acquire retries a held lock.
const lockPollInterval = 200 * time.Millisecond

// ImageLock is a named mutual-exclusion lock keyed on the output image
// name. Two pipeline invocations targeting the same image name exclude
// each other; different names run fully concurrently.
type ImageLock struct {
	path string
}

// AcquireImageLock blocks until the lock for imageName is held or ctx is
// done. The lock is a pid-stamped file linked into place atomically under
// <stateDir>/locks; a lock whose owning process is gone is reclaimed.
// Cancellation while waiting reports ErrAborted.
func AcquireImageLock(ctx context.Context, stateDir, imageName string) (*ImageLock, error) {
	dir := filepath.Join(stateDir, "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	path := filepath.Join(dir, sanitizeName(imageName)+".lock")

	for {
		err := publishLock(dir, path)
		if err == nil {
			return &ImageLock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquiring build lock for %s: %w", imageName, err)
		}

		if stale(path) {
			os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for build lock on %s: %w", imageName, ErrAborted)
		case <-time.After(lockPollInterval):
		}
	}
}

// publishLock stamps the owner pid into a temp file and links it into
// place, so the lock is never visible without its owner recorded. The
// link fails with ErrExist while another invocation holds the lock.
func publishLock(dir, path string) error {
	tmp, err := os.CreateTemp(dir, ".pending-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := fmt.Fprintf(tmp, "%d\n", os.Getpid()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), path)
}

// Release removes the lock file. Safe to call more than once.
func (l *ImageLock) Release() {
	if l != nil && l.path != "" {
		os.Remove(l.path)
		l.path = ""
	}
}

// stale reports whether the lock file's recorded process no longer exists.
func stale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true // unreadable owner, reclaim
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	err = proc.Signal(syscall.Signal(0))
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
