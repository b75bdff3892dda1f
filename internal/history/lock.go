package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var ErrLocked = errors.New("run lock held")

// FileLock is an exclusive lock file shared by every process using the same
// data directory. A lock older than StaleAfter is assumed abandoned.
type FileLock struct {
	Path       string
	StaleAfter time.Duration
}

// Acquire creates the lock file or returns ErrLocked. The returned func
// removes it.
func (l FileLock) Acquire() (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			_ = f.Close()
			return func() error {
				err := os.Remove(l.Path)
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if !l.stale() {
			break
		}
		if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, l.Path)
}

func (l FileLock) stale() bool {
	if l.StaleAfter <= 0 {
		return false
	}
	info, err := os.Stat(l.Path)
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	return time.Since(info.ModTime()) > l.StaleAfter
}
