package audit

import (
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
)

// File appends formatted events to a file shared with other processes. Each
// line is written under an advisory lock on path+".lock" so concurrent
// servers never interleave partial lines.
type File struct {
	mu   sync.Mutex
	f    *os.File
	lock *flock.Flock
}

func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &File{f: f, lock: flock.New(path + ".lock")}, nil
}

func (a *File) Audit(e *Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.f == nil {
		return os.ErrClosed
	}
	if err := a.lock.Lock(); err != nil {
		return fmt.Errorf("lock audit file: %w", err)
	}
	defer a.lock.Unlock()

	if _, err := a.f.WriteString(e.Format() + "\n"); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func (a *File) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}
