// Package dirlock provides a mutually exclusive lock scoped to a directory.
//
// The lock serializes writers across processes (an advisory flock on a
// lock file inside the directory) and across goroutines within a process
// (a per-directory mutex; flock alone does not exclude callers sharing a
// file table). Acquisition blocks until the lock is available.
package dirlock

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// LockFileName is the lock file created inside the locked directory.
const LockFileName = "lock"

// procLocks serializes goroutines of this process per absolute directory.
var procLocks sync.Map // abs dir -> *sync.Mutex

// Guard holds an acquired directory lock until Release is called.
type Guard struct {
	dir      string
	fileLock *flock.Flock
	procMu   *sync.Mutex
	released bool
}

// Acquire blocks until the directory lock is held and returns a guard.
// Callers must not acquire the same directory twice from one goroutine;
// a second acquisition blocks until the first guard is released.
func Acquire(dir string) (*Guard, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve lock directory %s: %w", dir, err)
	}

	muAny, _ := procLocks.LoadOrStore(abs, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()

	fl := flock.New(filepath.Join(abs, LockFileName))
	if err := fl.Lock(); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("failed to lock directory %s: %w", abs, err)
	}

	return &Guard{dir: abs, fileLock: fl, procMu: mu}, nil
}

// Dir returns the locked directory.
func (g *Guard) Dir() string {
	return g.dir
}

// Release drops the lock. Releasing twice is a no-op.
func (g *Guard) Release() error {
	if g.released {
		return nil
	}
	g.released = true

	err := g.fileLock.Unlock()
	g.procMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to unlock directory %s: %w", g.dir, err)
	}
	return nil
}
