package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-ps"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
	"github.com/oshokin/appliance-updater/internal/logger"
)

// Filename is the lock file name inside the state directory.
const Filename = "update.lock"

const (
	// guardSuffix names the file that serializes stale lock recovery.
	guardSuffix = ".reclaim"
	// staleGrace is how long an unreadable lock or a reclaim guard is treated as live.
	staleGrace = 10 * time.Second
	// unknownOwner is reported when the holder's PID cannot be read.
	unknownOwner = -1
)

// ErrNotHeld is returned when releasing a lock this instance does not own.
var ErrNotHeld = errors.New("run lock is not held")

// LockedError reports the process that currently holds the lock.
type LockedError struct {
	PID int
}

// Error implements error.
func (e *LockedError) Error() string {
	return fmt.Sprintf("update run held by process %d", e.PID)
}

// Unwrap makes errors.Is(err, domain.ErrAlreadyRunning) hold.
func (e *LockedError) Unwrap() error {
	return domain.ErrAlreadyRunning
}

// Lock is a PID file lock.
type Lock struct {
	path  string
	pid   int
	alive func(pid int) bool
	now   func() time.Time

	mu   sync.Mutex
	held bool
}

// New creates a lock at path owned by the current process.
func New(path string) *Lock {
	return &Lock{
		path:  filepath.Clean(path),
		pid:   os.Getpid(),
		alive: processAlive,
		now:   time.Now,
	}
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock, recovering it from dead owners.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return &LockedError{PID: l.pid}
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	err := l.create()
	if err == nil {
		l.held = true
		return nil
	}

	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create lock: %w", err)
	}

	if err = l.reclaim(ctx); err != nil {
		return err
	}

	l.held = true

	return nil
}

// reclaim replaces a lock whose owner is gone. Reclaiming happens under an exclusive
// guard file and the owner is re-read under it, so two processes never both replace
// the same stale lock.
func (l *Lock) reclaim(ctx context.Context) error {
	guard := l.path + guardSuffix

	if err := l.takeGuard(guard); err != nil {
		return err
	}

	defer func() {
		_ = os.Remove(guard)
	}()

	owner, err := l.owner()

	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		if l.young() {
			return &LockedError{PID: unknownOwner}
		}

		logger.WarnKV(ctx, "Removing unreadable run lock", "path", l.path, "error", err)
	case owner != l.pid && l.alive(owner):
		return &LockedError{PID: owner}
	default:
		logger.WarnKV(ctx, "Removing stale run lock", "path", l.path, "owner", owner)
	}

	if err = os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale lock: %w", err)
	}

	if err = l.create(); err != nil {
		if errors.Is(err, os.ErrExist) {
			return &LockedError{PID: unknownOwner}
		}

		return fmt.Errorf("create lock: %w", err)
	}

	return nil
}

// takeGuard creates the reclaim guard. A guard left behind by a crashed process
// expires after staleGrace.
func (l *Lock) takeGuard(guard string) error {
	for range 2 {
		file, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return file.Close()
		}

		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create lock guard: %w", err)
		}

		info, statErr := os.Stat(guard)
		if statErr != nil || l.now().Sub(info.ModTime()) < staleGrace {
			return &LockedError{PID: unknownOwner}
		}

		_ = os.Remove(guard)
	}

	return &LockedError{PID: unknownOwner}
}

// young reports whether the lock file was written within staleGrace.
func (l *Lock) young() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}

	return l.now().Sub(info.ModTime()) < staleGrace
}

// Release drops the lock.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return ErrNotHeld
	}

	l.held = false

	owner, err := l.owner()
	if err != nil || owner != l.pid {
		return ErrNotHeld
	}

	if err = os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}

	return nil
}

// Holder returns the PID recorded in the lock file when its owner is alive.
func (l *Lock) Holder() (int, bool) {
	owner, err := l.owner()
	if err != nil || !l.alive(owner) {
		return 0, false
	}

	return owner, true
}

// create publishes a fully written lock file. The PID is written to a private file
// first and then hard linked into place, so the lock never exists without its owner.
func (l *Lock) create() error {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return err
	}

	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	_, writeErr := tmp.WriteString(strconv.Itoa(l.pid) + "\n")
	if err = errors.Join(writeErr, tmp.Close()); err != nil {
		return err
	}

	return os.Link(tmp.Name(), l.path)
}

func (l *Lock) owner() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}

	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive reports whether a process with the PID exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := ps.FindProcess(pid)

	return err == nil && process != nil
}
