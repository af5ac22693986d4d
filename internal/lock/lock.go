// ABOUTME: Single-instance guard backed by a pid file
// ABOUTME: Detects stale owners, refuses live ones, and supports operator-forced reclaim

package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrLocked is wrapped by ConflictError.
	ErrLocked = errors.New("lock held by another running process")

	// ErrNotLocked is returned by Reclaim when there is no lock file.
	ErrNotLocked = errors.New("no lock file")
)

// pollInterval is how often Reclaim checks whether the owner has exited.
const pollInterval = 50 * time.Millisecond

// ConflictError reports a live process holding the lock.
type ConflictError struct {
	Path string
	PID  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("another instance is already running (pid %d, lock %s); stop it or run 'coven-projects reclaim'", e.PID, e.Path)
}

func (e *ConflictError) Unwrap() error {
	return ErrLocked
}

// Options configures Acquire.
type Options struct {
	// Path is the lock file.
	Path string
	// ArtifactPath is a file left behind by whoever last used the shared
	// session resource. Its presence only produces a warning.
	ArtifactPath string
	Logger       *slog.Logger
}

// Guard is a held lock.
type Guard struct {
	path   string
	pid    int
	logger *slog.Logger
	once   sync.Once
}

// Acquire takes the lock for the current process. A lock naming a dead
// process is removed first. A lock naming a live process other than this one
// returns *ConflictError and leaves the file untouched.
func Acquire(opts Options) (*Guard, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "lock", "path", opts.Path)
	self := os.Getpid()

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		owner, err := ReadPID(opts.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			logger.Warn("unreadable lock file, treating as stale", "error", err)
			if err := removeIfExists(opts.Path); err != nil {
				return nil, err
			}
		case owner != self && Alive(owner):
			return nil, &ConflictError{Path: opts.Path, PID: owner}
		default:
			if owner != self {
				logger.Info("removing stale lock", "stale_pid", owner)
			}
			if err := removeIfExists(opts.Path); err != nil {
				return nil, err
			}
		}

		if opts.ArtifactPath != "" {
			if _, err := os.Stat(opts.ArtifactPath); err == nil {
				logger.Warn("session artifact present; another client may still be using the session",
					"artifact", opts.ArtifactPath)
			}
		}

		err = writePID(opts.Path, self)
		if errors.Is(err, fs.ErrExist) {
			// Someone created it between our check and our write.
			continue
		}
		if err != nil {
			return nil, err
		}

		logger.Debug("lock acquired", "pid", self)
		return &Guard{path: opts.Path, pid: self, logger: logger}, nil
	}

	owner, err := ReadPID(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	return nil, &ConflictError{Path: opts.Path, PID: owner}
}

// Path returns the lock file path.
func (g *Guard) Path() string {
	return g.path
}

// Release removes the lock file if it still names this process. It is safe
// to call more than once.
func (g *Guard) Release() {
	g.once.Do(func() {
		owner, err := ReadPID(g.path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				g.logger.Warn("reading lock on release", "error", err)
			}
			return
		}
		if owner != g.pid {
			g.logger.Warn("lock now names another process, leaving it", "owner", owner)
			return
		}
		if err := removeIfExists(g.path); err != nil {
			g.logger.Warn("removing lock", "error", err)
			return
		}
		g.logger.Debug("lock released")
	})
}

// ReleaseOnPanic must be deferred directly. If the goroutine is panicking it
// releases the lock and re-panics.
func (g *Guard) ReleaseOnPanic() {
	if p := recover(); p != nil {
		g.Release()
		panic(p)
	}
}

// Reclaim forcibly takes the lock back from its owner: SIGTERM, up to grace
// for it to exit, then SIGKILL. The lock file is removed afterwards. It
// returns the pid that held the lock.
func Reclaim(ctx context.Context, path string, grace time.Duration, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "lock", "path", path)

	owner, err := ReadPID(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotLocked
	}
	if err != nil {
		logger.Warn("unreadable lock file, removing", "error", err)
		return 0, removeIfExists(path)
	}
	if owner == os.Getpid() {
		return owner, fmt.Errorf("refusing to reclaim a lock held by this process (pid %d)", owner)
	}

	if Alive(owner) {
		logger.Info("terminating lock owner", "pid", owner)
		if err := unix.Kill(owner, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			return owner, fmt.Errorf("signaling pid %d: %w", owner, err)
		}
		if !waitForExit(ctx, owner, grace) {
			logger.Warn("lock owner did not exit in time, killing", "pid", owner, "grace", grace)
			if err := unix.Kill(owner, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				return owner, fmt.Errorf("killing pid %d: %w", owner, err)
			}
			if !waitForExit(ctx, owner, grace) {
				return owner, fmt.Errorf("pid %d still running after SIGKILL", owner)
			}
		}
	} else {
		logger.Info("lock owner already gone", "pid", owner)
	}

	if err := removeIfExists(path); err != nil {
		return owner, err
	}
	return owner, nil
}

// Inspect reports the pid named by the lock file and whether it is running.
func Inspect(path string) (pid int, alive bool, err error) {
	pid, err = ReadPID(path)
	if err != nil {
		return 0, false, err
	}
	return pid, Alive(pid), nil
}

// ReadPID parses the lock file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("parsing lock file %s: invalid pid %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Alive reports whether pid names a running process. A process we are not
// allowed to signal still counts as running.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func waitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if !Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !Alive(pid)
		case <-deadline.C:
			return !Alive(pid)
		case <-ticker.C:
		}
	}
}

func writePID(path string, pid int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("creating lock file: %w", err)
	}
	if _, err := f.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("writing lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("closing lock file: %w", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}
