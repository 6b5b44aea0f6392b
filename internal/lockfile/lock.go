// Package lockfile keeps two autosubmit runs from overlapping. The lock is a
// "running" marker in the cache directory, guarded by an exclusive flock so
// that a marker left behind by a crashed run does not block the next one.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// FileName is the marker created in the cache directory.
const FileName = "running"

// ErrLocked is returned by Acquire when another run holds the lock.
var ErrLocked = errors.New("another instance is running")

// LockInfo is written into the marker for diagnostics.
type LockInfo struct {
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Project   string    `json:"project,omitempty"`
}

// Lock is a held run lock.
type Lock struct {
	flock *flock.Flock
	path  string
}

// Path returns the marker path for dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Acquire takes the run lock in dir without blocking. It returns ErrLocked
// when another process holds it.
func Acquire(dir, project string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("cannot create %s: %w", dir, err)
	}
	path := Path(dir)
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrLocked
	}

	info := LockInfo{
		PID:       os.Getpid(),
		ParentPID: os.Getppid(),
		StartedAt: time.Now().UTC(),
		Project:   project,
	}
	data, err := json.Marshal(info)
	if err == nil {
		err = os.WriteFile(path, data, 0o600)
	}
	if err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("failed to write run lock %s: %w", path, err)
	}

	return &Lock{flock: fl, path: path}, nil
}

// Release empties the marker and drops the lock. The marker file itself
// stays: every run must lock the same inode.
// Safe to call multiple times (idempotent).
func (l *Lock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	var errs []error
	if err := os.Truncate(l.path, 0); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := l.flock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	l.flock = nil
	return errors.Join(errs...)
}

// ReadLockInfo reads the marker in dir. Markers written by older releases
// are empty or hold a plain PID; both are accepted.
func ReadLockInfo(dir string) (*LockInfo, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		return nil, err
	}

	body := strings.TrimSpace(string(data))
	if body == "" {
		return &LockInfo{}, nil
	}

	var info LockInfo
	if err := json.Unmarshal([]byte(body), &info); err == nil {
		return &info, nil
	}

	pid, err := strconv.Atoi(body)
	if err != nil {
		return nil, fmt.Errorf("invalid lock file format: %w", err)
	}
	return &LockInfo{PID: pid}, nil
}

// Status describes the run lock of a cache directory.
type Status struct {
	Held  bool      `json:"held"`
	Alive bool      `json:"alive"` // holder process exists, when a PID is known
	Info  *LockInfo `json:"info,omitempty"`
}

// Probe reports whether a run currently holds the lock in dir, without
// taking it for longer than the check.
func Probe(dir string) (Status, error) {
	path := Path(dir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Status{}, nil
	}

	var st Status
	if info, err := ReadLockInfo(dir); err == nil {
		st.Info = info
		st.Alive = info.PID > 0 && isProcessRunning(info.PID)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return st, fmt.Errorf("cannot check run lock %s: %w", path, err)
	}
	if locked {
		_ = fl.Unlock()
		return st, nil
	}
	st.Held = true
	return st, nil
}
