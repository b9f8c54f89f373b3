// Package lock keeps two processes from reconciling the same state
// directory at once.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Ning0612/cloudmirror/internal/domain"
)

const (
	// LockFileName is the name of the lock file inside the state directory
	LockFileName = ".cloudmirror.lock"
	// DefaultStaleTimeout is how long a lock written on another host is honoured
	DefaultStaleTimeout = 30 * time.Minute
)

// Info describes the lock holder
type Info struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartTime time.Time `json:"start_time"`
	Purpose   string    `json:"purpose,omitempty"`
}

// FileLock is an advisory lock backed by an O_EXCL file
type FileLock struct {
	path         string
	staleTimeout time.Duration
	held         *Info
}

// NewFileLock creates a lock in stateDir. An empty stateDir uses the user config directory.
func NewFileLock(stateDir string) (*FileLock, error) {
	if stateDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config dir: %w", err)
		}
		stateDir = filepath.Join(configDir, "cloudmirror")
	}

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	return &FileLock{
		path:         filepath.Join(stateDir, LockFileName),
		staleTimeout: DefaultStaleTimeout,
	}, nil
}

// Acquire takes the lock and returns a release func
func Acquire(stateDir, purpose string) (func() error, error) {
	l, err := NewFileLock(stateDir)
	if err != nil {
		return nil, err
	}
	if err := l.Acquire(purpose); err != nil {
		return nil, err
	}
	return l.Release, nil
}

// SetStaleTimeout sets how long a foreign-host lock is honoured
func (l *FileLock) SetStaleTimeout(d time.Duration) {
	l.staleTimeout = d
}

// Path returns the lock file path
func (l *FileLock) Path() string {
	return l.path
}

// Acquire takes the lock for purpose. Acquiring a lock this instance
// already holds only updates the purpose.
func (l *FileLock) Acquire(purpose string) error {
	if l.held != nil {
		current, err := l.read()
		if err == nil && l.ownedBy(current) {
			current.Purpose = purpose
			if err := l.write(current); err != nil {
				return err
			}
			// keep held in sync with the file or Release reports a theft
			l.held.Purpose = purpose
			return nil
		}
	}

	if current, err := l.read(); err == nil {
		if !l.isStale(current) {
			return &Error{Holder: current, Reason: "lock is held by another process"}
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}

	hostname, _ := os.Hostname()
	info := &Info{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartTime: time.Now(),
		Purpose:   purpose,
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			current, readErr := l.read()
			if readErr != nil {
				return &Error{Reason: "lock acquired by another process during acquisition"}
			}
			return &Error{Holder: current, Reason: "lock acquired by another process during acquisition"}
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(info); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock info: %w", err)
	}

	l.held = info
	return nil
}

// Release drops the lock. Releasing a lock that is not held is a no-op.
func (l *FileLock) Release() error {
	if l.held == nil {
		return nil
	}

	current, err := l.read()
	if err != nil {
		l.held = nil
		return nil
	}

	if !l.ownedBy(current) {
		l.held = nil
		return errors.New("lock was stolen by another process")
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}

	l.held = nil
	return nil
}

// IsLocked reports whether a live lock exists
func (l *FileLock) IsLocked() bool {
	info, err := l.read()
	if err != nil {
		return false
	}
	return !l.isStale(info)
}

// Holder returns the live lock holder
func (l *FileLock) Holder() (*Info, error) {
	info, err := l.read()
	if err != nil {
		return nil, err
	}
	if l.isStale(info) {
		return nil, errors.New("lock is stale")
	}
	return info, nil
}

// ForceRelease removes the lock file whoever holds it
func (l *FileLock) ForceRelease() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to force remove lock: %w", err)
	}
	l.held = nil
	return nil
}

func (l *FileLock) read() (*Info, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid lock file format: %w", err)
	}
	return &info, nil
}

func (l *FileLock) write(info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0644)
}

// isStale reports whether the holder is gone. On the same host only a dead
// process makes a lock stale; a foreign host's lock expires after staleTimeout.
func (l *FileLock) isStale(info *Info) bool {
	hostname, _ := os.Hostname()
	if info.Hostname == hostname {
		return !processExists(info.PID)
	}
	return time.Since(info.StartTime) > l.staleTimeout
}

func (l *FileLock) ownedBy(info *Info) bool {
	if l.held == nil {
		return false
	}
	hostname, _ := os.Hostname()
	return info.PID == os.Getpid() &&
		info.Hostname == hostname &&
		l.held.StartTime.Equal(info.StartTime) &&
		l.held.Purpose == info.Purpose
}

// Error reports a lock held by someone else. It matches domain.ErrReconcileInProgress.
type Error struct {
	Holder *Info
	Reason string
}

func (e *Error) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("cannot acquire lock: %s (held by PID %d on %s since %s, purpose: %s)",
			e.Reason,
			e.Holder.PID,
			e.Holder.Hostname,
			e.Holder.StartTime.Format(time.RFC3339),
			e.Holder.Purpose,
		)
	}
	return fmt.Sprintf("cannot acquire lock: %s", e.Reason)
}

func (e *Error) Unwrap() error {
	return domain.ErrReconcileInProgress
}

// IsLockError reports whether err is a held-lock error
func IsLockError(err error) bool {
	var lerr *Error
	return errors.As(err, &lerr)
}
