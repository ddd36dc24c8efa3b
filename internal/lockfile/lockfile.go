// Package lockfile keeps two StampPipe processes from sharing one state directory. The
// directory holds the whatsmeow session database and locally stored media, neither of
// which tolerates concurrent writers.
//
// The lock is an flock on a file inside the directory, so the kernel drops it when the
// process dies, however it dies.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "stamppipe.lock"

// ErrLocked reports that another process holds the state directory.
var ErrLocked = errors.New("state directory is locked by another StampPipe process")

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Command string
	Started time.Time
	Running bool
}

func (h Holder) String() string {
	if h.PID == 0 {
		return "unknown process"
	}
	state := "not running, stale lock"
	if h.Running {
		state = "running"
	}
	s := fmt.Sprintf("PID %d (%s)", h.PID, state)
	if h.Command != "" {
		s += " " + h.Command
	}
	if !h.Started.IsZero() {
		s += " since " + h.Started.Format(time.RFC3339)
	}
	return s
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock on stateDir, creating the directory if needed. command names
// the subcommand holding the lock and is recorded for whoever finds it taken.
func Acquire(stateDir, command string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := ReadHolder(lockPath)
		slog.Error("lockfile.Acquire: state directory busy", "lock_path", lockPath, "holder", holder.String())
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	// Truncate only once the lock is ours so a losing process never wipes the holder.
	if err := file.Truncate(0); err != nil {
		unlock(file)
		return nil, fmt.Errorf("truncate lock file %s: %w", lockPath, err)
	}
	info := fmt.Sprintf("pid=%d\ncommand=%s\nstarted=%s\n", os.Getpid(), command, time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteAt([]byte(info), 0); err != nil {
		unlock(file)
		return nil, fmt.Errorf("write lock file %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.Acquire: sync failed", "error", err, "lock_path", lockPath)
	}

	slog.Info("lockfile.Acquire: state directory locked", "lock_path", lockPath, "pid", os.Getpid(), "command", command)
	return &Lock{file: file, path: lockPath}, nil
}

// Release drops the lock and removes the file. Calling it twice is harmless.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so a waiting process never locks a file about to vanish.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Lock.Release: failed to remove lock file", "error", err, "lock_path", l.path)
	}
	unlock(l.file)
	l.file = nil
	slog.Debug("Lock.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// Path is the lock file location.
func (l *Lock) Path() string { return l.path }

func unlock(f *os.File) {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile: flock unlock failed", "error", err)
	}
	f.Close()
}

// LockError is returned when the state directory is held by another process.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another StampPipe process is using this state directory (lock file %s, held by %s); "+
		"remove the lock file only if that process is gone", e.LockPath, e.Holder)
}

// Is lets callers match with errors.Is(err, ErrLocked).
func (e *LockError) Is(target error) bool { return target == ErrLocked }

func (e *LockError) Unwrap() error { return e.Cause }

// ReadHolder parses the lock file at path. Missing or garbled files give a zero Holder.
func ReadHolder(path string) Holder {
	f, err := os.Open(path)
	if err != nil {
		return Holder{}
	}
	defer f.Close()

	var h Holder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(val)
		case "command":
			h.Command = val
		case "started":
			h.Started, _ = time.Parse(time.RFC3339, val)
		}
	}
	if h.PID > 0 {
		h.Running = processRunning(h.PID)
	}
	return h
}

// processRunning checks pid with signal 0.
func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
