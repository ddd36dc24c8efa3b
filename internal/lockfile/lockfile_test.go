package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquire_WritesHolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	lock, err := Acquire(dir, "serve")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path() = %q", lock.Path())
	}
	h := ReadHolder(lock.Path())
	if h.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", h.PID, os.Getpid())
	}
	if h.Command != "serve" {
		t.Errorf("Command = %q", h.Command)
	}
	if !h.Running {
		t.Error("own process should be reported as running")
	}
	if time.Since(h.Started) > time.Minute {
		t.Errorf("Started = %v", h.Started)
	}
}

func TestAcquire_Conflict(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, "serve")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir, "migrate")
	if err == nil {
		second.Release()
		t.Fatal("second Acquire should fail while the first lock is held")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("error should match ErrLocked: %v", err)
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Holder.Command != "serve" {
		t.Errorf("holder command = %q, the losing process must not overwrite it", lockErr.Holder.Command)
	}
	if !strings.Contains(err.Error(), dir) {
		t.Errorf("error should name the lock path: %s", err)
	}
}

func TestRelease_AllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "prune")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}

	again, err := Acquire(dir, "prune")
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	again.Release()
}

func TestReadHolder(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    Holder
	}{
		{"missing", "", Holder{}},
		{"garbled", "not a lock file", Holder{}},
		{
			name:    "stale",
			content: "pid=999999\ncommand=serve\nstarted=2026-10-01T08:00:00Z\n",
			want:    Holder{PID: 999999, Command: "serve", Started: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)},
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, fmt.Sprintf("lock-%d", i))
			if tt.content != "" {
				if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
					t.Fatalf("write: %v", err)
				}
			}
			got := ReadHolder(path)
			if got.PID != tt.want.PID || got.Command != tt.want.Command || !got.Started.Equal(tt.want.Started) {
				t.Errorf("ReadHolder() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("zero holder = %q", got)
	}
	h := Holder{PID: 42, Command: "serve", Running: true}
	if got := h.String(); got != "PID 42 (running) serve" {
		t.Errorf("String() = %q", got)
	}
	h.Running = false
	if !strings.Contains(h.String(), "stale lock") {
		t.Errorf("String() = %q", h.String())
	}
}
