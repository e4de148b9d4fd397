package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"ocirun/spec"
)

func newTestContainer(t *testing.T, status spec.ContainerStatus, pid int) (ctx context.Context, id, stateRoot string) {
	t.Helper()
	tmpDir := t.TempDir()

	bundleDir := filepath.Join(tmpDir, "bundle")
	if err := os.MkdirAll(filepath.Join(bundleDir, "rootfs"), 0755); err != nil {
		t.Fatalf("mkdir bundle: %v", err)
	}
	s := spec.DefaultSpec()
	if err := s.Save(filepath.Join(bundleDir, "config.json")); err != nil {
		t.Fatalf("write config.json: %v", err)
	}

	stateRoot = filepath.Join(tmpDir, "state")
	ctx = context.Background()
	id = "pause-test"

	c, err := New(ctx, id, bundleDir, stateRoot)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.InitProcess = pid
	c.State.Pid = pid
	c.State.Status = status
	if err := c.SaveState(); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	return ctx, id, stateRoot
}

func TestPauseRejectsWrongStatus(t *testing.T) {
	ctx, id, stateRoot := newTestContainer(t, spec.StatusCreated, os.Getpid())

	if err := Pause(ctx, id, stateRoot); err == nil {
		t.Error("Pause() on a created (not running) container = nil error, want error")
	}
}

func TestResumeRejectsWrongStatus(t *testing.T) {
	ctx, id, stateRoot := newTestContainer(t, spec.StatusRunning, os.Getpid())

	if err := Resume(ctx, id, stateRoot); err == nil {
		t.Error("Resume() on a running (not paused) container = nil error, want error")
	}
}

func TestPauseUnknownContainer(t *testing.T) {
	ctx := context.Background()
	if err := Pause(ctx, "does-not-exist", t.TempDir()); err == nil {
		t.Error("Pause() on unknown container = nil error, want error")
	}
}
