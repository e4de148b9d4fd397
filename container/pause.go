// Package container implements the pause and resume operations.
package container

import (
	"context"
	"fmt"

	"ocirun/cgroups"
	"ocirun/cgroups/backend"
	cerrors "ocirun/errors"
	"ocirun/spec"
)

// Pause freezes all processes in a running container via the cgroup freezer.
func Pause(ctx context.Context, id, stateRoot string) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "load container")
	}

	c.RefreshStatus()
	if !c.State.Status.CanPause() {
		return cerrors.WrapWithContainer(nil, cerrors.ErrInvalidState, "pause", id)
	}

	cgroup, err := backend.Open(ctx, cgroupPathFor(c), c.State.UseSystemd)
	if err != nil {
		return fmt.Errorf("open cgroup: %w", err)
	}
	if err := cgroup.Freeze(cgroups.Frozen); err != nil {
		return fmt.Errorf("freeze: %w", err)
	}

	return c.UpdateStatus(spec.StatusPaused)
}

// Resume thaws a paused container's processes.
func Resume(ctx context.Context, id, stateRoot string) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "load container")
	}

	c.RefreshStatus()
	if !c.State.Status.CanResume() {
		return cerrors.WrapWithContainer(nil, cerrors.ErrInvalidState, "resume", id)
	}

	cgroup, err := backend.Open(ctx, cgroupPathFor(c), c.State.UseSystemd)
	if err != nil {
		return fmt.Errorf("open cgroup: %w", err)
	}
	if err := cgroup.Freeze(cgroups.Thawed); err != nil {
		return fmt.Errorf("thaw: %w", err)
	}

	return c.UpdateStatus(spec.StatusRunning)
}
