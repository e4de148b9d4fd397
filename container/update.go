// Package container implements the update and stats operations.
package container

import (
	"context"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"ocirun/cgroups"
	"ocirun/cgroups/backend"
	cerrors "ocirun/errors"
	"ocirun/spec"
)

// Update applies new resource limits to a running (or created) container's
// cgroup, without restarting any process.
func Update(ctx context.Context, id, stateRoot string, resources *specs.LinuxResources) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrInternal, "load container")
	}

	c.RefreshStatus()
	if c.State.Status == spec.StatusStopped || c.State.Status == spec.StatusCreating {
		return cerrors.WrapWithContainer(nil, cerrors.ErrInvalidState, "update", id)
	}

	cgroup, err := backend.Open(ctx, cgroupPathFor(c), c.State.UseSystemd)
	if err != nil {
		return fmt.Errorf("open cgroup: %w", err)
	}

	if err := cgroup.Apply(&cgroups.Options{Resources: resources}); err != nil {
		return fmt.Errorf("apply resources: %w", err)
	}

	if c.Spec != nil && c.Spec.Linux != nil {
		c.Spec.Linux.Resources = resources
	}

	return nil
}

// Stats returns the current resource usage for a container's cgroup.
func Stats(ctx context.Context, id, stateRoot string) (*cgroups.Stats, error) {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "load container")
	}

	cgroup, err := backend.Open(ctx, cgroupPathFor(c), c.State.UseSystemd)
	if err != nil {
		return nil, fmt.Errorf("open cgroup: %w", err)
	}

	return cgroup.Stats()
}
