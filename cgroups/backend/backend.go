// Package backend picks and opens the cgroup resource-control backend a
// container should use: v1, v2, or a systemd transient unit. It is the one
// seam shared by container creation/deletion and the three-stage process
// orchestrator, so both pick the same backend for the same cgroupsPath
// instead of re-deriving the choice independently.
package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"ocirun/cgroups"
	"ocirun/cgroups/systemd"
	v1 "ocirun/cgroups/v1"
	v2 "ocirun/cgroups/v2"
)

// UseSystemdDriver recognizes the "slice:prefix:name" colon-delimited form
// runc's callers use to opt into the systemd cgroup driver, as opposed to a
// plain cgroupfs path.
func UseSystemdDriver(cgroupsPath string) bool {
	return len(strings.Split(cgroupsPath, ":")) == 3
}

// UnitName derives a transient unit name from a cgroupsPath in
// "slice:prefix:name" form, falling back to a flattened path for anything
// else.
func UnitName(cgroupPath string) string {
	parts := strings.Split(cgroupPath, ":")
	if len(parts) == 3 {
		name := parts[1] + "-" + parts[2]
		if !strings.HasSuffix(name, ".scope") && !strings.HasSuffix(name, ".service") {
			name += ".scope"
		}
		return name
	}
	name := strings.ReplaceAll(strings.Trim(cgroupPath, "/"), "/", "-")
	if name == "" {
		name = "ocirun"
	}
	return "ocirun-" + name + ".scope"
}

// unifiedMode reports whether the host runs a pure cgroup v2 unified
// hierarchy, detected by the presence of cgroup.controllers at the v2 root.
func unifiedMode() bool {
	_, err := os.Stat(filepath.Join(v2.Root, "cgroup.controllers"))
	return err == nil
}

// New creates (or, for systemd, starts) the backend for a freshly-created
// container's init pid.
func New(ctx context.Context, cgroupPath string, useSystemd bool, pid int) (cgroups.Manager, error) {
	if useSystemd {
		return systemd.New(ctx, UnitName(cgroupPath), pid)
	}
	if unifiedMode() {
		return v2.New(cgroupPath)
	}
	return v1.New(cgroupPath)
}

// Open reattaches to an existing container's cgroup backend for lifecycle
// operations (delete, freeze/thaw, stats) that must not re-create it.
func Open(ctx context.Context, cgroupPath string, useSystemd bool) (cgroups.Manager, error) {
	if useSystemd {
		return systemd.Attach(ctx, UnitName(cgroupPath))
	}
	if unifiedMode() {
		return v2.New(cgroupPath)
	}
	return v1.New(cgroupPath)
}
