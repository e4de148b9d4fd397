// Package linux provides the cgroup path derivation shared by every backend.
// The controller writers themselves live in cgroups/v1, cgroups/v2, and
// cgroups/systemd (components C/D/E); this file only resolves the on-disk
// path a container's cgroup should use when the bundle doesn't specify one.
package linux

import "path/filepath"

// GetCgroupPath returns the cgroup path for a container: the bundle's
// cgroupsPath when given, else a default scoped under "ocirun/<id>".
func GetCgroupPath(containerID string, specPath string) string {
	if specPath != "" {
		return specPath
	}
	return filepath.Join("ocirun", containerID)
}
