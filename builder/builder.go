// Package builder assembles an orchestrator.Config from a parsed OCI bundle
// (component M): the thin translation layer between the on-disk config.json
// and the three-stage process orchestrator's inputs.
package builder

import (
	"path/filepath"

	"ocirun/cgroups/backend"
	"ocirun/errors"
	"ocirun/orchestrator"
	"ocirun/spec"
)

// Build loads config.json from bundlePath and resolves rootfs to an absolute
// path, producing the Config the orchestrator needs to create id.
func Build(id, bundlePath string) (orchestrator.Config, error) {
	s, err := spec.LoadSpec(filepath.Join(bundlePath, "config.json"))
	if err != nil {
		return orchestrator.Config{}, errors.Wrap(err, errors.ErrInvalidConfig, "load config.json")
	}
	if s.Root == nil {
		return orchestrator.Config{}, errors.New(errors.ErrInvalidConfig, "build", "root is required")
	}

	rootfs := s.Root.Path
	if !filepath.IsAbs(rootfs) {
		rootfs = filepath.Join(bundlePath, rootfs)
	}

	cgroupPath := filepath.Join("ocirun", id)
	useSystemd := false
	if s.Linux != nil && s.Linux.CgroupsPath != "" {
		cgroupPath = s.Linux.CgroupsPath
		useSystemd = backend.UseSystemdDriver(cgroupPath)
	}

	return orchestrator.Config{
		ID:         id,
		Bundle:     bundlePath,
		Rootfs:     rootfs,
		Spec:       s,
		ConsoleFd:  -1,
		CgroupPath: cgroupPath,
		UseSystemd: useSystemd,
	}, nil
}
