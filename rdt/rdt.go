// Package rdt implements Intel RDT (resource director technology) support:
// placing a container's init process into a resctrl CLOS group and writing
// its L3 cache and memory bandwidth allocation schemata (component J).
package rdt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/moby/sys/mountinfo"

	"ocirun/errors"
	"ocirun/spec"
)

const resctrlRoot = "/sys/fs/resctrl"

// mountPoint locates the resctrl filesystem, or reports it is not mounted.
func mountPoint() (string, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("resctrl"))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrInternal, "scan mountinfo for resctrl")
	}
	if len(mounts) == 0 {
		return "", errors.New(errors.ErrUnsupportedVersion, "rdt", "resctrl is not mounted")
	}
	return mounts[0].Mountpoint, nil
}

// Apply places pid into the CLOS group named by cfg.ClosID (creating it if
// absent) and writes the requested schemata. It reports whether it created a
// new group directory, information the caller needs to know whether cleanup
// on teardown should remove the directory or merely leave it (a group that
// pre-existed is assumed to be shared and outlives this container).
func Apply(containerID string, pid int, cfg *spec.LinuxIntelRdt) (createdSubdir bool, err error) {
	if cfg == nil {
		return false, nil
	}

	root, err := mountPoint()
	if err != nil {
		return false, err
	}

	closID := cfg.ClosID
	if closID == "" {
		closID = "ocirun-" + containerID
	}
	groupPath := filepath.Join(root, closID)

	if _, statErr := os.Stat(groupPath); os.IsNotExist(statErr) {
		if err := os.Mkdir(groupPath, 0755); err != nil {
			return false, errors.WrappedIo("mkdir", groupPath, err)
		}
		createdSubdir = true
	} else if statErr != nil {
		return false, errors.WrappedIo("stat", groupPath, statErr)
	} else if cfg.ClosID == "" {
		return false, errors.New(errors.ErrNoResctrlSubdirectory, "rdt", groupPath)
	}

	if err := writeSchemata(groupPath, cfg, createdSubdir); err != nil {
		return createdSubdir, err
	}

	tasksPath := filepath.Join(groupPath, "tasks")
	if err := os.WriteFile(tasksPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return createdSubdir, errors.WrappedIo("write", tasksPath, err)
	}

	return createdSubdir, nil
}

// writeSchemata writes the combined L3/MB schema requested by cfg. When the
// group directory already existed (createdSubdir is false) and it already
// carries a schemata line set, the existing content is compared against the
// requested one line by line, matched on the L3/MB label (ignoring line order, since L3 and MB each
// occupy their own line and the kernel does not guarantee an order); a
// conflicting existing line is reported via ExistingSchemataMismatch rather
// than silently overwritten, since another container may be relying on it.
func writeSchemata(groupPath string, cfg *spec.LinuxIntelRdt, createdSubdir bool) error {
	var lines []string
	if cfg.L3CacheSchema != "" {
		for _, line := range strings.Split(cfg.L3CacheSchema, "\n") {
			if line == "" {
				continue
			}
			if cfg.MemBwSchema != "" && strings.HasPrefix(line, "MB:") {
				continue
			}
			lines = append(lines, line)
		}
	}
	if cfg.MemBwSchema != "" {
		lines = append(lines, cfg.MemBwSchema)
	}
	if len(lines) == 0 {
		return nil
	}

	schemataPath := filepath.Join(groupPath, "schemata")

	if !createdSubdir {
		existing, err := os.ReadFile(schemataPath)
		if err == nil {
			if conflict := findConflict(string(existing), lines); conflict != "" {
				return errors.New(errors.ErrExistingSchemataMismatch, "rdt", conflict)
			}
		}
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(schemataPath, []byte(content), 0644); err != nil {
		return errors.WrappedIo("write", schemataPath, err)
	}
	return nil
}

var schemaTokenRe = regexp.MustCompile(`^(L3|MB):`)

// findConflict compares requested against existing line-by-line, matched on
// resource label (L3/MB) rather than position, and returns a description of
// the first mismatch, or "" if every requested line either matches or has no
// counterpart in existing.
func findConflict(existing string, requested []string) string {
	existingByLabel := map[string]string{}
	for _, line := range strings.Split(existing, "\n") {
		line = strings.TrimSpace(line)
		if m := schemaTokenRe.FindString(line); m != "" {
			existingByLabel[strings.TrimSuffix(m, ":")] = line
		}
	}
	for _, want := range requested {
		label := strings.TrimSuffix(schemaTokenRe.FindString(want), ":")
		if have, ok := existingByLabel[label]; ok && have != want {
			return fmt.Sprintf("%s schema: have %q, want %q", label, have, want)
		}
	}
	return ""
}

// Cleanup removes a CLOS group directory this container created. Callers
// consult ContainerState.CleanUpIntelRdt to decide whether to call this.
func Cleanup(containerID string, cfg *spec.LinuxIntelRdt) error {
	if cfg == nil {
		return nil
	}
	root, err := mountPoint()
	if err != nil {
		return nil
	}
	closID := cfg.ClosID
	if closID == "" {
		closID = "ocirun-" + containerID
	}
	return os.RemoveAll(filepath.Join(root, closID))
}
