// Package spec provides OCI state types.
package spec

import (
	"encoding/json"
	"os"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// ContainerStatus is the running status of a container.
type ContainerStatus string

// Container statuses as defined by OCI Runtime Spec, plus Paused (§4.K's
// lifecycle: Creating -> Created -> Running -> (Paused <-> Running) -> Stopped).
const (
	StatusCreating ContainerStatus = "creating"
	StatusCreated  ContainerStatus = "created"
	StatusRunning  ContainerStatus = "running"
	StatusPaused   ContainerStatus = "paused"
	StatusStopped  ContainerStatus = "stopped"
)

// CanStart reports whether `start` is valid from this status.
func (s ContainerStatus) CanStart() bool { return s == StatusCreated }

// CanKill reports whether `kill` is valid from this status.
func (s ContainerStatus) CanKill() bool {
	return s == StatusRunning || s == StatusCreated || s == StatusPaused
}

// CanDelete reports whether `delete` is valid from this status.
func (s ContainerStatus) CanDelete() bool { return s == StatusStopped || s == StatusCreated }

// CanPause reports whether `pause` is valid from this status.
func (s ContainerStatus) CanPause() bool { return s == StatusRunning }

// CanResume reports whether `resume` is valid from this status.
func (s ContainerStatus) CanResume() bool { return s == StatusPaused }

// State holds information about the runtime state of the container.
// This is the format returned by the "state" operation as per OCI spec.
type State struct {
	Version     string            `json:"ociVersion"`
	ID          string            `json:"id"`
	Status      ContainerStatus   `json:"status"`
	Pid         int               `json:"pid,omitempty"`
	Bundle      string            `json:"bundle"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// ContainerState extends State with additional internal runtime information
// persisted under <root>/<id>/state.json.
type ContainerState struct {
	State

	Created time.Time `json:"created"`
	Rootfs  string    `json:"rootfs"`
	Owner   string    `json:"owner,omitempty"`

	// CreatorUID is the uid that ran `create`; no code in this module sets
	// or reads it.
	CreatorUID *int `json:"creator_uid,omitempty"`
	// UseSystemd records which cgroup backend this container was created
	// with, since that choice must be stable across the container's life.
	UseSystemd bool `json:"use_systemd"`
	// CleanUpIntelRdt records whether the RDT integrator created the
	// resctrl group directory itself and therefore owns deleting it.
	CleanUpIntelRdt *bool `json:"clean_up_intel_rdt,omitempty"`

	Config *Spec `json:"config,omitempty"`
}

// LoadState loads container state from a JSON file.
func LoadState(path string) (*ContainerState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state ContainerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Save writes the container state to path atomically, using the same
// temp-file-plus-rename primitive the rest of the pack's runtimes use for
// state.json rather than hand-rolling it again.
func (s *ContainerState) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicwriter.WriteFile(path, data, 0600); err != nil {
		return err
	}
	return nil
}

// ToOCIState returns just the OCI-compliant state portion.
func (s *ContainerState) ToOCIState() *State {
	return &s.State
}
