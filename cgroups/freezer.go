package cgroups

import (
	"strings"
	"time"

	"ocirun/errors"
)

// FreezerIO is the minimal read/write seam the retry loop needs; v1 supplies the
// legacy freezer.state file, v2 supplies cgroup.freeze (0/1), each wrapped to
// present the same THAWED/FREEZING/FROZEN vocabulary.
type FreezerIO interface {
	WriteState(s FreezerState) error
	ReadState() (FreezerState, error)
}

// DriveFreezer drives a cgroup from its current state to target using the exact
// retry cadence described for component N: up to 1000 iterations, writing THAWED
// every 50th iteration (the kernel sometimes wedges in FREEZING), writing FROZEN
// every iteration, sleeping 10ms every 25th iteration, and reading back state to
// decide completion. On failure or exhaustion it writes THAWED best-effort before
// returning the error.
func DriveFreezer(io FreezerIO, target FreezerState) error {
	if target == Thawed {
		return io.WriteState(Thawed)
	}
	if target != Frozen {
		return nil
	}

	const maxIterations = 1000
	for i := 1; i <= maxIterations; i++ {
		if i%50 == 0 {
			_ = io.WriteState(Thawed)
			time.Sleep(10 * time.Millisecond)
		}

		if err := io.WriteState(Frozen); err != nil {
			_ = io.WriteState(Thawed)
			return errors.Wrap(err, errors.ErrCgroup, "freeze")
		}

		if i%25 == 0 {
			time.Sleep(10 * time.Millisecond)
		}

		state, err := io.ReadState()
		if err != nil {
			_ = io.WriteState(Thawed)
			return errors.Wrap(err, errors.ErrCgroup, "freeze")
		}

		switch state {
		case Frozen:
			return nil
		case freezing:
			continue
		default:
			_ = io.WriteState(Thawed)
			return errors.New(errors.ErrUnexpectedState, "freeze", "unexpected freezer.state value")
		}
	}

	_ = io.WriteState(Thawed)
	return errors.New(errors.ErrUnableToFreeze, "freeze", "exhausted 1000 retries")
}

// freezing is a package-private FreezerState value distinct from the public
// Thawed/Frozen targets, used only to report the kernel's transient "FREEZING"
// freezer.state reading back through the same vocabulary.
const freezing FreezerState = 100

// ParseFreezerStateFile maps a raw freezer.state file read to the FreezerState
// vocabulary; anything outside {THAWED, FREEZING, FROZEN} is reported as an
// unexpected value by returning ok=false.
func ParseFreezerStateFile(raw string) (FreezerState, bool) {
	switch strings.TrimSpace(raw) {
	case "THAWED":
		return Thawed, true
	case "FREEZING":
		return freezing, true
	case "FROZEN":
		return Frozen, true
	default:
		return Undefined, false
	}
}
