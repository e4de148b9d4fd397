package v1

import "ocirun/cgroups"

// freezerIO adapts the legacy freezer.state text file (THAWED/FREEZING/FROZEN)
// to the shared retry-loop vocabulary.
type freezerIO struct{ c *Controller }

func (f freezerIO) WriteState(s cgroups.FreezerState) error {
	return f.c.write("freezer", "freezer.state", s.String())
}

func (f freezerIO) ReadState() (cgroups.FreezerState, error) {
	raw, err := f.c.read("freezer", "freezer.state")
	if err != nil {
		return cgroups.Undefined, err
	}
	state, ok := cgroups.ParseFreezerStateFile(raw)
	if !ok {
		return cgroups.Undefined, nil
	}
	return state, nil
}

// Freeze drives the freezer subsystem through the bounded retry loop
// (component N) shared with the v2 backend.
func (c *Controller) Freeze(state cgroups.FreezerState) error {
	return cgroups.DriveFreezer(freezerIO{c}, state)
}
