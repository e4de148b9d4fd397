package v1

import (
	"os"
	"path/filepath"
	"testing"

	"ocirun/cgroups"
	"ocirun/errors"
)

// newTestController builds a Controller directly against temp directories,
// bypassing New's real /sys/fs/cgroup mount discovery.
func newTestController(t *testing.T, subsystems ...string) *Controller {
	t.Helper()
	c := &Controller{path: "test", subsystems: map[string]string{}}
	for _, name := range subsystems {
		dir := t.TempDir()
		c.subsystems[name] = dir
	}
	return c
}

func TestController_WriteRead_RoundTrip(t *testing.T) {
	c := newTestController(t, "memory")

	if err := c.write("memory", "memory.limit_in_bytes", "104857600"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := c.read("memory", "memory.limit_in_bytes")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "104857600" {
		t.Errorf("read = %q, want %q", got, "104857600")
	}
}

func TestController_Read_TrimsWhitespace(t *testing.T) {
	c := newTestController(t, "cpu")
	dir := c.subsystems["cpu"]
	if err := os.WriteFile(filepath.Join(dir, "cpu.shares"), []byte("512\n"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	got, err := c.read("cpu", "cpu.shares")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "512" {
		t.Errorf("read = %q, want %q", got, "512")
	}
}

func TestController_UnmountedSubsystemIsReported(t *testing.T) {
	c := newTestController(t, "memory")

	_, err := c.read("cpu", "cpu.shares")
	if err == nil {
		t.Fatal("expected an error for a subsystem not mounted on this controller")
	}
	if !errors.IsKind(err, errors.ErrSubsystemNotAvailable) {
		t.Errorf("expected ErrSubsystemNotAvailable, got %v", err)
	}
}

func TestController_Path(t *testing.T) {
	c := newTestController(t)
	c.path = "/container1"
	if got := c.Path(); got != "/container1" {
		t.Errorf("Path() = %q, want %q", got, "/container1")
	}
}

func TestController_AddProcess_WritesEveryMountedSubsystem(t *testing.T) {
	c := newTestController(t, "memory", "cpu", "pids")

	if err := c.AddProcess(4242); err != nil {
		t.Fatalf("AddProcess: %v", err)
	}

	for name, dir := range c.subsystems {
		got, err := os.ReadFile(filepath.Join(dir, "cgroup.procs"))
		if err != nil {
			t.Fatalf("%s: cgroup.procs not written: %v", name, err)
		}
		if string(got) != "4242" {
			t.Errorf("%s: cgroup.procs = %q, want %q", name, got, "4242")
		}
	}
}

func TestFreezerIO_WriteReadRoundTrip(t *testing.T) {
	c := newTestController(t, "freezer")
	fio := freezerIO{c}

	if err := fio.WriteState(cgroups.Frozen); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	got, err := fio.ReadState()
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if got != cgroups.Frozen {
		t.Errorf("ReadState = %v, want Frozen", got)
	}
}

func TestFreezerIO_ReadState_UnparseableIsUndefined(t *testing.T) {
	c := newTestController(t, "freezer")
	dir := c.subsystems["freezer"]
	if err := os.WriteFile(filepath.Join(dir, "freezer.state"), []byte("GARBAGE"), 0644); err != nil {
		t.Fatalf("seed freezer.state: %v", err)
	}

	fio := freezerIO{c}
	got, err := fio.ReadState()
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if got != cgroups.Undefined {
		t.Errorf("ReadState = %v, want Undefined", got)
	}
}

func TestController_Freeze_ThawIsSingleWrite(t *testing.T) {
	c := newTestController(t, "freezer")

	if err := c.Freeze(cgroups.Thawed); err != nil {
		t.Fatalf("Freeze(Thawed): %v", err)
	}
	got, err := (freezerIO{c}).ReadState()
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if got != cgroups.Thawed {
		t.Errorf("state = %v, want Thawed", got)
	}
}
