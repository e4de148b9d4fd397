// Package systemd implements the cgroup resource backend that runs entirely
// through systemd transient units over D-Bus (component E), for hosts managed
// under systemd's cgroup delegation model rather than direct cgroupfs writes.
package systemd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"ocirun/cgroups"
	"ocirun/errors"
)

// Unit is a transient systemd scope/service unit standing in for a cgroup.
type Unit struct {
	conn *dbus.Conn
	name string
	path string // cgroup fs path; New does not set it, so Path returns ""
}

// New starts (or attaches to) a transient scope unit named unitName and
// associates it with pid. unitName must end in ".scope" or ".service".
func New(ctx context.Context, unitName string, pid int) (*Unit, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCgroup, "connect to systemd")
	}

	props := []dbus.Property{
		dbus.PropPids(uint32(pid)),
		dbus.PropDescription("ocirun container " + unitName),
		dbus.PropWants("-.slice"),
	}

	ch := make(chan string, 1)
	if _, err := conn.StartTransientUnitContext(ctx, unitName, "replace", props, ch); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, errors.ErrCgroup, "start transient unit "+unitName)
	}
	<-ch

	return &Unit{conn: conn, name: unitName}, nil
}

// Attach connects to systemd to operate on an already-running transient unit
// (stop, freeze, stats) without starting it, for lifecycle calls that must
// not re-create a container's cgroup the way New does.
func Attach(ctx context.Context, unitName string) (*Unit, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCgroup, "connect to systemd")
	}
	return &Unit{conn: conn, name: unitName}, nil
}

func (u *Unit) Path() string { return u.path }

// AddProcess is a no-op beyond unit creation: systemd attaches the
// creating pid to the unit's cgroup at StartTransientUnit time. Additional
// processes join via cgroup.procs directly, matching systemd-run's contract.
func (u *Unit) AddProcess(pid int) error { return nil }

func (u *Unit) setProperty(ctx context.Context, name string, value interface{}) error {
	prop := dbus.Property{Name: name, Value: godbus.MakeVariant(value)}
	if err := u.conn.SetUnitPropertiesContext(ctx, u.name, true, prop); err != nil {
		return errors.Wrap(err, errors.ErrCgroup, "set "+name)
	}
	return nil
}

// versionAtMost243 queries systemd's Version manager property and compares it
// against 243: the cpuset-over-unit-properties feature requires a newer
// systemd, and OldSystemd is returned rather than silently ignoring the field.
func (u *Unit) versionAtMost243(ctx context.Context) (bool, error) {
	v, err := u.conn.GetManagerProperty("Version")
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCgroup, "query systemd version")
	}
	n, ok := parseSystemdVersion(v)
	if !ok {
		return false, nil
	}
	return n <= 243, nil
}

// parseSystemdVersion extracts the leading numeric release from systemd's
// Version manager property, which comes back as a quoted string like
// `"247.3-1"` or `"v252"`. ok is false when no leading digits are found.
func parseSystemdVersion(v string) (n int, ok bool) {
	v = strings.Trim(v, `"`)
	digits := strings.TrimLeft(v, "v")
	i := 0
	for i < len(digits) && digits[i] >= '0' && digits[i] <= '9' {
		i++
	}
	parsed, err := strconv.Atoi(digits[:i])
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func (u *Unit) Apply(opts *cgroups.Options) error {
	ctx := context.Background()
	r := opts.Resources
	if r != nil {
		if r.CPU != nil {
			if err := u.applyCPU(ctx, r.CPU); err != nil {
				return err
			}
		}
		if r.Memory != nil {
			if err := u.applyMemory(ctx, r.Memory); err != nil {
				return err
			}
		}
		if r.Pids != nil {
			if err := u.SetPidsMax(r.Pids.Limit); err != nil {
				return err
			}
		}
	}
	for key, value := range opts.Unified {
		if _, err := cgroups.DispatchUnifiedKey(u, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (u *Unit) applyCPU(ctx context.Context, cpu *specs.LinuxCPU) error {
	if cpu.RealtimeRuntime != nil || cpu.RealtimePeriod != nil {
		return errors.New(errors.ErrRealtimeV2, "cpu", "realtime scheduling fields unsupported on the systemd-unified backend")
	}
	if cpu.Shares != nil {
		if err := u.SetCPUWeight(*cpu.Shares); err != nil {
			return err
		}
	}
	if cpu.Quota != nil || cpu.Period != nil {
		period := uint64(100000)
		if cpu.Period != nil && *cpu.Period > 0 {
			period = *cpu.Period
		}
		var quota int64 = -1
		if cpu.Quota != nil {
			quota = *cpu.Quota
		}
		if err := u.SetCPUMax(quota, period); err != nil {
			return err
		}
	}
	if cpu.Cpus != "" {
		if err := u.SetCPUSet("cpus", cpu.Cpus); err != nil {
			return err
		}
	}
	if cpu.Mems != "" {
		if err := u.SetCPUSet("mems", cpu.Mems); err != nil {
			return err
		}
	}
	return nil
}

func (u *Unit) applyMemory(ctx context.Context, m *specs.LinuxMemory) error {
	if m.Limit != nil {
		return u.SetMemory("max", *m.Limit)
	}
	if m.Reservation != nil {
		return u.SetMemory("low", *m.Reservation)
	}
	return nil
}

// UnifiedSink implementation --------------------------------------------

func (u *Unit) SetCPUWeight(shares uint64) error {
	weight := cgroups.ConvertCPUSharesToWeight(shares)
	if weight == 0 {
		return nil
	}
	return u.setProperty(context.Background(), "CPUWeight", weight)
}

func (u *Unit) SetCPUMax(quota int64, period uint64) error {
	ctx := context.Background()
	if err := u.setProperty(ctx, "CPUQuotaPerSecUSec", cgroups.ConvertCPUQuotaPerSecUSec(quota, period)); err != nil {
		return err
	}
	return u.setProperty(ctx, "CPUQuotaPeriodUSec", period)
}

func (u *Unit) SetCPUSet(which, mask string) error {
	old, err := u.versionAtMost243(context.Background())
	if err != nil {
		return err
	}
	if old {
		return errors.New(errors.ErrOldSystemd, "cpuset", "systemd <= 243 does not support AllowedCPUs/AllowedMemoryNodes")
	}
	bits, err := cgroups.ParseCPUSetBitmask(mask)
	if err != nil {
		return err
	}
	prop := "AllowedCPUs"
	if which == "mems" {
		prop = "AllowedMemoryNodes"
	}
	return u.setProperty(context.Background(), prop, bits)
}

var memoryUnitProperty = map[string]string{
	"min": "MemoryMin", "low": "MemoryLow", "high": "MemoryHigh", "max": "MemoryMax",
}

// memoryProperty resolves which to its systemd unit property name and
// translates value's -1 sentinel (no limit) into the unbounded uint64 systemd
// expects in its place.
func memoryProperty(which string, value int64) (prop string, v uint64, err error) {
	prop = memoryUnitProperty[which]
	if prop == "" {
		return "", 0, errors.New(errors.ErrInvalidInput, "memory", fmt.Sprintf("unknown memory field %q", which))
	}
	v = uint64(^uint64(0))
	if value != -1 {
		v = uint64(value)
	}
	return prop, v, nil
}

func (u *Unit) SetMemory(which string, value int64) error {
	prop, v, err := memoryProperty(which, value)
	if err != nil {
		return err
	}
	return u.setProperty(context.Background(), prop, v)
}

// pidsMaxValue translates limit's non-positive sentinel (no limit) into the
// unbounded uint64 systemd's TasksMax property expects in its place.
func pidsMaxValue(limit int64) uint64 {
	if limit > 0 {
		return uint64(limit)
	}
	return uint64(^uint64(0))
}

func (u *Unit) SetPidsMax(limit int64) error {
	return u.setProperty(context.Background(), "TasksMax", pidsMaxValue(limit))
}

func (u *Unit) Stats() (*cgroups.Stats, error) {
	return &cgroups.Stats{}, nil
}

func (u *Unit) Freeze(state cgroups.FreezerState) error {
	ctx := context.Background()
	if state == cgroups.Frozen {
		return u.conn.FreezeUnit(ctx, u.name)
	}
	if state == cgroups.Thawed {
		return u.conn.ThawUnit(ctx, u.name)
	}
	return nil
}

func (u *Unit) Destroy() error {
	ctx := context.Background()
	ch := make(chan string, 1)
	if _, err := u.conn.StopUnitContext(ctx, u.name, "replace", ch); err != nil {
		u.conn.Close()
		return errors.Wrap(err, errors.ErrCgroup, "stop unit "+u.name)
	}
	<-ch
	u.conn.Close()
	return nil
}
