// Package v2 implements the cgroup v2 unified-hierarchy controller (component
// D): file writers and stat readers under a single per-container directory,
// plus the eBPF device-access program (component F, in the sibling ebpf
// package) in place of the v1 devices.allow file.
package v2

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"ocirun/cgroups"
	"ocirun/ebpf"
	"ocirun/errors"
)

const Root = "/sys/fs/cgroup"

var validKey = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*(\.[a-zA-Z][a-zA-Z0-9]*)*$`)

// Controller is a cgroup v2 control group rooted under Root.
type Controller struct {
	path string
}

// New creates or opens the unified cgroup directory for cgroupPath, which is
// interpreted relative to Root regardless of a leading slash.
func New(cgroupPath string) (*Controller, error) {
	full := filepath.Join(Root, cgroupPath)
	if err := os.MkdirAll(full, 0755); err != nil {
		return nil, errors.WrappedIo("mkdir", full, err)
	}
	return &Controller{path: full}, nil
}

func (c *Controller) Path() string { return c.path }

func (c *Controller) AddProcess(pid int) error {
	p := filepath.Join(c.path, "cgroup.procs")
	if err := os.WriteFile(p, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return errors.WrappedIo("write", p, err)
	}
	return nil
}

func (c *Controller) write(file, value string) error {
	p := filepath.Join(c.path, file)
	if err := os.WriteFile(p, []byte(value), 0644); err != nil {
		return errors.WrappedIo("write", p, err)
	}
	return nil
}

func (c *Controller) read(file string) (string, error) {
	p := filepath.Join(c.path, file)
	data, err := os.ReadFile(p)
	if err != nil {
		return "", errors.WrappedIo("read", p, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Apply applies the OCI resource description plus any unified overrides.
func (c *Controller) Apply(opts *cgroups.Options) error {
	if opts == nil {
		return nil
	}
	r := opts.Resources
	if r != nil {
		if err := c.applyMemory(r.Memory); err != nil {
			return err
		}
		if err := c.applyCPU(r.CPU); err != nil {
			return err
		}
		if err := c.applyPids(r.Pids); err != nil {
			return err
		}
		if err := c.applyHugetlb(r.HugepageLimits); err != nil {
			return err
		}
		if err := c.applyDevices(r.Devices); err != nil {
			return err
		}
	}

	for key, value := range opts.Unified {
		if handled, err := cgroups.DispatchUnifiedKey(c, key, value); err != nil {
			return err
		} else if !handled {
			if err := validateKey(key); err != nil {
				return errors.New(errors.ErrInvalidInput, "unified", fmt.Sprintf("invalid cgroup key %q: %v", key, err))
			}
			if err := c.write(key, value); err != nil {
				return err
			}
		}
	}

	if opts.OomKillerDisable {
		// v2 has no oom_control knob; the oom group flag is the closest
		// analogue and is a best-effort, non-fatal write.
		_ = c.write("memory.oom.group", "1")
	}

	return nil
}

func (c *Controller) applyMemory(m *specs.LinuxMemory) error {
	if m == nil {
		return nil
	}
	memMax, swapMax, err := cgroups.MemorySwapV2(m.Limit, m.Swap)
	if err != nil {
		return err
	}
	if m.Limit != nil {
		if err := c.write("memory.max", memMax); err != nil {
			return err
		}
	}
	if m.Swap != nil {
		if err := c.write("memory.swap.max", swapMax); err != nil {
			return err
		}
	}
	if m.Reservation != nil {
		if err := c.write("memory.low", strconv.FormatInt(*m.Reservation, 10)); err != nil {
			return err
		}
	}
	if m.Swappiness != nil {
		if *m.Swappiness > 100 {
			return errors.New(errors.ErrInvalidInput, "memory", "swappiness out of [0,100]")
		}
	}
	return nil
}

func (c *Controller) applyCPU(cpu *specs.LinuxCPU) error {
	if cpu == nil {
		return nil
	}
	if cpu.Quota != nil || cpu.Period != nil {
		var quota int64 = -1
		if cpu.Quota != nil {
			quota = *cpu.Quota
		}
		period := uint64(100000)
		if cpu.Period != nil && *cpu.Period > 0 {
			period = *cpu.Period
		}
		if err := c.SetCPUMax(quota, period); err != nil {
			return err
		}
	}
	if cpu.Shares != nil {
		if err := c.SetCPUWeight(*cpu.Shares); err != nil {
			return err
		}
	}
	if cpu.RealtimeRuntime != nil || cpu.RealtimePeriod != nil {
		return errors.New(errors.ErrRealtimeV2, "cpu", "realtime scheduling fields unsupported on cgroup v2")
	}
	if cpu.Cpus != "" {
		if err := c.SetCPUSet("cpus", cpu.Cpus); err != nil {
			return err
		}
	}
	if cpu.Mems != "" {
		if err := c.SetCPUSet("mems", cpu.Mems); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) applyPids(p *specs.LinuxPids) error {
	if p == nil {
		return nil
	}
	return c.SetPidsMax(p.Limit)
}

func (c *Controller) applyHugetlb(limits []specs.LinuxHugepageLimit) error {
	for _, l := range limits {
		if _, err := cgroups.ParsePageSize(l.Pagesize); err != nil {
			return err
		}
		file := fmt.Sprintf("hugetlb.%s.max", l.Pagesize)
		if err := c.write(file, strconv.FormatUint(l.Limit, 10)); err != nil {
			return err
		}
		rsvd := fmt.Sprintf("hugetlb.%s.rsvd.max", l.Pagesize)
		if _, statErr := os.Stat(filepath.Join(c.path, rsvd)); statErr == nil {
			_ = c.write(rsvd, strconv.FormatUint(l.Limit, 10))
		}
	}
	return nil
}

// applyDevices compiles the allow/deny rule set into an eBPF program and
// attaches it to this cgroup, replacing the v1 devices.allow file (component F).
func (c *Controller) applyDevices(devices []specs.LinuxDeviceCgroup) error {
	if len(devices) == 0 {
		return nil
	}
	rules := make([]ebpf.Rule, 0, len(devices))
	defaultAllow := false
	for _, d := range devices {
		if d.Type == "a" && d.Major == nil && d.Minor == nil {
			// The wildcard "all" rule sets the epilogue's default action
			// rather than becoming a program rule (it is not representable
			// as a single comparison instruction).
			defaultAllow = d.Allow
			continue
		}
		r, err := ebpf.RuleFromOCI(d)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}
	prog, err := ebpf.Compile(rules, defaultAllow)
	if err != nil {
		return err
	}
	return ebpf.Attach(c.path, prog)
}

// UnifiedSink implementation -------------------------------------------------

func (c *Controller) SetCPUWeight(shares uint64) error {
	weight := cgroups.ConvertCPUSharesToWeight(shares)
	if weight == 0 {
		return nil
	}
	return c.write("cpu.weight", strconv.FormatUint(weight, 10))
}

func (c *Controller) SetCPUMax(quota int64, period uint64) error {
	q := "max"
	if quota > 0 {
		q = strconv.FormatInt(quota, 10)
	}
	if period == 0 {
		period = 100000
	}
	return c.write("cpu.max", fmt.Sprintf("%s %d", q, period))
}

func (c *Controller) SetCPUSet(which, mask string) error {
	return c.write("cpuset."+which, mask)
}

func (c *Controller) SetMemory(which string, value int64) error {
	v := "max"
	if value != -1 {
		v = strconv.FormatInt(value, 10)
	}
	return c.write("memory."+which, v)
}

func (c *Controller) SetPidsMax(limit int64) error {
	v := "max"
	if limit > 0 {
		v = strconv.FormatInt(limit, 10)
	}
	return c.write("pids.max", v)
}

// Stats --------------------------------------------------------------------

func (c *Controller) Stats() (*cgroups.Stats, error) {
	s := &cgroups.Stats{}
	if v, err := c.read("memory.current"); err == nil {
		s.MemoryUsage, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, err := c.read("pids.current"); err == nil {
		s.PidsCurrent, _ = strconv.ParseInt(v, 10, 64)
	}
	return s, nil
}

// freezerIO adapts cgroup.freeze (a 0/1 file, not THAWED/FROZEN text) to the
// shared FreezerState vocabulary for cgroups.DriveFreezer.
type freezerIO struct{ c *Controller }

func (f freezerIO) WriteState(s cgroups.FreezerState) error {
	v := "0"
	if s == cgroups.Frozen {
		v = "1"
	}
	return f.c.write("cgroup.freeze", v)
}

func (f freezerIO) ReadState() (cgroups.FreezerState, error) {
	v, err := f.c.read("cgroup.freeze")
	if err != nil {
		return cgroups.Undefined, err
	}
	if v == "1" {
		return cgroups.Frozen, nil
	}
	return cgroups.Thawed, nil
}

func (c *Controller) Freeze(state cgroups.FreezerState) error {
	return cgroups.DriveFreezer(freezerIO{c}, state)
}

func (c *Controller) Destroy() error {
	if err := os.Remove(c.path); err != nil {
		return errors.WrappedIo("rmdir", c.path, err)
	}
	return nil
}

// EnsureParentControllers enables the needed controllers on every ancestor of
// cgroupPath via cgroup.subtree_control; best-effort, since not every
// controller is available on every host.
func EnsureParentControllers(cgroupPath string) error {
	parts := strings.Split(strings.Trim(cgroupPath, "/"), "/")
	current := Root
	const controllers = "+cpu +memory +pids +cpuset +hugetlb"
	for _, part := range parts {
		_ = os.WriteFile(filepath.Join(current, "cgroup.subtree_control"), []byte(controllers), 0644)
		current = filepath.Join(current, part)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("key contains path separator")
	}
	if key == "." || key == ".." || strings.HasPrefix(key, ".") {
		return fmt.Errorf("key is a relative path component")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key does not match valid cgroup key pattern")
	}
	return nil
}
