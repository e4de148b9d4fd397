// Package v1 implements the cgroup v1 multi-hierarchy controllers (component
// C): per-subsystem file writers and stat readers, each rooted at its own
// mounted hierarchy under /sys/fs/cgroup/<subsystem>/<path>.
package v1

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"ocirun/cgroups"
	"ocirun/errors"
)

const mountRoot = "/sys/fs/cgroup"

// Controller drives every v1 subsystem hierarchy that is mounted on the host
// for one container's cgroup path. Subsystems the host does not mount are
// silently skipped on Apply (SubsystemNotAvailable is only raised when a
// resource field explicitly targets a missing subsystem).
type Controller struct {
	path        string
	subsystems  map[string]string // subsystem name -> absolute directory
}

// New resolves every mounted v1 subsystem hierarchy and creates cgroupPath
// under each.
func New(cgroupPath string) (*Controller, error) {
	subs, err := mountedSubsystems()
	if err != nil {
		return nil, err
	}
	c := &Controller{path: cgroupPath, subsystems: map[string]string{}}
	for name, root := range subs {
		dir := filepath.Join(root, cgroupPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.WrappedIo("mkdir", dir, err)
		}
		c.subsystems[name] = dir
	}
	return c, nil
}

func (c *Controller) Path() string { return c.path }

func (c *Controller) dir(subsystem string) (string, error) {
	d, ok := c.subsystems[subsystem]
	if !ok {
		return "", errors.New(errors.ErrSubsystemNotAvailable, subsystem, "not mounted on this host")
	}
	return d, nil
}

func (c *Controller) write(subsystem, file, value string) error {
	dir, err := c.dir(subsystem)
	if err != nil {
		return err
	}
	p := filepath.Join(dir, file)
	if err := os.WriteFile(p, []byte(value), 0644); err != nil {
		return errors.WrappedIo("write", p, err)
	}
	return nil
}

func (c *Controller) read(subsystem, file string) (string, error) {
	dir, err := c.dir(subsystem)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, file)
	data, err := os.ReadFile(p)
	if err != nil {
		return "", errors.WrappedIo("read", p, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// AddProcess writes pid to cgroup.procs in every mounted subsystem.
func (c *Controller) AddProcess(pid int) error {
	for name := range c.subsystems {
		if err := c.write(name, "cgroup.procs", strconv.Itoa(pid)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) Apply(opts *cgroups.Options) error {
	if opts == nil {
		return nil
	}
	r := opts.Resources
	if r != nil {
		if err := c.applyCPU(r.CPU); err != nil {
			return err
		}
		if err := c.applyMemory(r.Memory); err != nil {
			return err
		}
		if err := c.applyPids(r.Pids); err != nil {
			return err
		}
		if err := c.applyCpuset(r.CPU); err != nil {
			return err
		}
		if err := c.applyHugetlb(r.HugepageLimits); err != nil {
			return err
		}
		if err := c.applyDevices(r.Devices); err != nil {
			return err
		}
		if err := c.applyNetwork(r.Network); err != nil {
			return err
		}
	}
	if opts.OomKillerDisable {
		_ = c.write("memory", "memory.oom_control", "1")
	}
	return nil
}

func (c *Controller) applyCPU(cpu *specs.LinuxCPU) error {
	if cpu == nil {
		return nil
	}
	if cpu.Shares != nil {
		if *cpu.Shares == 0 {
			// shares == 0 is a no-op by contract, not a write of 0.
		} else if err := c.write("cpu", "cpu.shares", strconv.FormatUint(*cpu.Shares, 10)); err != nil {
			return err
		}
	}
	if cpu.Quota != nil {
		q := *cpu.Quota
		if q <= 0 {
			q = -1
		}
		if err := c.write("cpu", "cpu.cfs_quota_us", strconv.FormatInt(q, 10)); err != nil {
			return err
		}
	}
	if cpu.Period != nil && *cpu.Period > 0 {
		if err := c.write("cpu", "cpu.cfs_period_us", strconv.FormatUint(*cpu.Period, 10)); err != nil {
			return err
		}
	}
	if cpu.RealtimeRuntime != nil {
		if err := c.write("cpu", "cpu.rt_runtime_us", strconv.FormatInt(*cpu.RealtimeRuntime, 10)); err != nil {
			return err
		}
	}
	if cpu.RealtimePeriod != nil {
		if err := c.write("cpu", "cpu.rt_period_us", strconv.FormatUint(*cpu.RealtimePeriod, 10)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) applyCpuset(cpu *specs.LinuxCPU) error {
	if cpu == nil {
		return nil
	}
	if cpu.Cpus != "" {
		if err := c.write("cpuset", "cpuset.cpus", cpu.Cpus); err != nil {
			return err
		}
	}
	if cpu.Mems != "" {
		if err := c.write("cpuset", "cpuset.mems", cpu.Mems); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) applyMemory(m *specs.LinuxMemory) error {
	if m == nil {
		return nil
	}
	if m.Limit != nil {
		v := *m.Limit
		if v == -1 {
			v = -1
		}
		if err := c.write("memory", "memory.limit_in_bytes", strconv.FormatInt(v, 10)); err != nil {
			return err
		}
	}
	if m.Reservation != nil {
		if err := c.write("memory", "memory.soft_limit_in_bytes", strconv.FormatInt(*m.Reservation, 10)); err != nil {
			return err
		}
	}
	if m.Swap != nil {
		if err := c.write("memory", "memory.memsw.limit_in_bytes", strconv.FormatInt(*m.Swap, 10)); err != nil {
			return err
		}
	}
	if m.Swappiness != nil {
		if *m.Swappiness > 100 {
			return errors.New(errors.ErrInvalidInput, "memory", "swappiness out of [0,100]")
		}
		if err := c.write("memory", "memory.swappiness", strconv.FormatUint(*m.Swappiness, 10)); err != nil {
			return err
		}
	}
	if m.DisableOOMKiller != nil && *m.DisableOOMKiller {
		if err := c.write("memory", "memory.oom_control", "1"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) applyPids(p *specs.LinuxPids) error {
	if p == nil {
		return nil
	}
	v := "max"
	if p.Limit > 0 {
		v = strconv.FormatInt(p.Limit, 10)
	}
	return c.write("pids", "pids.max", v)
}

func (c *Controller) applyHugetlb(limits []specs.LinuxHugepageLimit) error {
	for _, l := range limits {
		if _, err := cgroups.ParsePageSize(l.Pagesize); err != nil {
			return err
		}
		file := "hugetlb." + l.Pagesize + ".limit_in_bytes"
		if err := c.write("hugetlb", file, strconv.FormatUint(l.Limit, 10)); err != nil {
			return err
		}
		dir, derr := c.dir("hugetlb")
		if derr == nil {
			rsvd := "hugetlb." + l.Pagesize + ".rsvd.limit_in_bytes"
			if _, statErr := os.Stat(filepath.Join(dir, rsvd)); statErr == nil {
				_ = c.write("hugetlb", rsvd, strconv.FormatUint(l.Limit, 10))
			}
		}
	}
	return nil
}

func (c *Controller) applyNetwork(n *specs.LinuxNetwork) error {
	if n == nil {
		return nil
	}
	if n.ClassID != nil {
		if err := c.write("net_cls", "net_cls.classid", strconv.FormatUint(uint64(*n.ClassID), 10)); err != nil {
			return err
		}
	}
	for _, p := range n.Priorities {
		line := p.Name + " " + strconv.FormatUint(uint64(p.Priority), 10)
		if err := c.write("net_prio", "net_prio.ifpriomap", line); err != nil {
			return err
		}
	}
	return nil
}

// applyDevices writes the legacy v1 devices.{allow,deny} rule-string files, one
// per rule, in the order given (v1 has no single-program replace semantics).
func (c *Controller) applyDevices(devices []specs.LinuxDeviceCgroup) error {
	for _, d := range devices {
		file := "devices.deny"
		if d.Allow {
			file = "devices.allow"
		}
		major := "*"
		if d.Major != nil {
			major = strconv.FormatInt(*d.Major, 10)
		}
		minor := "*"
		if d.Minor != nil {
			minor = strconv.FormatInt(*d.Minor, 10)
		}
		rule := d.Type + " " + major + ":" + minor + " " + d.Access
		if err := c.write("devices", file, rule); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) Stats() (*cgroups.Stats, error) {
	s := &cgroups.Stats{}
	if v, err := c.read("memory", "memory.usage_in_bytes"); err == nil {
		s.MemoryUsage, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, err := c.read("pids", "pids.current"); err == nil {
		s.PidsCurrent, _ = strconv.ParseInt(v, 10, 64)
	}
	return s, nil
}

func (c *Controller) Destroy() error {
	var firstErr error
	for _, dir := range c.subsystems {
		if err := os.Remove(dir); err != nil && firstErr == nil {
			firstErr = errors.WrappedIo("rmdir", dir, err)
		}
	}
	return firstErr
}

// mountedSubsystems scans /proc/self/mountinfo for cgroup v1 mount points and
// returns subsystem name -> host mount directory.
func mountedSubsystems() (map[string]string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, errors.WrappedIo("open", "/proc/self/mountinfo", err)
	}
	defer f.Close()

	out := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		sepIdx := strings.Index(line, " - ")
		if sepIdx < 0 {
			continue
		}
		pre := strings.Fields(line[:sepIdx])
		post := strings.Fields(line[sepIdx+3:])
		if len(post) < 3 || post[0] != "cgroup" {
			continue
		}
		mountPoint := pre[4]
		for _, opt := range strings.Split(post[2], ",") {
			switch opt {
			case "rw", "ro", "noexec", "nosuid", "nodev", "relatime":
				continue
			default:
				out[strings.TrimPrefix(opt, "name=")] = mountPoint
			}
		}
	}
	return out, scanner.Err()
}
