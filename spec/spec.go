// Package spec re-exposes the OCI Runtime Specification document types from
// github.com/opencontainers/runtime-spec/specs-go under the module's own
// import path, and supplies the one thing that library does not: a default
// config.json generator matching the `spec` CLI command's output shape. The
// parser itself is an external collaborator — callers hand this package an
// already-decoded *specs.Spec (via LoadSpec, a thin os.Open+json.Decode) and
// every component downstream reads the canonical types directly.
package spec

import (
	"encoding/json"
	"os"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Version is the OCI Runtime Specification version this implementation targets.
const Version = "1.0.2"

// Type aliases keep every caller's `spec.Foo` spelling working while the
// underlying definitions live in the canonical runtime-spec module.
type (
	Spec                  = specs.Spec
	Process               = specs.Process
	Box                   = specs.Box
	User                  = specs.User
	LinuxCapabilities     = specs.LinuxCapabilities
	POSIXRlimit           = specs.POSIXRlimit
	Root                  = specs.Root
	Mount                 = specs.Mount
	Hook                  = specs.Hook
	Hooks                 = specs.Hooks
	Linux                 = specs.Linux
	LinuxIDMapping        = specs.LinuxIDMapping
	LinuxNamespace        = specs.LinuxNamespace
	LinuxNamespaceType    = specs.LinuxNamespaceType
	LinuxDevice           = specs.LinuxDevice
	LinuxResources        = specs.LinuxResources
	LinuxDeviceCgroup     = specs.LinuxDeviceCgroup
	LinuxMemory           = specs.LinuxMemory
	LinuxCPU              = specs.LinuxCPU
	LinuxPids             = specs.LinuxPids
	LinuxBlockIO          = specs.LinuxBlockIO
	LinuxWeightDevice     = specs.LinuxWeightDevice
	LinuxThrottleDevice   = specs.LinuxThrottleDevice
	LinuxHugepageLimit    = specs.LinuxHugepageLimit
	LinuxNetwork          = specs.LinuxNetwork
	LinuxInterfacePriority = specs.LinuxInterfacePriority
	LinuxRdma             = specs.LinuxRdma
	LinuxSeccomp          = specs.LinuxSeccomp
	LinuxSeccompAction    = specs.LinuxSeccompAction
	LinuxSeccompArch      = specs.Arch
	LinuxSeccompFlag      = specs.LinuxSeccompFlag
	LinuxSyscall          = specs.LinuxSyscall
	LinuxSeccompArg       = specs.LinuxSeccompArg
	LinuxSeccompOperator  = specs.LinuxSeccompOperator
	LinuxIntelRdt         = specs.LinuxIntelRdt
	LinuxPersonality      = specs.LinuxPersonality
	LinuxPersonalityDomain = specs.LinuxPersonalityDomain
	Arch                  = specs.Arch
)

const (
	PIDNamespace     = specs.PIDNamespace
	NetworkNamespace = specs.NetworkNamespace
	MountNamespace   = specs.MountNamespace
	IPCNamespace     = specs.IPCNamespace
	UTSNamespace     = specs.UTSNamespace
	UserNamespace    = specs.UserNamespace
	CgroupNamespace  = specs.CgroupNamespace
	TimeNamespace    = specs.TimeNamespace
)

// Seccomp default-action values (specs.LinuxSeccompAction).
const (
	ActKill        = specs.ActKill
	ActKillProcess = specs.ActKillProcess
	ActKillThread  = specs.ActKillThread
	ActTrap        = specs.ActTrap
	ActErrno       = specs.ActErrno
	ActTrace       = specs.ActTrace
	ActAllow       = specs.ActAllow
	ActLog         = specs.ActLog
	ActNotify      = specs.ActNotify
)

// Seccomp architecture tokens (specs.Arch).
const (
	ArchX86         = specs.ArchX86
	ArchX86_64      = specs.ArchX86_64
	ArchX32         = specs.ArchX32
	ArchARM         = specs.ArchARM
	ArchAARCH64     = specs.ArchAARCH64
	ArchMIPS        = specs.ArchMIPS
	ArchMIPS64      = specs.ArchMIPS64
	ArchMIPS64N32   = specs.ArchMIPS64N32
	ArchMIPSEL      = specs.ArchMIPSEL
	ArchMIPSEL64    = specs.ArchMIPSEL64
	ArchMIPSEL64N32 = specs.ArchMIPSEL64N32
	ArchPPC         = specs.ArchPPC
	ArchPPC64       = specs.ArchPPC64
	ArchPPC64LE     = specs.ArchPPC64LE
	ArchS390        = specs.ArchS390
	ArchS390X       = specs.ArchS390X
	ArchPARISC      = specs.ArchPARISC
	ArchPARISC64    = specs.ArchPARISC64
)

// Seccomp comparison operators (specs.LinuxSeccompOperator).
const (
	OpEqualTo              = specs.OpEqualTo
	OpNotEqual             = specs.OpNotEqual
	OpGreaterThan          = specs.OpGreaterThan
	OpGreaterEqual         = specs.OpGreaterEqual
	OpLessThan             = specs.OpLessThan
	OpLessEqual            = specs.OpLessEqual
	OpMaskedEqual          = specs.OpMaskedEqual
)

// LoadSpec reads and decodes config.json from the bundle's config path.
func LoadSpec(path string) (*Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var s Spec
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save writes s as indented JSON to path.
func Save(s *Spec, path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultSpec returns the default config.json content generated by the `spec`
// command, matching the conventions of the rest of the OCI runtime ecosystem:
// an "sh" process with a terminal, a writable rootfs at "rootfs", the standard
// mount list, the default capability set, and the seven Linux namespaces
// minus user (added separately for --rootless).
func DefaultSpec() *Spec {
	return &Spec{
		Version: Version,
		Process: &Process{
			Terminal: true,
			User:     User{UID: 0, GID: 0},
			Args:     []string{"sh"},
			Env: []string{
				"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
				"TERM=xterm",
			},
			Cwd:             "/",
			Capabilities:    defaultCapabilities(),
			Rlimits: []POSIXRlimit{
				{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
			},
			NoNewPrivileges: true,
		},
		Root: &Root{
			Path:     "rootfs",
			Readonly: false,
		},
		Hostname: "ocirun",
		Mounts: []Mount{
			{Destination: "/proc", Type: "proc", Source: "proc"},
			{Destination: "/dev", Type: "tmpfs", Source: "tmpfs",
				Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
			{Destination: "/dev/pts", Type: "devpts", Source: "devpts",
				Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620", "gid=5"}},
			{Destination: "/dev/shm", Type: "tmpfs", Source: "shm",
				Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
			{Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue",
				Options: []string{"nosuid", "noexec", "nodev"}},
			{Destination: "/sys", Type: "sysfs", Source: "sysfs",
				Options: []string{"nosuid", "noexec", "nodev", "ro"}},
			{Destination: "/sys/fs/cgroup", Type: "cgroup", Source: "cgroup",
				Options: []string{"nosuid", "noexec", "nodev", "relatime", "ro"}},
		},
		Linux: &Linux{
			MaskedPaths: []string{
				"/proc/acpi", "/proc/asound", "/proc/kcore", "/proc/keys",
				"/proc/latency_stats", "/proc/timer_list", "/proc/timer_stats",
				"/proc/sched_debug", "/sys/firmware", "/proc/scsi",
			},
			ReadonlyPaths: []string{
				"/proc/bus", "/proc/fs", "/proc/irq", "/proc/sys", "/proc/sysrq-trigger",
			},
			Resources: &LinuxResources{},
			Namespaces: []LinuxNamespace{
				{Type: PIDNamespace},
				{Type: NetworkNamespace},
				{Type: IPCNamespace},
				{Type: UTSNamespace},
				{Type: MountNamespace},
				{Type: CgroupNamespace},
			},
		},
	}
}

func defaultCapabilities() *LinuxCapabilities {
	caps := []string{
		"CAP_AUDIT_WRITE", "CAP_KILL", "CAP_NET_BIND_SERVICE",
		"CAP_CHOWN", "CAP_DAC_OVERRIDE", "CAP_FSETID", "CAP_FOWNER",
		"CAP_MKNOD", "CAP_NET_RAW", "CAP_SETGID", "CAP_SETUID",
		"CAP_SETFCAP", "CAP_SETPCAP", "CAP_SYS_CHROOT",
	}
	return &LinuxCapabilities{
		Bounding:    caps,
		Effective:   caps,
		Inheritable: caps,
		Permitted:   caps,
		Ambient:     nil,
	}
}

// intPtr returns a pointer to a copy of v.
func intPtr(v int64) *int64 {
	return &v
}
