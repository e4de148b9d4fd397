// Package ebpf compiles OCI device-cgroup allow/deny rules into a
// BPF_PROG_TYPE_CGROUP_DEVICE program (component F) and attaches it with
// BPF_F_ALLOW_MULTI semantics (component D, v2 device enforcement). Instructions
// are assembled with github.com/cilium/ebpf/asm instead of hand-encoded opcode
// bytes; loading uses github.com/cilium/ebpf, while attach, detach and the
// BPF_PROG_QUERY retry protocol go through the raw bpf(2) syscall.
package ebpf

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"ocirun/errors"
)

// DeviceType mirrors the OCI device-cgroup "type" field restricted to the two
// values representable in the eBPF program; "a" (all) is handled by the caller
// as the program's default action, never compiled as a rule.
type DeviceType int

const (
	Char DeviceType = iota
	Block
)

// Access is a bitmask of read/write/mknod, matching bpf_cgroup_dev_ctx's
// access_type high bits.
type Access uint32

const (
	AccessRead  Access = 1 << 0
	AccessWrite Access = 1 << 1
	AccessMknod Access = 1 << 2
)

// Rule is one compiled-ready device rule.
type Rule struct {
	Type  DeviceType
	Major *int64 // nil = wildcard
	Minor *int64 // nil = wildcard
	Access Access
	Allow  bool
}

// RuleFromOCI validates and converts one specs.LinuxDeviceCgroup entry. The "a"
// (all) wildcard must already have been stripped by the caller: it is not
// representable as a single type-compare instruction. Unbuffered char devices
// and named pipes are rejected outright, matching the distilled spec.
func RuleFromOCI(d specs.LinuxDeviceCgroup) (Rule, error) {
	var r Rule
	switch d.Type {
	case "c":
		r.Type = Char
	case "b":
		r.Type = Block
	case "a":
		return Rule{}, errors.New(errors.ErrInvalidInput, "devices", "type \"a\" is not representable as a single rule")
	case "u":
		return Rule{}, errors.New(errors.ErrInvalidInput, "devices", "unbuffered char devices are rejected")
	case "p":
		return Rule{}, errors.New(errors.ErrInvalidInput, "devices", "named pipes are rejected")
	default:
		return Rule{}, errors.New(errors.ErrInvalidInput, "devices", "unknown device type "+d.Type)
	}

	r.Major = d.Major
	r.Minor = d.Minor
	r.Allow = d.Allow

	for _, c := range d.Access {
		switch c {
		case 'r':
			r.Access |= AccessRead
		case 'w':
			r.Access |= AccessWrite
		case 'm':
			r.Access |= AccessMknod
		}
	}
	return r, nil
}
