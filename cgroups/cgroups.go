// Package cgroups defines the portable resource model shared by the v1, v2, and
// systemd-unit cgroup backends: the typed controller options, the freezer state
// machine, the cpu shares→weight and cpuset bitmask conversions, and the
// unified-key dispatcher that lets v2 and systemd share one key/value translation
// table. It generalizes the single-hierarchy writer in the original cgroup.go into
// a backend-agnostic Manager contract.
package cgroups

import (
	"fmt"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"ocirun/errors"
)

// FreezerState is the desired state driven by the freezer retry loop (component N).
type FreezerState int

const (
	// Undefined means no freezer change was requested.
	Undefined FreezerState = iota
	Thawed
	Frozen
)

func (s FreezerState) String() string {
	switch s {
	case Thawed:
		return "THAWED"
	case Frozen:
		return "FROZEN"
	default:
		return "UNDEFINED"
	}
}

// Options is the transient, per-apply set of typed resource requests described by
// the data model: an ordered resource description plus a desired freezer target
// and an OOM-killer toggle. Unified carries free-form key/value overrides that the
// dispatcher (component O) routes to the right controller setting.
type Options struct {
	Resources        *specs.LinuxResources
	Unified          map[string]string
	Freeze           FreezerState
	OomKillerDisable bool
}

// Stats is the subset of controller readouts the core exposes (memory/pids
// current usage); richer per-controller stats live on the concrete backends.
type Stats struct {
	MemoryUsage int64
	PidsCurrent int64
}

// Manager is the backend-agnostic contract implemented by the v1, v2, and
// systemd-unit controllers. Each controller is independent and idempotent:
// omitted Options fields are no-ops, never zero writes.
type Manager interface {
	Path() string
	AddProcess(pid int) error
	Apply(opts *Options) error
	Stats() (*Stats, error)
	Freeze(state FreezerState) error
	Destroy() error
}

// ConvertCPUSharesToWeight implements the v1→v2 shares conversion: shares == 0 is
// a sentinel for "no-op", not an allocation request, and maps to weight 0;
// otherwise the affine map from [2, 262144] to [1, 10000], clamped.
func ConvertCPUSharesToWeight(shares uint64) uint64 {
	if shares == 0 {
		return 0
	}
	if shares <= 2 {
		return 1
	}
	weight := 1 + ((shares-2)*9999)/262142
	if weight > 10000 {
		weight = 10000
	}
	return weight
}

// ConvertWeightToCPUShares is the inverse, used when a systemd/v2-only resource
// description must be reported back in v1 shares terms (e.g. stats queries).
func ConvertWeightToCPUShares(weight uint64) uint64 {
	if weight == 0 {
		return 0
	}
	if weight <= 1 {
		return 2
	}
	shares := 2 + ((weight-1)*262142)/9999
	return shares
}

// ConvertCPUQuotaPerSecUSec converts an OCI quota/period pair into the
// microseconds-per-second unit systemd's CPUQuotaPerSecUSec property expects.
// An unrestricted quota (<=0) maps to the systemd "no limit" sentinel.
func ConvertCPUQuotaPerSecUSec(quota int64, period uint64) uint64 {
	if quota <= 0 {
		return ^uint64(0)
	}
	if period == 0 {
		period = 100000
	}
	return uint64(quota) * 1000000 / period
}

// ParseCPUSetBitmask parses a comma/range cpuset list (e.g. "0-3,7") into a byte
// sequence, most-significant-byte first, with leading zero bytes stripped:
// systemd silently ignores AllowedCPUs masks that carry them. The backing bitset
// grows in 8-bit chunks; ranges require start <= end; empty tokens are skipped.
func ParseCPUSetBitmask(list string) ([]byte, error) {
	var bits []bool
	setBit := func(i int) {
		for len(bits) <= i {
			bits = append(bits, false)
		}
		bits[i] = true
	}

	for _, tok := range strings.Split(list, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if dash := strings.IndexByte(tok, '-'); dash >= 0 {
			start, err := strconv.Atoi(tok[:dash])
			if err != nil {
				return nil, errors.New(errors.ErrInvalidInput, "cpuset", fmt.Sprintf("bad range start %q", tok))
			}
			end, err := strconv.Atoi(tok[dash+1:])
			if err != nil {
				return nil, errors.New(errors.ErrInvalidInput, "cpuset", fmt.Sprintf("bad range end %q", tok))
			}
			if start > end {
				return nil, errors.New(errors.ErrInvalidInput, "cpuset", fmt.Sprintf("range start > end: %q", tok))
			}
			for i := start; i <= end; i++ {
				setBit(i)
			}
		} else {
			i, err := strconv.Atoi(tok)
			if err != nil {
				return nil, errors.New(errors.ErrInvalidInput, "cpuset", fmt.Sprintf("bad index %q", tok))
			}
			setBit(i)
		}
	}

	// grow to a whole number of 8-bit chunks
	for len(bits)%8 != 0 {
		bits = append(bits, false)
	}

	numBytes := len(bits) / 8
	out := make([]byte, numBytes)
	for byteIdx := 0; byteIdx < numBytes; byteIdx++ {
		var b byte
		for bitIdx := 0; bitIdx < 8; bitIdx++ {
			if bits[byteIdx*8+bitIdx] {
				b |= 1 << uint(bitIdx)
			}
		}
		// MSB-first byte ordering: the last 8-bit chunk (highest indices) is byte 0.
		out[numBytes-1-byteIdx] = b
	}

	// strip leading zero bytes
	i := 0
	for i < len(out)-1 && out[i] == 0 {
		i++
	}
	return out[i:], nil
}

// IsPowerOfTwo reports whether n is a power of two, used to validate hugetlb
// page-size tokens.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// ParsePageSize parses a hugetlb page-size token's integer prefix (e.g. "2MB",
// "1GB") and validates it is a power of two.
func ParsePageSize(tok string) (uint64, error) {
	i := 0
	for i < len(tok) && tok[i] >= '0' && tok[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, errors.New(errors.ErrInvalidInput, "hugetlb", fmt.Sprintf("no numeric prefix in %q", tok))
	}
	n, err := strconv.ParseUint(tok[:i], 10, 64)
	if err != nil {
		return 0, errors.New(errors.ErrInvalidInput, "hugetlb", fmt.Sprintf("bad page size %q", tok))
	}
	unit := strings.ToUpper(tok[i:])
	switch unit {
	case "KB":
		n *= 1024
	case "MB":
		n *= 1024 * 1024
	case "GB":
		n *= 1024 * 1024 * 1024
	}
	if !IsPowerOfTwo(n) {
		return 0, errors.New(errors.ErrInvalidInput, "hugetlb", fmt.Sprintf("page size %q is not a power of two", tok))
	}
	return n, nil
}

// MemorySwapV2 computes the memory.max / memory.swap.max pair cgroup v2 expects
// from OCI-style (v1 shaped) limit/swap fields: swap is stored as swap-limit, not
// the raw swap value. A limit or swap of -1 means "max" on the respective file.
func MemorySwapV2(limit, swap *int64) (memoryMax string, swapMax string, err error) {
	memoryMax = "max"
	swapMax = "max"

	if limit != nil {
		if *limit < -1 {
			return "", "", errors.New(errors.ErrInvalidInput, "memory", "limit < -1")
		}
		if *limit != -1 {
			memoryMax = strconv.FormatInt(*limit, 10)
		}
	}

	if swap == nil {
		return memoryMax, swapMax, nil
	}
	if *swap < -1 {
		return "", "", errors.New(errors.ErrInvalidInput, "memory", "swap < -1")
	}
	if limit == nil {
		return "", "", errors.New(errors.ErrSwapWithoutLimit, "memory", "swap set without a limit")
	}
	if *swap == -1 || *limit == -1 {
		return memoryMax, "max", nil
	}
	if *swap < *limit {
		return "", "", errors.New(errors.ErrSwapTooSmall, "memory", fmt.Sprintf("swap %d < limit %d", *swap, *limit))
	}
	swapMax = strconv.FormatInt(*swap-*limit, 10)
	return memoryMax, swapMax, nil
}
