package ebpf

import (
	"os"
	"unsafe"

	cebpf "github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"ocirun/errors"
)

const memlockBump = 128 * 1024 * 1024

// bpf(2) command numbers and cgroup-device constants not exposed as named
// wrappers by golang.org/x/sys/unix; the raw SYS_BPF syscall is the portable
// seam (component A's syscall surface) for the PROG_ATTACH/DETACH/QUERY/
// GET_FD_BY_ID quartet this package needs.
const (
	bpfProgAttach     = 8
	bpfProgDetach     = 9
	bpfProgQuery      = 16
	bpfProgGetFdByID  = 14
	bpfCgroupDevice   = 12
	bpfFAllowMulti    = 1 << 1
)

type bpfAttachAttr struct {
	targetFd    uint32
	attachBpfFd uint32
	attachType  uint32
	attachFlags uint32
}

type bpfQueryAttr struct {
	targetFd     uint32
	attachType   uint32
	queryFlags   uint32
	attachFlags  uint32
	progIDs      uint64
	progCnt      uint32
	_            uint32
}

type bpfGetFdByIDAttr struct {
	progID uint32
	flags  uint32
}

func bpfSyscall(cmd int, attr unsafe.Pointer, size uintptr) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_BPF, uintptr(cmd), uintptr(attr), size)
	if errno != 0 {
		return r1, errno
	}
	return r1, nil
}

// Attach loads spec as a cgroup-device program, bumps RLIMIT_MEMLOCK, attaches
// it to cgroupPath with BPF_F_ALLOW_MULTI, and only after the new program is
// confirmed attached detaches every previously-attached program found via
// bpf_prog_query (an atomic replace, so a failed attach never leaves the cgroup
// briefly unguarded).
func Attach(cgroupPath string, spec *cebpf.ProgramSpec) error {
	if err := bumpMemlock(); err != nil {
		return err
	}

	prog, err := cebpf.NewProgram(spec)
	if err != nil {
		return errors.Wrap(err, errors.ErrCgroup, "load device bpf program")
	}

	cgFile, err := os.Open(cgroupPath)
	if err != nil {
		prog.Close()
		return errors.WrappedIo("open", cgroupPath, err)
	}
	defer cgFile.Close()

	previous, err := queryAttached(int(cgFile.Fd()))
	if err != nil {
		prog.Close()
		return err
	}

	attachAttr := bpfAttachAttr{
		targetFd:    uint32(cgFile.Fd()),
		attachBpfFd: uint32(prog.FD()),
		attachType:  bpfCgroupDevice,
		attachFlags: bpfFAllowMulti,
	}
	if _, err := bpfSyscall(bpfProgAttach, unsafe.Pointer(&attachAttr), unsafe.Sizeof(attachAttr)); err != nil {
		prog.Close()
		return errors.Wrap(err, errors.ErrCgroup, "bpf_prog_attach")
	}

	for _, id := range previous {
		if fd, ferr := progFdByID(id); ferr == nil {
			detachAttr := bpfAttachAttr{
				targetFd:    uint32(cgFile.Fd()),
				attachBpfFd: uint32(fd),
				attachType:  bpfCgroupDevice,
			}
			_, _ = bpfSyscall(bpfProgDetach, unsafe.Pointer(&detachAttr), unsafe.Sizeof(detachAttr))
			unix.Close(fd)
		}
	}

	return nil
}

// queryAttached lists currently-attached cgroup-device program ids via
// bpf_prog_query, doubling the result buffer on ENOSPC until the query
// succeeds, matching the spec's retry contract.
func queryAttached(cgroupFd int) ([]uint32, error) {
	bufLen := uint32(8)
	for {
		ids := make([]uint32, bufLen)
		attr := bpfQueryAttr{
			targetFd:    uint32(cgroupFd),
			attachType:  bpfCgroupDevice,
			attachFlags: bpfFAllowMulti,
			progIDs:     uint64(uintptr(unsafe.Pointer(&ids[0]))),
			progCnt:     bufLen,
		}
		_, err := bpfSyscall(bpfProgQuery, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
		if err == unix.ENOSPC {
			bufLen *= 2
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCgroup, "bpf_prog_query")
		}
		n := attr.progCnt
		if n > bufLen {
			n = bufLen
		}
		return ids[:n], nil
	}
}

func progFdByID(id uint32) (int, error) {
	attr := bpfGetFdByIDAttr{progID: id}
	fd, err := bpfSyscall(bpfProgGetFdByID, unsafe.Pointer(&attr), unsafe.Sizeof(attr))
	if err != nil {
		return 0, err
	}
	return int(fd), nil
}

func bumpMemlock() error {
	limit := unix.Rlimit{Cur: memlockBump, Max: memlockBump}
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &limit); err != nil {
		return errors.Wrap(err, errors.ErrCgroup, "setrlimit RLIMIT_MEMLOCK")
	}
	return nil
}
