package linux

import (
	"golang.org/x/sys/unix"
)

// Syscaller wraps the primitive kernel operations rootfs assembly (H),
// namespace management (G), and device-node creation (H) depend on, so
// that code can be exercised with a fake in tests instead of requiring
// root and real namespaces/mounts. The mount, pivot_root, chroot, mknod,
// chown and symlink calls in rootfs.go and the setns/unshare calls in
// namespace.go go through Sys; devices.go, SetHostname/SetDomainname and
// the capability prctl probe call the kernel directly.
type Syscaller interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
	PivotRoot(newRoot, putOld string) error
	Chroot(path string) error
	Mknod(path string, mode uint32, dev int) error
	Chown(path string, uid, gid int) error
	Symlink(oldname, newname string) error
	Setns(fd int, nstype int) error
	Unshare(flags int) error
	Prctl(option int, arg2, arg3, arg4, arg5 uintptr) error
	CloseRange(first, last uint, flags uint) error
	MountSetattr(dfd int, path string, flags uint, attr *unix.MountAttr) error
}

// unixSyscaller is the production Syscaller, a thin pass-through to
// golang.org/x/sys/unix.
type unixSyscaller struct{}

func (unixSyscaller) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (unixSyscaller) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

func (unixSyscaller) PivotRoot(newRoot, putOld string) error {
	return unix.PivotRoot(newRoot, putOld)
}

func (unixSyscaller) Chroot(path string) error {
	return unix.Chroot(path)
}

func (unixSyscaller) Mknod(path string, mode uint32, dev int) error {
	return unix.Mknod(path, mode, dev)
}

func (unixSyscaller) Chown(path string, uid, gid int) error {
	return unix.Chown(path, uid, gid)
}

func (unixSyscaller) Symlink(oldname, newname string) error {
	return unix.Symlink(oldname, newname)
}

func (unixSyscaller) Setns(fd int, nstype int) error {
	return unix.Setns(fd, nstype)
}

func (unixSyscaller) Unshare(flags int) error {
	return unix.Unshare(flags)
}

func (unixSyscaller) Prctl(option int, arg2, arg3, arg4, arg5 uintptr) error {
	return unix.Prctl(option, arg2, arg3, arg4, arg5)
}

func (unixSyscaller) CloseRange(first, last uint, flags uint) error {
	return unix.CloseRange(first, last, flags)
}

func (unixSyscaller) MountSetattr(dfd int, path string, flags uint, attr *unix.MountAttr) error {
	return unix.MountSetattr(dfd, path, flags, attr)
}

// Sys is the Syscaller used by this package's rootfs and namespace
// code. Tests substitute a fake to exercise call sequencing and
// error handling without root.
var Sys Syscaller = unixSyscaller{}
