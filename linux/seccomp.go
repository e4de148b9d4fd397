// Package linux provides seccomp BPF filter support.
package linux

import (
	"fmt"

	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"ocirun/errors"
	"ocirun/spec"
)

// SetupSeccomp compiles the OCI seccomp configuration into a libseccomp
// filter, installs it on the calling thread, and returns the SCMP_ACT_NOTIFY
// listener fd when the filter uses one (or -1 otherwise). A nil config is a
// no-op.
func SetupSeccomp(config *spec.LinuxSeccomp) (int, error) {
	if config == nil {
		return -1, nil
	}

	if config.DefaultAction == spec.ActNotify {
		// SCMP_ACT_NOTIFY as the default action means every unmatched
		// syscall blocks on the listener handshake before init can even
		// report readiness - a guaranteed deadlock.
		return -1, errors.New(errors.ErrNotifyAsDefaultAction, "seccomp",
			"SCMP_ACT_NOTIFY cannot be the filter's default action")
	}
	for _, call := range config.Syscalls {
		if call.Action != spec.ActNotify {
			continue
		}
		for _, name := range call.Names {
			if name == "write" {
				// Writing ExecFailed/InitReady over the IPC channel is
				// itself a write(2); notifying on it would deadlock the
				// stage that is trying to report the notify fd.
				return -1, errors.New(errors.ErrNotifyWriteSyscall, "seccomp",
					"SCMP_ACT_NOTIFY cannot apply to the write syscall")
			}
		}
	}

	defaultAction, err := toAction(config.DefaultAction, config.DefaultErrnoRet)
	if err != nil {
		return -1, fmt.Errorf("default action: %w", err)
	}

	filter, err := libseccomp.NewFilter(defaultAction)
	if err != nil {
		return -1, fmt.Errorf("new filter: %w", err)
	}
	defer filter.Release()

	arches := config.Architectures
	if len(arches) == 0 {
		if native, err := libseccomp.GetNativeArch(); err == nil {
			arches = []spec.Arch{spec.Arch(native.String())}
		}
	}
	for _, arch := range arches {
		scmpArch, err := libseccomp.GetArchFromString(string(arch))
		if err != nil {
			// Kernel/libseccomp build doesn't know this token; skip it
			// rather than failing the whole filter.
			continue
		}
		if err := filter.AddArch(scmpArch); err != nil {
			return -1, fmt.Errorf("add architecture %s: %w", arch, err)
		}
	}

	// The runtime installs no_new_privs itself alongside the capability
	// drop, so the filter must not flip it a second time.
	if err := filter.SetNoNewPrivsBit(false); err != nil {
		return -1, fmt.Errorf("clear no-new-privs bit: %w", err)
	}

	usesNotify := false
	for i := range config.Syscalls {
		call := &config.Syscalls[i]
		if call.Action == spec.ActNotify {
			usesNotify = true
		}
		if err := addSyscallRule(filter, call); err != nil {
			return -1, fmt.Errorf("rule for %v: %w", call.Names, err)
		}
	}

	if err := filter.Load(); err != nil {
		return -1, fmt.Errorf("load filter: %w", err)
	}

	if !usesNotify {
		return -1, nil
	}
	fd, err := filter.GetNotifFd()
	if err != nil {
		return -1, fmt.Errorf("get notify fd: %w", err)
	}
	return int(fd), nil
}

// addSyscallRule adds one filter rule per name in call.Names, resolving the
// syscall number natively per architecture. A name the running kernel
// doesn't recognize is skipped with a warning rather than failing the
// filter outright - newer profiles routinely list syscalls older kernels
// lack.
func addSyscallRule(filter *libseccomp.ScmpFilter, call *spec.LinuxSyscall) error {
	action, err := toAction(call.Action, call.ErrnoRet)
	if err != nil {
		return err
	}

	for _, name := range call.Names {
		callNum, err := libseccomp.GetSyscallFromName(name)
		if err != nil {
			fmt.Printf("[seccomp] warning: unknown syscall %q, skipping\n", name)
			continue
		}

		if len(call.Args) == 0 {
			if err := filter.AddRule(callNum, action); err != nil {
				return fmt.Errorf("add rule for %s: %w", name, err)
			}
			continue
		}
		if err := addConditionalRule(filter, callNum, action, call.Args); err != nil {
			return fmt.Errorf("add conditional rule for %s: %w", name, err)
		}
	}
	return nil
}

// addConditionalRule emits the argument comparisons for one syscall.
// libseccomp only accepts one comparison per argument index within a single
// rule; when the OCI config lists more than one condition on the same
// argument, each condition is instead attached to its own rule so every
// comparison still takes effect.
func addConditionalRule(filter *libseccomp.ScmpFilter, callNum libseccomp.ScmpSyscall, action libseccomp.ScmpAction, args []spec.LinuxSeccompArg) error {
	argCounts := make(map[uint]int, len(args))
	conds := make([]libseccomp.ScmpCondition, 0, len(args))
	for i := range args {
		cond, err := toCondition(&args[i])
		if err != nil {
			return err
		}
		argCounts[args[i].Index]++
		conds = append(conds, cond)
	}

	sharedArg := false
	for _, n := range argCounts {
		if n > 1 {
			sharedArg = true
			break
		}
	}
	if !sharedArg {
		return filter.AddRuleConditional(callNum, action, conds)
	}

	for _, cond := range conds {
		if err := filter.AddRuleConditional(callNum, action, []libseccomp.ScmpCondition{cond}); err != nil {
			return err
		}
	}
	return nil
}

func toCondition(arg *spec.LinuxSeccompArg) (libseccomp.ScmpCondition, error) {
	op, err := toCompareOp(arg.Op)
	if err != nil {
		return libseccomp.ScmpCondition{}, fmt.Errorf("compare operator: %w", err)
	}
	cond, err := libseccomp.MakeCondition(arg.Index, op, arg.Value, arg.ValueTwo)
	if err != nil {
		return libseccomp.ScmpCondition{}, fmt.Errorf("make condition: %w", err)
	}
	return cond, nil
}

func toCompareOp(op spec.LinuxSeccompOperator) (libseccomp.ScmpCompareOp, error) {
	switch op {
	case spec.OpEqualTo:
		return libseccomp.CompareEqual, nil
	case spec.OpNotEqual:
		return libseccomp.CompareNotEqual, nil
	case spec.OpGreaterThan:
		return libseccomp.CompareGreater, nil
	case spec.OpGreaterEqual:
		return libseccomp.CompareGreaterEqual, nil
	case spec.OpLessThan:
		return libseccomp.CompareLess, nil
	case spec.OpLessEqual:
		return libseccomp.CompareLessOrEqual, nil
	case spec.OpMaskedEqual:
		return libseccomp.CompareMaskedEqual, nil
	default:
		return libseccomp.CompareInvalid, fmt.Errorf("invalid operator %q", op)
	}
}

func toAction(act spec.LinuxSeccompAction, errnoRet *uint) (libseccomp.ScmpAction, error) {
	switch act {
	case spec.ActKill, spec.ActKillThread:
		return libseccomp.ActKillThread, nil
	case spec.ActKillProcess:
		return libseccomp.ActKillProcess, nil
	case spec.ActErrno:
		return libseccomp.ActErrno.SetReturnCode(errnoCode(errnoRet)), nil
	case spec.ActTrap:
		return libseccomp.ActTrap, nil
	case spec.ActAllow:
		return libseccomp.ActAllow, nil
	case spec.ActTrace:
		return libseccomp.ActTrace.SetReturnCode(errnoCode(errnoRet)), nil
	case spec.ActLog:
		return libseccomp.ActLog, nil
	case spec.ActNotify:
		return libseccomp.ActNotify, nil
	default:
		return libseccomp.ActInvalid, fmt.Errorf("invalid action %q", act)
	}
}

func errnoCode(errnoRet *uint) int16 {
	if errnoRet != nil {
		return int16(*errnoRet)
	}
	return int16(unix.EPERM)
}
