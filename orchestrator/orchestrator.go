// Package orchestrator implements the three-stage process creation protocol
// (component L): main clones intermediate, intermediate unshares the user
// namespace and clones init, coordinating uid/gid mapping writes, namespace
// entry, seccomp notifier fd handoff, and readiness over the typed IPC
// channels of package ipc. Stages communicate exclusively through those
// channels; there is no shared memory (§5).
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"ocirun/cgroups"
	"ocirun/cgroups/backend"
	"ocirun/errors"
	"ocirun/hooks"
	"ocirun/ipc"
	"ocirun/linux"
	"ocirun/logging"
	"ocirun/rdt"
	"ocirun/spec"
)

const (
	intermediateEntry = "ocirun-intermediate"
	initEntry         = "ocirun-init"

	envMainFd         = "OCIRUN_MAIN_FD"
	envIntermediateFd = "OCIRUN_INTERMEDIATE_FD"
	envInitFd         = "OCIRUN_INIT_FD"
	envBundle         = "OCIRUN_BUNDLE"
	envRootfs         = "OCIRUN_ROOTFS"
	envConsoleFd      = "OCIRUN_CONSOLE_FD"
	envExecFifo       = "OCIRUN_EXEC_FIFO"
	envContainerID    = "OCIRUN_CONTAINER_ID"
)

func init() {
	reexec.Register(intermediateEntry, intermediateMain)
	reexec.Register(initEntry, initMain)
}

// Init must be called at the very top of main(), before any other
// initialization, so a re-exec into the intermediate/init entrypoints never
// runs ordinary CLI startup code (the moby/containerd re-exec convention).
func Init() bool {
	return reexec.Init()
}

// Config is the input the builder façade (component M) assembles from a
// parsed OCI document.
type Config struct {
	ID         string
	Bundle     string
	Rootfs     string
	Spec       *spec.Spec
	ConsoleFd    int // -1 if none
	UseSystemd   bool
	CgroupPath   string
	ExecFifoPath string // blocks init between setup and exec until start opens it
}

// Result is what the main stage reports back to the caller on success.
type Result struct {
	InitPid          int
	RdtCreatedSubdir bool
}

// Create runs the full create-path sequencing described by §4.L: close fds,
// clone intermediate, relay the mapping write, wait for IntermediateReady,
// apply RDT, wait for InitReady (logging a seccomp notifier fd if one
// arrives; the fd is not forwarded), then reap intermediate.
func Create(cfg Config) (*Result, error) {
	log := logging.WithOperation(logging.WithContainer(logging.Default(), cfg.ID), "create")

	// Step 1: close_range all non-stdio fds, close-on-exec, before clone.
	// Mitigates CVE-2019-5736-class fd leaks into the container.
	if err := linux.Sys.CloseRange(3, ^uint(0)>>1, uint(unix.CLOSE_RANGE_CLOEXEC)); err != nil {
		log.Warn("close_range", "err", err)
	}

	mainToIntermediate, intermediateSideMain, err := ipc.NewPair()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "open main<->intermediate channel")
	}
	mainToInit, initSideMain, err := ipc.NewPair()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "open main<->init channel")
	}
	intermediateToInit, initSideIntermediate, err := ipc.NewPair()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "open intermediate<->init channel")
	}
	defer mainToIntermediate.Close()
	defer mainToInit.Close()
	defer intermediateToInit.Close()

	cmd := reexec.Command(intermediateEntry)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.ExtraFiles = []*os.File{
		os.NewFile(uintptr(intermediateSideMain.Fd()), "main"),
		os.NewFile(uintptr(initSideMain.Fd()), "init"),
	}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", envMainFd, 3),
		fmt.Sprintf("%s=%d", envInitFd, 4),
		envBundle+"="+cfg.Bundle,
		envRootfs+"="+cfg.Rootfs,
		envExecFifo+"="+cfg.ExecFifoPath,
		envContainerID+"="+cfg.ID,
	)
	// The intermediate is an ordinary child of main. CLONE_PARENT is set on
	// init's clone in intermediateMain, so init's parent is main too; main
	// waits here only on the intermediate pid.
	cmd.SysProcAttr = &syscall.SysProcAttr{}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "clone intermediate")
	}
	intermediateSideMain.Close()
	initSideMain.Close()
	initSideIntermediate.Close()

	hasUserNS := linux.HasNamespace(cfg.Spec.Linux.Namespaces, spec.UserNamespace)

	result := &Result{}

	for {
		msg, err := mainToIntermediate.Recv()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrInternal, "recv from intermediate")
		}

		switch msg.Kind {
		case ipc.WriteMappingRequest:
			if !hasUserNS {
				return nil, errors.New(errors.ErrNoUserNamespace, "create", "mapping requested without a user namespace")
			}
			if err := linux.WriteIDMappings(msg.Pid, cfg.Spec.Linux.UIDMappings, cfg.Spec.Linux.GIDMappings); err != nil {
				return nil, errors.Wrap(err, errors.ErrNamespace, "write id mappings")
			}
			if err := mainToIntermediate.Send(ipc.Message{Kind: ipc.MappingWritten}); err != nil {
				return nil, errors.Wrap(err, errors.ErrInternal, "send mapping written")
			}
			continue

		case ipc.IntermediateReady:
			result.InitPid = msg.Pid

		case ipc.OtherError:
			return nil, errors.New(errors.ErrInternal, "intermediate", msg.Text)

		default:
			return nil, &ipc.UnexpectedMessage{Expected: ipc.IntermediateReady, Received: msg.Kind}
		}
		break
	}

	if cfg.CgroupPath != "" {
		cgroup, err := backend.New(context.Background(), cfg.CgroupPath, cfg.UseSystemd, result.InitPid)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCgroup, "create cgroup")
		}
		if err := cgroup.AddProcess(result.InitPid); err != nil {
			return nil, errors.Wrap(err, errors.ErrCgroup, "add process to cgroup")
		}
		if cfg.Spec.Linux.Resources != nil {
			if err := cgroup.Apply(&cgroups.Options{Resources: cfg.Spec.Linux.Resources}); err != nil {
				return nil, errors.Wrap(err, errors.ErrCgroup, "apply resources")
			}
		}
	}

	if cfg.Spec.Linux.IntelRdt != nil {
		created, err := rdt.Apply(cfg.ID, result.InitPid, cfg.Spec.Linux.IntelRdt)
		if err != nil {
			log.Warn("intel rdt apply failed", "err", err)
		} else {
			result.RdtCreatedSubdir = created
		}
	}

	if cfg.Spec.Hooks != nil {
		if err := hooks.RunWithState(cfg.Spec.Hooks, hooks.Prestart, cfg.ID, result.InitPid, cfg.Bundle, spec.StatusCreating); err != nil {
			return nil, errors.Wrap(err, errors.ErrInternal, "prestart hooks")
		}
		if err := hooks.RunWithState(cfg.Spec.Hooks, hooks.CreateRuntime, cfg.ID, result.InitPid, cfg.Bundle, spec.StatusCreating); err != nil {
			return nil, errors.Wrap(err, errors.ErrInternal, "createRuntime hooks")
		}
	}

	for {
		msg, err := mainToInit.Recv()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrInternal, "recv from init")
		}
		switch msg.Kind {
		case ipc.SeccompNotify:
			// The notifier fd is only logged; it is not forwarded to a
			// listener and is not closed here.
			log.Info("received seccomp notifier fd", "fd", msg.Fds[0])
			continue
		case ipc.InitReady:
			goto reap
		case ipc.ExecFailed:
			return nil, errors.New(errors.ErrInternal, "init", "exec failed: "+msg.Text)
		case ipc.OtherError:
			return nil, errors.New(errors.ErrInternal, "init", msg.Text)
		default:
			return nil, &ipc.UnexpectedMessage{Expected: ipc.InitReady, Received: msg.Kind}
		}
	}

reap:
	var ws syscall.WaitStatus
	_, err = syscall.Wait4(cmd.Process.Pid, &ws, 0, nil)
	if err != nil && err != syscall.ECHILD {
		log.Warn("waitpid(intermediate) failed", "err", err)
	} else if ws.ExitStatus() != 0 {
		log.Warn("intermediate exited non-zero", "status", ws.ExitStatus())
	}

	return result, nil
}

// fdEnv reads an integer-valued environment variable set by the parent stage.
func fdEnv(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return -1, errors.New(errors.ErrInternal, "orchestrator", name+" not set")
	}
	return strconv.Atoi(v)
}
