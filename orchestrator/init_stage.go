package orchestrator

import (
	"io"
	"log/slog"
	"os"
	"syscall"

	"ocirun/hooks"
	"ocirun/ipc"
	"ocirun/linux"
	"ocirun/logging"
	"ocirun/spec"
)

// initMain is the reexec entrypoint for the third stage: pid 1 of the
// container. It finishes rootfs and device setup, drops capabilities,
// installs the seccomp filter, reports InitReady, and execs the requested
// process image. Nothing after a successful exec runs in this process again.
func initMain() {
	log := logging.WithOperation(logging.Default(), "init")

	initFd, err := fdEnv("OCIRUN_INIT_SELF_FD")
	if err != nil {
		failInit(log, nil, err)
	}
	ch := ipc.FromFd(initFd)
	defer ch.Close()

	s, err := loadSpecFromEnv()
	if err != nil {
		failInit(log, ch, err)
	}

	rootfs := os.Getenv(envRootfs)
	bundle := os.Getenv(envBundle)
	containerID := os.Getenv(envContainerID)

	// Open the exec fifo before rootfs setup: it lives in the state
	// directory on the host side and is unreachable once pivot_root runs.
	var execFifo *os.File
	if fifoPath := os.Getenv(envExecFifo); fifoPath != "" {
		execFifo, err = os.OpenFile(fifoPath, os.O_RDONLY, 0)
		if err != nil {
			failInit(log, ch, err)
		}
	}

	if s.Hooks != nil {
		if err := hooks.RunWithState(s.Hooks, hooks.CreateContainer, containerID, os.Getpid(), bundle, spec.StatusCreating); err != nil {
			failInit(log, ch, err)
		}
	}

	if err := linux.SetupRootfs(s, bundle); err != nil {
		failInit(log, ch, err)
	}
	if s.Linux != nil {
		_ = linux.SetHostname(s.Hostname)
	}
	if err := linux.SetupDefaultDevices(); err != nil {
		log.Warn("setup default devices", "err", err)
	}
	if err := linux.CreateDevices(devicesOrDefault(s)); err != nil {
		log.Warn("create devices", "err", err)
	}

	if s.Process != nil && s.Process.Capabilities != nil {
		if err := linux.ApplyCapabilities(s.Process.Capabilities); err != nil {
			failInit(log, ch, err)
		}
	}

	if s.Linux != nil && s.Linux.Seccomp != nil {
		notifyFd, err := linux.SetupSeccomp(s.Linux.Seccomp)
		if err != nil {
			failInit(log, ch, err)
		}
		if notifyFd >= 0 {
			if err := ch.Send(ipc.Message{Kind: ipc.SeccompNotify, Fds: []int{notifyFd}}); err != nil {
				log.Warn("send seccomp notify fd", "err", err)
			}
			syscall.Close(notifyFd)
		}
	}

	if err := ch.Send(ipc.Message{Kind: ipc.InitReady, Pid: os.Getpid()}); err != nil {
		log.Warn("send init ready", "err", err)
	}

	// Block here until `start` opens and writes to the exec fifo: this is
	// the create/start synchronization point (§4.K). A container created
	// without one (e.g. a test harness) runs immediately.
	if execFifo != nil {
		buf := make([]byte, 1)
		if _, err := execFifo.Read(buf); err != nil && err != io.EOF {
			failInit(log, ch, err)
		}
		execFifo.Close()
	}

	if s.Hooks != nil {
		if err := hooks.RunWithState(s.Hooks, hooks.StartContainer, containerID, os.Getpid(), bundle, spec.StatusCreated); err != nil {
			failInit(log, ch, err)
		}
	}

	if s.Process == nil || len(s.Process.Args) == 0 {
		failInit(log, ch, errNoProcessArgs)
	}

	argv0 := s.Process.Args[0]
	path, err := resolveExecutable(argv0, rootfs)
	if err != nil {
		_ = ch.Send(ipc.Message{Kind: ipc.ExecFailed, Text: err.Error()})
		os.Exit(127)
	}

	env := s.Process.Env
	if err := syscall.Exec(path, s.Process.Args, env); err != nil {
		_ = ch.Send(ipc.Message{Kind: ipc.ExecFailed, Text: err.Error()})
		os.Exit(126)
	}
}

var errNoProcessArgs = &execArgsError{}

type execArgsError struct{}

func (*execArgsError) Error() string { return "process.args is empty" }

func devicesOrDefault(s *spec.Spec) []spec.LinuxDevice {
	if s.Linux == nil {
		return nil
	}
	return s.Linux.Devices
}

func resolveExecutable(name, rootfs string) (string, error) {
	if name[0] == '/' {
		return name, nil
	}
	path, err := lookPath(name)
	if err != nil {
		return "", err
	}
	return path, nil
}

func lookPath(name string) (string, error) {
	for _, dir := range []string{"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin"} {
		candidate := dir + "/" + name
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", &execNotFoundError{name: name}
}

type execNotFoundError struct{ name string }

func (e *execNotFoundError) Error() string { return "executable not found in PATH: " + e.name }

func failInit(log *slog.Logger, ch *ipc.Channel, err error) {
	if log != nil {
		log.Error("init stage failed", "err", err)
	}
	if ch != nil {
		_ = ch.Send(ipc.Message{Kind: ipc.OtherError, Text: err.Error()})
	}
	os.Exit(1)
}
