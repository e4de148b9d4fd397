package orchestrator

import (
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"ocirun/ipc"
	"ocirun/linux"
	"ocirun/logging"
	"ocirun/spec"
)

// intermediateMain is the reexec entrypoint for the second stage. It unshares
// the user namespace (if requested), hands the mapping-write request to main,
// waits for confirmation, enters every remaining namespace in fixed order,
// clones init, and reports IntermediateReady with init's pid.
func intermediateMain() {
	log := logging.WithOperation(logging.Default(), "intermediate")

	mainFd, err := fdEnv(envMainFd)
	if err != nil {
		fail(log, nil, err)
	}
	mainCh := ipc.FromFd(mainFd)
	defer mainCh.Close()

	s, err := loadSpecFromEnv()
	if err != nil {
		fail(log, mainCh, err)
	}

	hasUserNS := linux.HasNamespace(s.Linux.Namespaces, spec.UserNamespace)
	if hasUserNS && linux.GetNamespacePath(s.Linux.Namespaces, spec.UserNamespace) == "" {
		if _, _, errno := syscall.Syscall(unix.SYS_UNSHARE, linux.CLONE_NEWUSER, 0, 0); errno != 0 {
			fail(log, mainCh, errno)
		}
		if err := mainCh.Send(ipc.Message{Kind: ipc.WriteMappingRequest, Pid: os.Getpid()}); err != nil {
			fail(log, mainCh, err)
		}
		if _, err := mainCh.Expect(ipc.MappingWritten); err != nil {
			fail(log, mainCh, err)
		}
		if err := unix.Setresuid(0, 0, 0); err != nil {
			fail(log, mainCh, err)
		}
		if err := unix.Setresgid(0, 0, 0); err != nil {
			fail(log, mainCh, err)
		}
	}

	if err := linux.EnterNamespaces(s.Linux.Namespaces, hasUserNS); err != nil {
		fail(log, mainCh, err)
	}

	cmd := reexec.Command(initEntry)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	initFd, err := fdEnv(envInitFd)
	if err != nil {
		fail(log, mainCh, err)
	}
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(initFd), "init")}
	cmd.Env = append(os.Environ(), "OCIRUN_INIT_SELF_FD=3")
	// CLONE_PARENT reparents init to main directly, so main's waitpid on the
	// container's pid-1 does not race the intermediate's own exit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: unix.CLONE_PARENT}

	if err := cmd.Start(); err != nil {
		fail(log, mainCh, err)
	}

	if err := mainCh.Send(ipc.Message{Kind: ipc.IntermediateReady, Pid: cmd.Process.Pid}); err != nil {
		log.Warn("send intermediate ready", "err", err)
	}

	os.Exit(0)
}

func loadSpecFromEnv() (*spec.Spec, error) {
	bundle := os.Getenv(envBundle)
	return spec.LoadSpec(filepath.Join(bundle, "config.json"))
}

func fail(log *slog.Logger, ch *ipc.Channel, err error) {
	if log != nil {
		log.Error("intermediate stage failed", "err", err)
	}
	if ch != nil {
		_ = ch.Send(ipc.Message{Kind: ipc.OtherError, Text: err.Error()})
	}
	os.Exit(1)
}
