// Package container implements the kill operation.
package container

import (
	"context"
	"fmt"
	"syscall"

	mobysignal "github.com/moby/sys/signal"
)

// ParseSignal parses a signal name or number (e.g. "KILL", "SIGKILL", "9")
// into a syscall.Signal.
func ParseSignal(s string) (syscall.Signal, error) {
	sig, err := mobysignal.ParseSignal(s)
	if err != nil {
		return 0, fmt.Errorf("unknown signal: %s", s)
	}
	return sig, nil
}

// Kill sends a signal to the container's init process.
func Kill(ctx context.Context, id, stateRoot string, sig syscall.Signal, all bool) error {
	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return fmt.Errorf("load container: %w", err)
	}

	// Verify container is running
	c.RefreshStatus()
	if !c.IsRunning() {
		return fmt.Errorf("container is not running")
	}

	// Send signal
	if all {
		return c.SignalAll(sig)
	}
	return c.Signal(sig)
}
