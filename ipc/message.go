// Package ipc implements the typed, fd-carrying, uni-directional channel the
// three-stage process orchestrator uses to coordinate main, intermediate, and
// init (component B). It generalizes the teacher's original byte-signal
// utils.SyncPipe into a message-framed primitive over AF_UNIX SOCK_SEQPACKET
// socket pairs, carrying SCM_RIGHTS file descriptors alongside a JSON payload
// sent as one datagram (SOCK_SEQPACKET keeps message boundaries).
package ipc

import "fmt"

// Kind tags the closed union of messages that can traverse a channel.
type Kind string

const (
	// Main channel.
	IntermediateReady   Kind = "intermediate_ready"
	WriteMappingRequest Kind = "write_mapping_request"
	SeccompNotify       Kind = "seccomp_notify"
	InitReady           Kind = "init_ready"
	ExecFailed          Kind = "exec_failed"
	OtherError          Kind = "other_error"

	// Intermediate channel.
	MappingWritten Kind = "mapping_written"

	// Init channel.
	SeccompNotifyDone Kind = "seccomp_notify_done"
)

// Message is the wire form of one typed value: Kind selects which of the
// closed union's payload fields is meaningful, Fds carries the optional
// attached file descriptors (exactly one, for SeccompNotify).
type Message struct {
	Kind Kind   `json:"kind"`
	Pid  int    `json:"pid,omitempty"`
	Text string `json:"text,omitempty"`
	Fds  []int  `json:"-"`
}

// UnexpectedMessage is returned when a receiver expecting one tag observes
// another.
type UnexpectedMessage struct {
	Expected Kind
	Received Kind
}

func (e *UnexpectedMessage) Error() string {
	return fmt.Sprintf("unexpected message: expected %s, got %s", e.Expected, e.Received)
}

// MissingSeccompFds is returned when a SeccompNotify message arrives with no
// attached file descriptor.
type MissingSeccompFds struct{}

func (e *MissingSeccompFds) Error() string {
	return "seccomp notify message carried no file descriptor"
}
