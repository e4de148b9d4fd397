package ipc

import (
	"encoding/json"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// Channel is one endpoint of a unidirectional, message-framed, fd-carrying
// pipe built over an AF_UNIX SOCK_SEQPACKET socket pair. A pair's two
// endpoints are handed one each to the sending and receiving process before
// clone; each endpoint is used by exactly one sender or one receiver,
// matching the "no concurrent writers" ordering guarantee.
type Channel struct {
	fd     int
	mu     sync.Mutex
	closed bool
}

// NewPair creates one socket pair and returns its two endpoints.
func NewPair() (a, b *Channel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	return &Channel{fd: fds[0]}, &Channel{fd: fds[1]}, nil
}

// Fd returns the raw descriptor, for passing across a clone/exec boundary.
func (c *Channel) Fd() int { return c.fd }

// FromFd wraps an inherited descriptor (e.g. one passed across exec via
// ExtraFiles and recovered from an environment variable) as a Channel.
func FromFd(fd int) *Channel {
	return &Channel{fd: fd}
}

// Send writes msg, attaching msg.Fds as SCM_RIGHTS ancillary data when
// present. The seccomp-notify message is the only payload that carries
// exactly one fd; everything else carries none.
func (c *Channel) Send(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var oob []byte
	if len(msg.Fds) > 0 {
		oob = unix.UnixRights(msg.Fds...)
	}

	return unix.Sendmsg(c.fd, payload, oob, nil, 0)
}

// Recv blocks until one message arrives or the peer closes (reported as
// io.EOF). Any descriptors attached via SCM_RIGHTS populate the returned
// Message's Fds.
func (c *Channel) Recv() (Message, error) {
	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4*4)) // room for up to 4 fds

	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		return Message{}, err
	}
	if n == 0 {
		return Message{}, io.EOF
	}

	var msg Message
	if err := json.Unmarshal(buf[:n], &msg); err != nil {
		return Message{}, err
	}

	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, cm := range cmsgs {
				fds, err := unix.ParseUnixRights(&cm)
				if err == nil {
					msg.Fds = append(msg.Fds, fds...)
				}
			}
		}
	}

	return msg, nil
}

// Expect receives one message and requires it carry kind, returning
// UnexpectedMessage otherwise.
func (c *Channel) Expect(kind Kind) (Message, error) {
	msg, err := c.Recv()
	if err != nil {
		return Message{}, err
	}
	if msg.Kind != kind {
		return Message{}, &UnexpectedMessage{Expected: kind, Received: msg.Kind}
	}
	if kind == SeccompNotify && len(msg.Fds) == 0 {
		return Message{}, &MissingSeccompFds{}
	}
	return msg, nil
}

// Close is idempotent: closing an already-closed channel is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}
