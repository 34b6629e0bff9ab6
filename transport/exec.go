// Package transport models the "remote exec" capability the pull engine
// is built on: a capability exec(cmd) -> (stdout_stream, exit_status)
// that lets a test harness substitute a local subprocess for the real
// SSH session, plus the client side of the remote helper's wire
// protocol.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Session is a single remote command invocation in progress.
type Session interface {
	// Stdout streams the command's standard output.
	Stdout() io.Reader
	// Wait blocks until the command exits, returning a *RemoteError if
	// it exited non-zero or was killed by a signal.
	Wait() error
}

// RemoteExec issues commands against a remote host (or a stand-in for
// one) and streams back their output.
type RemoteExec interface {
	// Start begins executing cmd and returns a Session for reading its
	// stdout and waiting on completion.
	Start(ctx context.Context, cmd string) (Session, error)
}

// RemoteError wraps a non-zero exit status or signal, with captured
// stderr.
type RemoteError struct {
	Cmd      string
	ExitCode int
	Signal   string
	Stderr   string
}

func (e *RemoteError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("remote command %q killed by signal %s: %s", e.Cmd, e.Signal, e.Stderr)
	}
	return fmt.Sprintf("remote command %q exited %d: %s", e.Cmd, e.ExitCode, e.Stderr)
}

// ErrUnsupportedOS is returned during helper placement when the remote
// reports a non-Linux kernel.
var ErrUnsupportedOS = errors.New("transport: remote OS is not supported (Linux only)")

// ErrUnsupportedArch is returned when uname -m doesn't map to a known
// helper binary.
var ErrUnsupportedArch = errors.New("transport: remote architecture is not supported")
