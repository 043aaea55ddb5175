// Package command holds the request, result and error types shared by the
// local and remote execution paths.
package command

import (
	"errors"
	"fmt"
	"time"

	"al.essio.dev/pkg/shellescape"
)

// DefaultPort is the SSH port used when a request names a host but no port.
const DefaultPort uint16 = 22

var ErrEmptyArgv = errors.New("command argv is empty")

// Request describes one command to run. Argv is never interpreted by a shell
// on the local side; on the remote side every element is quoted before it is
// handed to the remote login shell.
type Request struct {
	Argv    []string
	Host    string
	User    string
	Port    uint16
	Timeout time.Duration
}

// Local returns a request that runs argv on this machine.
func Local(timeout time.Duration, argv ...string) Request {
	return Request{Argv: argv, Timeout: timeout}
}

// Remote returns a request that runs argv on host as user.
func Remote(host, user string, timeout time.Duration, argv ...string) Request {
	return Request{Argv: argv, Host: host, User: user, Timeout: timeout}
}

func (r Request) IsRemote() bool {
	return r.Host != ""
}

func (r Request) Validate() error {
	if len(r.Argv) == 0 || r.Argv[0] == "" {
		return ErrEmptyArgv
	}
	return nil
}

// Target renders the execution target for logs, "local" for local requests.
func (r Request) Target() string {
	if !r.IsRemote() {
		return "local"
	}
	if r.User == "" {
		return r.Host
	}
	return r.User + "@" + r.Host
}

// String returns argv quoted the way a POSIX shell would read it back.
func (r Request) String() string {
	return shellescape.QuoteCommand(r.Argv)
}

// Result is the outcome of a command that ran to completion. A non-zero
// ExitCode is still a Result, not an error.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Err returns a NonZeroExit error carrying r when the program failed, nil
// otherwise. Callers that want strict semantics opt in through it.
func (r *Result) Err() error {
	if r == nil || r.ExitCode == 0 {
		return nil
	}
	return &Error{
		Kind:   KindNonZeroExit,
		Result: r,
		Err:    fmt.Errorf("%w: exit status %d", ErrNonZeroExit, r.ExitCode),
	}
}
