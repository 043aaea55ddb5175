package command

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("command timed out")
	ErrConnectFailed    = errors.New("connection failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrHostKeyMismatch  = errors.New("host key verification failed")
	ErrLocalSpawnFailed = errors.New("failed to start local process")
	ErrNonZeroExit      = errors.New("program exited with non-zero status")
)

// Kind tags an Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindConnectFailed
	KindAuthFailed
	KindHostKeyMismatch
	KindLocalSpawnFailed
	KindNonZeroExit
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindConnectFailed:
		return "ConnectFailed"
	case KindAuthFailed:
		return "AuthFailed"
	case KindHostKeyMismatch:
		return "HostKeyMismatch"
	case KindLocalSpawnFailed:
		return "LocalSpawnFailed"
	case KindNonZeroExit:
		return "NonZeroExit"
	default:
		return "Unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindConnectFailed:
		return ErrConnectFailed
	case KindAuthFailed:
		return ErrAuthFailed
	case KindHostKeyMismatch:
		return ErrHostKeyMismatch
	case KindLocalSpawnFailed:
		return ErrLocalSpawnFailed
	case KindNonZeroExit:
		return ErrNonZeroExit
	default:
		return nil
	}
}

// Error is the execution error returned by the router and the SSH pool.
// Only KindNonZeroExit carries a Result.
type Error struct {
	Kind   Kind
	Host   string
	User   string
	Result *Result
	Err    error
}

// NewError tags err with kind. A nil err is replaced with the kind's sentinel.
func NewError(kind Kind, host, user string, err error) *Error {
	if err == nil {
		err = kind.sentinel()
	}
	return &Error{Kind: kind, Host: host, User: user, Err: err}
}

func (e *Error) Error() string {
	target := e.Host
	if e.User != "" && e.Host != "" {
		target = e.User + "@" + e.Host
	}
	if target == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind, so errors.Is(err, ErrTimeout)
// works without every constructor having to wrap the sentinel.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Describe renders err as a short line fit for showing to an agent or user.
// It never includes the wrapped cause, which may carry key paths or server
// banners.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return "command failed"
	}
	target := e.Host
	if e.User != "" && e.Host != "" {
		target = e.User + "@" + e.Host
	}
	switch e.Kind {
	case KindTimeout:
		return "command timed out"
	case KindConnectFailed:
		return fmt.Sprintf("could not connect to %s", target)
	case KindAuthFailed:
		return fmt.Sprintf("authentication to %s failed", target)
	case KindHostKeyMismatch:
		return fmt.Sprintf("host key for %s did not match the known hosts file", e.Host)
	case KindLocalSpawnFailed:
		return "failed to start the command on the local host"
	case KindNonZeroExit:
		if e.Result != nil {
			return fmt.Sprintf("command exited with status %d", e.Result.ExitCode)
		}
		return "command exited with non-zero status"
	default:
		return "command failed"
	}
}
