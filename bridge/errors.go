package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNotLoggedIn  = errors.New("not logged in")
	ErrNotConnected = errors.New("not connected")
)

// ConnectionError covers transport-level failures: handshake timeouts,
// rejected credentials, dropped sockets.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError carries the server-supplied reason for a rejected command.
type CommandError struct {
	Action string
	Reason string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s rejected: %s", e.Action, e.Reason)
}

// FetchError covers failed REST reads. Read paths degrade to empty results,
// so callers mostly log these instead of propagating them.
type FetchError struct {
	Path   string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.Path, e.Err)
	}

	return fmt.Sprintf("fetch %s: status %d", e.Path, e.Status)
}

func (e *FetchError) Unwrap() error { return e.Err }
