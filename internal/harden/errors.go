package harden

import (
	"fmt"

	"grimm.is/rampart/internal/probe"
)

// PreconditionError is a bad argument or unreadable local file, detected
// before any traffic reaches the target.
type PreconditionError struct {
	Field  string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition: %s: %s", e.Field, e.Reason)
}

// ConnectivityError means the target never answered or refused the bootstrap
// credential. Nothing was attempted on the host.
type ConnectivityError struct {
	Endpoint string
	Status   probe.Status
	Err      error
}

func (e *ConnectivityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot reach %s (%s): %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("cannot reach %s (%s)", e.Endpoint, e.Status)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }
