package sched

import (
	"errors"
	"fmt"
)

var (
	ErrPolicyActive     = errors.New("sched: policy already active")
	ErrShuttingDown     = errors.New("sched: supervisor is shutting down")
	ErrSwitchInProgress = errors.New("sched: policy switch in progress")
	ErrUnknownPolicy    = errors.New("sched: unknown policy")
	ErrUnknownState     = errors.New("sched: unknown run state")
	ErrNotStarted       = errors.New("sched: supervisor not started")
)

// InvariantError reports corrupted scheduling state. The engine panics with
// it and never recovers: continuing could run a task twice or lose it.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "sched: invariant violated: " + e.Msg }

func invariant(ok bool, format string, args ...any) {
	if !ok {
		panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
	}
}
