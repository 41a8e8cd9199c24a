// internal/sched/schedulerEvent.go

package sched

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

// EventKind represents the type of scheduler event
type EventKind int

const (
	EventMessage      EventKind = iota // lifecycle message applied
	EventCommit                        // run request committed
	EventCommitFailed                  // run request rejected by the kernel
	EventDeferred                      // dequeued task parked for a stale barrier
	EventDisplaced                     // running task requeued for a new assignment
	EventSpin                          // dequeued task still switching off a cpu
	EventMigrate                       // task homed on another cpu
	EventGlobalMove                    // global cpu role moved
	EventHandoff                       // task handed to the other policy
	EventHandoffRetry                  // handoff hit a stale barrier

	numEventKinds
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "Message"
	case EventCommit:
		return "Commit"
	case EventCommitFailed:
		return "CommitFailed"
	case EventDeferred:
		return "Deferred"
	case EventDisplaced:
		return "Displaced"
	case EventSpin:
		return "Spin"
	case EventMigrate:
		return "Migrate"
	case EventGlobalMove:
		return "GlobalMove"
	case EventHandoff:
		return "Handoff"
	case EventHandoffRetry:
		return "HandoffRetry"
	default:
		return "Unknown"
	}
}

// Stats counts scheduler events. Safe for concurrent use.
type Stats struct {
	counts [numEventKinds]atomic.Int64
}

func (s *Stats) add(k EventKind) {
	if k >= 0 && k < numEventKinds {
		s.counts[k].Add(1)
	}
}

// Count returns how many k events happened.
func (s *Stats) Count(k EventKind) int64 {
	if k < 0 || k >= numEventKinds {
		return 0
	}
	return s.counts[k].Load()
}

// MarshalLogObject lists the non-zero counters.
func (s *Stats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for k := EventKind(0); k < numEventKinds; k++ {
		if n := s.counts[k].Load(); n != 0 {
			enc.AddInt64(strings.ToLower(k.String()), n)
		}
	}
	return nil
}
