// Package control is the agent's control plane: a fixed-size little-endian
// wire protocol, an unreliable metrics channel, a reliable command channel
// and the advisor that turns what it observes into a policy suggestion.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"orcasched/internal/sched"
)

var (
	ErrShortMessage   = errors.New("control: short message")
	ErrUnknownMessage = errors.New("control: unknown message type")
	ErrRejected       = errors.New("control: command rejected")
)

type MessageType int32

const (
	MsgAck MessageType = iota
	MsgSetScheduler
	MsgMetric
	MsgIngressHint
)

func (t MessageType) String() string {
	switch t {
	case MsgAck:
		return "Ack"
	case MsgSetScheduler:
		return "SetScheduler"
	case MsgMetric:
		return "Metric"
	case MsgIngressHint:
		return "IngressHint"
	default:
		return fmt.Sprintf("MessageType(%d)", int32(t))
	}
}

// Encoded sizes. Metric keeps 4 bytes of padding after the type so its
// counters are 8-byte aligned.
const (
	AckSize          = 4
	SetSchedulerSize = 12
	MetricSize       = 80
	IngressHintSize  = 8
)

// Size returns the encoded size of a message of type t.
func (t MessageType) Size() (int, error) {
	switch t {
	case MsgAck:
		return AckSize, nil
	case MsgSetScheduler:
		return SetSchedulerSize, nil
	case MsgMetric:
		return MetricSize, nil
	case MsgIngressHint:
		return IngressHintSize, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownMessage, int32(t))
	}
}

// SchedType is the policy as named on the wire.
type SchedType int32

const (
	SchedDFCFS SchedType = iota // per-cpu fifo
	SchedCFCFS                  // centralized fifo
)

func (t SchedType) String() string {
	switch t {
	case SchedDFCFS:
		return "dFCFS"
	case SchedCFCFS:
		return "cFCFS"
	default:
		return fmt.Sprintf("SchedType(%d)", int32(t))
	}
}

func (t SchedType) Policy() (sched.Policy, error) {
	switch t {
	case SchedDFCFS:
		return sched.PolicyPerCPU, nil
	case SchedCFCFS:
		return sched.PolicyCentralized, nil
	default:
		return 0, fmt.Errorf("%s: %w", t, sched.ErrUnknownPolicy)
	}
}

// ParseSchedType reads a policy name by its first letter: d(fifo) or
// c(fifo).
func ParseSchedType(s string) (SchedType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s != "" {
		switch s[0] {
		case 'd':
			return SchedDFCFS, nil
		case 'c':
			return SchedCFCFS, nil
		}
	}
	return 0, fmt.Errorf("control: unrecognized scheduler type %q", s)
}

func SchedTypeOf(p sched.Policy) SchedType {
	if p == sched.PolicyCentralized {
		return SchedCFCFS
	}
	return SchedDFCFS
}

// HintKind classifies an incoming request by its expected length.
type HintKind int32

const (
	HintShort HintKind = iota
	HintLong
)

func (k HintKind) String() string {
	switch k {
	case HintShort:
		return "short"
	case HintLong:
		return "long"
	default:
		return fmt.Sprintf("HintKind(%d)", int32(k))
	}
}

func ParseHintKind(s string) (HintKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short", "s":
		return HintShort, nil
	case "long", "l":
		return HintLong, nil
	}
	return 0, fmt.Errorf("control: unknown hint %q", s)
}

// PeekType reads the type word that leads every message.
func PeekType(b []byte) (MessageType, error) {
	if len(b) < 4 {
		return 0, ErrShortMessage
	}
	return MessageType(int32(binary.LittleEndian.Uint32(b))), nil
}

func checkHeader(b []byte, want MessageType) error {
	t, err := PeekType(b)
	if err != nil {
		return err
	}
	if t != want {
		return fmt.Errorf("%w: got %s, want %s", ErrUnknownMessage, t, want)
	}
	size, _ := want.Size()
	if len(b) < size {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortMessage, want, size, len(b))
	}
	return nil
}

func putType(b []byte, t MessageType) {
	binary.LittleEndian.PutUint32(b, uint32(t))
}

type Ack struct{}

func (Ack) MarshalBinary() ([]byte, error) {
	b := make([]byte, AckSize)
	putType(b, MsgAck)
	return b, nil
}

func (*Ack) UnmarshalBinary(b []byte) error {
	return checkHeader(b, MsgAck)
}

// SetScheduler asks the agent to switch policy. A negative preemption
// interval leaves the current one alone.
type SetScheduler struct {
	Type                 SchedType
	PreemptionIntervalUS int32
}

func (m SetScheduler) MarshalBinary() ([]byte, error) {
	b := make([]byte, SetSchedulerSize)
	putType(b, MsgSetScheduler)
	binary.LittleEndian.PutUint32(b[4:], uint32(m.Type))
	binary.LittleEndian.PutUint32(b[8:], uint32(m.PreemptionIntervalUS))
	return b, nil
}

func (m *SetScheduler) UnmarshalBinary(b []byte) error {
	if err := checkHeader(b, MsgSetScheduler); err != nil {
		return err
	}
	m.Type = SchedType(int32(binary.LittleEndian.Uint32(b[4:])))
	m.PreemptionIntervalUS = int32(binary.LittleEndian.Uint32(b[8:]))
	return nil
}

// PreemptionInterval is the requested interval and whether one was set.
func (m SetScheduler) PreemptionInterval() (time.Duration, bool) {
	if m.PreemptionIntervalUS < 0 {
		return 0, false
	}
	return time.Duration(m.PreemptionIntervalUS) * time.Microsecond, true
}

// Metric is one task's accumulated times in microseconds. DiedAtUS is zero
// while the task lives.
type Metric struct {
	Gtid         int64
	CreatedAtUS  int64
	BlockedUS    int64
	RunnableUS   int64
	QueuedUS     int64
	OnCPUUS      int64
	YieldingUS   int64
	DiedAtUS     int64
	PreemptCount int64
}

func (m Metric) fields() [9]int64 {
	return [9]int64{m.Gtid, m.CreatedAtUS, m.BlockedUS, m.RunnableUS, m.QueuedUS,
		m.OnCPUUS, m.YieldingUS, m.DiedAtUS, m.PreemptCount}
}

func (m Metric) MarshalBinary() ([]byte, error) {
	b := make([]byte, MetricSize)
	putType(b, MsgMetric)
	for i, v := range m.fields() {
		binary.LittleEndian.PutUint64(b[8+8*i:], uint64(v))
	}
	return b, nil
}

func (m *Metric) UnmarshalBinary(b []byte) error {
	if err := checkHeader(b, MsgMetric); err != nil {
		return err
	}
	var f [9]int64
	for i := range f {
		f[i] = int64(binary.LittleEndian.Uint64(b[8+8*i:]))
	}
	*m = Metric{
		Gtid:         f[0],
		CreatedAtUS:  f[1],
		BlockedUS:    f[2],
		RunnableUS:   f[3],
		QueuedUS:     f[4],
		OnCPUUS:      f[5],
		YieldingUS:   f[6],
		DiedAtUS:     f[7],
		PreemptCount: f[8],
	}
	return nil
}

func (m Metric) Dead() bool { return m.DiedAtUS != 0 }

// MetricFromSnapshot converts a collected snapshot to its wire form.
func MetricFromSnapshot(s sched.MetricSnapshot) Metric {
	m := Metric{
		Gtid:         int64(s.Gtid),
		CreatedAtUS:  s.CreatedAt.UnixMicro(),
		BlockedUS:    s.Blocked.Microseconds(),
		RunnableUS:   s.Runnable.Microseconds(),
		QueuedUS:     s.Queued.Microseconds(),
		OnCPUUS:      s.OnCPU.Microseconds(),
		YieldingUS:   s.Yielding.Microseconds(),
		PreemptCount: s.PreemptCount,
	}
	if s.Dead() {
		m.DiedAtUS = s.DiedAt.UnixMicro()
	}
	return m
}

type IngressHint struct {
	Kind HintKind
}

func (m IngressHint) MarshalBinary() ([]byte, error) {
	b := make([]byte, IngressHintSize)
	putType(b, MsgIngressHint)
	binary.LittleEndian.PutUint32(b[4:], uint32(m.Kind))
	return b, nil
}

func (m *IngressHint) UnmarshalBinary(b []byte) error {
	if err := checkHeader(b, MsgIngressHint); err != nil {
		return err
	}
	m.Kind = HintKind(int32(binary.LittleEndian.Uint32(b[4:])))
	return nil
}
