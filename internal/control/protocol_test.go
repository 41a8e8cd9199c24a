package control

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orcasched/internal/sched"
)

func TestSetSchedulerLayout(t *testing.T) {
	b, err := SetScheduler{Type: SchedCFCFS, PreemptionIntervalUS: 500}.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0, 1, 0, 0, 0, 0xf4, 0x01, 0, 0}, b)

	var m SetScheduler
	require.NoError(t, m.UnmarshalBinary(b))
	d, ok := m.PreemptionInterval()
	assert.True(t, ok)
	assert.Equal(t, 500*time.Microsecond, d)

	b, _ = SetScheduler{Type: SchedDFCFS, PreemptionIntervalUS: -1}.MarshalBinary()
	require.NoError(t, m.UnmarshalBinary(b))
	assert.Equal(t, SchedDFCFS, m.Type)
	_, ok = m.PreemptionInterval()
	assert.False(t, ok)
}

func TestMetricLayout(t *testing.T) {
	in := Metric{Gtid: 7, CreatedAtUS: 100, QueuedUS: 42, DiedAtUS: 900, PreemptCount: 3}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, MetricSize)

	assert.Equal(t, uint32(MsgMetric), binary.LittleEndian.Uint32(b))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(b[4:]), "padding")
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(b[8:]))
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(b[40:]))
	assert.Equal(t, uint64(3), binary.LittleEndian.Uint64(b[72:]))

	var out Metric
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, in, out)
	assert.True(t, out.Dead())
}

func TestDecodeErrors(t *testing.T) {
	_, err := PeekType([]byte{1, 0})
	assert.ErrorIs(t, err, ErrShortMessage)

	var m Metric
	assert.ErrorIs(t, m.UnmarshalBinary(make([]byte, 40)), ErrUnknownMessage)

	b, _ := Metric{}.MarshalBinary()
	assert.ErrorIs(t, m.UnmarshalBinary(b[:79]), ErrShortMessage)

	var h IngressHint
	assert.ErrorIs(t, h.UnmarshalBinary(b), ErrUnknownMessage)

	_, err = MessageType(9).Size()
	assert.ErrorIs(t, err, ErrUnknownMessage)
	assert.Equal(t, "MessageType(9)", MessageType(9).String())
}

func TestMetricFromSnapshot(t *testing.T) {
	created := time.UnixMicro(1_000_000)
	snap := sched.MetricSnapshot{
		Gtid:         12,
		CreatedAt:    created,
		Blocked:      3 * time.Millisecond,
		Queued:       1500 * time.Microsecond,
		OnCPU:        2 * time.Second,
		PreemptCount: 4,
	}
	m := MetricFromSnapshot(snap)
	assert.Equal(t, Metric{
		Gtid:         12,
		CreatedAtUS:  1_000_000,
		BlockedUS:    3000,
		QueuedUS:     1500,
		OnCPUUS:      2_000_000,
		PreemptCount: 4,
	}, m)
	assert.False(t, m.Dead())

	snap.DiedAt = created.Add(time.Second)
	assert.Equal(t, int64(2_000_000), MetricFromSnapshot(snap).DiedAtUS)
}

func TestParseSchedType(t *testing.T) {
	for in, want := range map[string]SchedType{
		"dfifo": SchedDFCFS,
		"dFCFS": SchedDFCFS,
		"cfifo": SchedCFCFS,
		" C ":   SchedCFCFS,
	} {
		got, err := ParseSchedType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSchedType("")
	assert.Error(t, err)
	_, err = ParseSchedType("rr")
	assert.Error(t, err)

	p, err := SchedCFCFS.Policy()
	require.NoError(t, err)
	assert.Equal(t, sched.PolicyCentralized, p)
	assert.Equal(t, SchedCFCFS, SchedTypeOf(p))
	assert.Equal(t, SchedDFCFS, SchedTypeOf(sched.PolicyPerCPU))
	_, err = SchedType(4).Policy()
	assert.ErrorIs(t, err, sched.ErrUnknownPolicy)
}

func TestParseHintKind(t *testing.T) {
	k, err := ParseHintKind("Long")
	require.NoError(t, err)
	assert.Equal(t, HintLong, k)
	k, err = ParseHintKind("s")
	require.NoError(t, err)
	assert.Equal(t, HintShort, k)
	_, err = ParseHintKind("medium")
	assert.Error(t, err)
}
