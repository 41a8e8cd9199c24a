package control

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"go.uber.org/zap"
)

// Monitor receives metric and hint datagrams and feeds them to an Advisor.
// Every decoded metric is also passed to the optional OnMetric callback.
type Monitor struct {
	conn    *net.UDPConn
	advisor *Advisor
	log     *zap.Logger
	limiter *catrate.Limiter

	// OnMetric runs on the receive goroutine; set it before Start.
	OnMetric func(Metric)

	metrics atomic.Uint64
	hints   atomic.Uint64
	invalid atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewMonitor binds addr. Nothing is read until Start.
func NewMonitor(addr string, advisor *Advisor, log *zap.Logger) (*Monitor, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		conn:    c,
		advisor: advisor,
		log:     log.Named("monitor").With(zap.Stringer("addr", c.LocalAddr())),
		limiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (m *Monitor) Addr() net.Addr { return m.conn.LocalAddr() }

// Start runs the receive loop until ctx is done or Close is called.
func (m *Monitor) Start(ctx context.Context) {
	go m.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = m.Close()
		case <-m.closed:
		}
	}()
}

func (m *Monitor) readLoop() {
	defer close(m.done)
	buf := make([]byte, 64*1024)
	for {
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.closed:
			default:
				m.log.Error("read", zap.Error(err))
			}
			return
		}
		m.handle(buf[:n])
	}
}

func (m *Monitor) handle(pkt []byte) {
	t, err := PeekType(pkt)
	if err == nil {
		switch t {
		case MsgMetric:
			var msg Metric
			if err = msg.UnmarshalBinary(pkt); err == nil {
				m.metrics.Add(1)
				m.advisor.AddMetric(msg)
				if m.OnMetric != nil {
					m.OnMetric(msg)
				}
				return
			}
		case MsgIngressHint:
			var msg IngressHint
			if err = msg.UnmarshalBinary(pkt); err == nil {
				m.hints.Add(1)
				m.advisor.AddHint(msg.Kind)
				return
			}
		default:
			err = fmt.Errorf("%w: %s", ErrUnknownMessage, t)
		}
	}
	m.invalid.Add(1)
	if _, ok := m.limiter.Allow(t); ok {
		m.log.Warn("dropping datagram", zap.Int("len", len(pkt)), zap.Error(err))
	}
}

// Stats returns the metrics, hints and invalid datagrams received.
func (m *Monitor) Stats() (metrics, hints, invalid uint64) {
	return m.metrics.Load(), m.hints.Load(), m.invalid.Load()
}

func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = m.conn.Close()
	})
	return err
}

// Wait blocks until the receive loop has exited.
func (m *Monitor) Wait() { <-m.done }
