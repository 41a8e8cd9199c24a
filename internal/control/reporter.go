package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"go.uber.org/zap"

	"orcasched/internal/sched"
)

const defaultQueueSize = 1024

// Reporter sends task metrics and ingress hints to the control plane over
// UDP. Sending never blocks the caller: datagrams wait in a bounded queue
// and are dropped when it is full.
type Reporter struct {
	conn  *net.UDPConn
	log   *zap.Logger
	queue chan []byte
	// at most one send-failure log per second per failure kind
	limiter *catrate.Limiter

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

var _ sched.MetricsReporter = (*Reporter)(nil)

// NewReporter dials addr. The reporter closes itself when ctx is done.
func NewReporter(ctx context.Context, addr string, queueSize int, log *zap.Logger) (*Reporter, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	c, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reporter{
		conn:    c,
		log:     log.Named("reporter").With(zap.String("addr", raddr.String())),
		queue:   make(chan []byte, queueSize),
		limiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.sendLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Close()
		case <-r.closed:
		}
	}()
	return r, nil
}

func (r *Reporter) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// ReportMetrics queues one datagram per snapshot.
func (r *Reporter) ReportMetrics(snaps []sched.MetricSnapshot) {
	for _, s := range snaps {
		b, _ := MetricFromSnapshot(s).MarshalBinary()
		r.enqueue(b)
	}
}

// SendHint queues an ingress hint.
func (r *Reporter) SendHint(k HintKind) {
	b, _ := IngressHint{Kind: k}.MarshalBinary()
	r.enqueue(b)
}

func (r *Reporter) enqueue(b []byte) {
	select {
	case <-r.closed:
		r.dropped.Add(1)
		return
	default:
	}
	select {
	case r.queue <- b:
	default:
		r.dropped.Add(1)
		if _, ok := r.limiter.Allow("queue full"); ok {
			r.log.Warn("metrics queue full, dropping", zap.Uint64("dropped", r.dropped.Load()))
		}
	}
}

func (r *Reporter) sendLoop() {
	defer close(r.done)
	for {
		select {
		case <-r.closed:
			return
		case b := <-r.queue:
			if _, err := r.conn.Write(b); err != nil {
				r.failed.Add(1)
				if _, ok := r.limiter.Allow(sendErrorKind(err)); ok {
					r.log.Warn("send failed", zap.Error(err), zap.Uint64("failed", r.failed.Load()))
				}
				continue
			}
			r.sent.Add(1)
		}
	}
}

// sendErrorKind groups errors for log throttling.
func sendErrorKind(err error) string {
	var op *net.OpError
	if errors.As(err, &op) {
		return "net:" + op.Op
	}
	return "other"
}

// Stats returns the datagrams sent, dropped before sending, and failed.
func (r *Reporter) Stats() (sent, dropped, failed uint64) {
	return r.sent.Load(), r.dropped.Load(), r.failed.Load()
}

// Close stops the sender. Datagrams still queued are discarded.
func (r *Reporter) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		<-r.done
		err = r.conn.Close()
	})
	return err
}
