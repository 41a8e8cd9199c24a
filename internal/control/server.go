package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"orcasched/internal/sched"
)

const ioTimeout = 5 * time.Second

// Switcher is the part of the policy supervisor the control server drives.
type Switcher interface {
	Policy() sched.Policy
	SwitchTo(p sched.Policy) error
	SetPreemptionInterval(d time.Duration)
}

// Server accepts SetScheduler commands over TCP, one per connection. An
// applied command is answered with an Ack; a rejected one closes the
// connection without it.
type Server struct {
	sw  Switcher
	log *zap.Logger
	l   net.Listener

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// Listen binds addr and serves until ctx is done or Close is called.
func Listen(ctx context.Context, addr string, sw Switcher, log *zap.Logger) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		sw:     sw,
		log:    log.Named("control").With(zap.Stringer("addr", l.Addr())),
		l:      l,
		closed: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closed:
		}
	}()
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.l.Addr() }

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.l.Accept()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Error("accept", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer c.Close()
			s.serve(c)
		}()
	}
}

func (s *Server) serve(c net.Conn) {
	log := s.log.With(zap.Stringer("peer", c.RemoteAddr()))
	_ = c.SetDeadline(time.Now().Add(ioTimeout))

	buf := make([]byte, SetSchedulerSize)
	if _, err := io.ReadFull(c, buf[:4]); err != nil {
		log.Debug("read header", zap.Error(err))
		return
	}
	t, _ := PeekType(buf)
	if t != MsgSetScheduler {
		log.Warn("unexpected message", zap.Stringer("type", t))
		return
	}
	if _, err := io.ReadFull(c, buf[4:]); err != nil {
		log.Warn("read body", zap.Error(err))
		return
	}
	var msg SetScheduler
	if err := msg.UnmarshalBinary(buf); err != nil {
		log.Warn("decode", zap.Error(err))
		return
	}
	log.Info("received SetScheduler",
		zap.Stringer("type", msg.Type),
		zap.Int32("preemption_interval_us", msg.PreemptionIntervalUS))

	if err := s.apply(msg); err != nil {
		log.Warn("command rejected", zap.Error(err))
		return
	}
	ack, _ := Ack{}.MarshalBinary()
	if _, err := c.Write(ack); err != nil {
		log.Warn("send ack", zap.Error(err))
	}
}

// apply switches policy and then updates the preemption interval. Asking
// for the policy already active is not an error.
func (s *Server) apply(msg SetScheduler) error {
	p, err := msg.Type.Policy()
	if err != nil {
		return err
	}
	if err := s.sw.SwitchTo(p); err != nil && !errors.Is(err, sched.ErrPolicyActive) {
		return err
	}
	if d, ok := msg.PreemptionInterval(); ok {
		s.sw.SetPreemptionInterval(d)
	}
	return nil
}

// Close stops accepting and waits for in-flight connections.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.l.Close()
		s.wg.Wait()
	})
	return err
}
