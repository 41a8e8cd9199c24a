package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// SetSchedulerAt sends cmd to the control server at addr and waits for the
// Ack. A connection closed without one is ErrRejected.
func SetSchedulerAt(ctx context.Context, addr string, cmd SetScheduler) error {
	d := &net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer c.Close()

	deadline := time.Now().Add(ioTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.SetDeadline(deadline)

	b, _ := cmd.MarshalBinary()
	if _, err := c.Write(b); err != nil {
		return fmt.Errorf("send %s: %w", MsgSetScheduler, err)
	}

	resp := make([]byte, AckSize)
	if _, err := io.ReadFull(c, resp); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrRejected
		}
		return fmt.Errorf("await ack: %w", err)
	}
	var ack Ack
	if err := ack.UnmarshalBinary(resp); err != nil {
		return fmt.Errorf("await ack: %w", err)
	}
	return nil
}

// SendHintTo sends one ingress hint datagram to addr.
func SendHintTo(addr string, k HintKind) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	c, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return err
	}
	defer c.Close()
	b, _ := IngressHint{Kind: k}.MarshalBinary()
	_, err = c.Write(b)
	return err
}
