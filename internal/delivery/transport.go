package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrShortWrite is returned when a UDP send transmitted fewer bytes than
// the payload.
var ErrShortWrite = errors.New("delivery: short write")

// Transport sends one wire payload to a device address. Implementations
// must respect the context deadline.
type Transport interface {
	Name() string
	Send(ctx context.Context, addr string, payload []byte) error
}

// udpTransport sends fire-and-forget datagrams. A send is successful when
// every byte was handed to the kernel.
type udpTransport struct {
	timeout time.Duration
}

// NewUDPTransport creates the datagram transport.
func NewUDPTransport(timeout time.Duration) Transport {
	return &udpTransport{timeout: timeout}
}

func (t *udpTransport) Name() string { return "udp" }

func (t *udpTransport) Send(ctx context.Context, addr string, payload []byte) error {
	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("delivery: udp dial %s: %w", addr, err)
	}
	defer conn.Close() //nolint:errcheck

	if err := conn.SetWriteDeadline(deadline(ctx, t.timeout)); err != nil {
		return fmt.Errorf("delivery: udp deadline: %w", err)
	}

	n, err := conn.Write(payload)
	if err != nil {
		return fmt.Errorf("delivery: udp send %s: %w", addr, err)
	}
	if n != len(payload) {
		return fmt.Errorf("%w: sent %d of %d bytes to %s", ErrShortWrite, n, len(payload), addr)
	}
	return nil
}

// tcpTransport delivers over a short-lived connection: connect, write,
// half-close, drain until the peer closes, close. The whole exchange must
// fit inside the timeout.
type tcpTransport struct {
	timeout time.Duration
}

// NewTCPTransport creates the stream transport.
func NewTCPTransport(timeout time.Duration) Transport {
	return &tcpTransport{timeout: timeout}
}

func (t *tcpTransport) Name() string { return "tcp" }

func (t *tcpTransport) Send(ctx context.Context, addr string, payload []byte) error {
	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("delivery: tcp dial %s: %w", addr, err)
	}
	defer conn.Close() //nolint:errcheck

	if err := conn.SetDeadline(deadline(ctx, t.timeout)); err != nil {
		return fmt.Errorf("delivery: tcp deadline: %w", err)
	}

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("delivery: tcp send %s: %w", addr, err)
	}

	// Signal end of request, then drain whatever the device answers until
	// it closes. Responses are not interpreted; the drain just confirms
	// the peer consumed the write.
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.CloseWrite(); err != nil {
			return fmt.Errorf("delivery: tcp close-write %s: %w", addr, err)
		}
	}
	if _, err := io.Copy(io.Discard, conn); err != nil && !isTimeout(err) {
		return fmt.Errorf("delivery: tcp drain %s: %w", addr, err)
	}
	return nil
}

// deadline picks the earlier of the context deadline and now+timeout.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
