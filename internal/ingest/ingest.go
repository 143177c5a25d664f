// Package ingest hosts the UDP listeners that feed DMX frames into the
// mapper. One listener per wire protocol; both share the same socket
// setup and read-loop shape and differ only in their codec.
//
// Listeners are supervised subsystems: Start opens the socket and spawns
// the read loop, Stop closes the socket and waits for the loop to drain.
// A fatal socket error surfaces on Err so the supervisor can restart the
// listener without touching the rest of the pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/lightwire/lightwire-core/internal/dmx"
)

// ErrListenerClosed is returned by Start after Stop has been called.
var ErrListenerClosed = errors.New("ingest: listener closed")

// readBufferSize fits the largest legal frame of either protocol with
// headroom. ArtDMX tops out at 530 bytes, sACN at 638.
const readBufferSize = 2048

// FrameSink consumes parsed DMX frames. The mapper implements this.
type FrameSink interface {
	HandleFrame(frame dmx.Frame)
}

// listenUDP opens a UDP socket with address reuse and broadcast enabled.
// Reuse lets the bridge coexist with other DMX tooling bound to the same
// well-known port; broadcast is needed because ArtNet controllers commonly
// transmit to the subnet broadcast address.
func listenUDP(ctx context.Context, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("ingest: listening on %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close() //nolint:errcheck
		return nil, fmt.Errorf("ingest: unexpected socket type %T", pc)
	}
	return conn, nil
}

// reuseControl sets SO_REUSEADDR, SO_REUSEPORT and SO_BROADCAST before bind.
func reuseControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		for _, opt := range []int{unix.SO_REUSEADDR, unix.SO_REUSEPORT, unix.SO_BROADCAST} {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); sockErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// isClosedConn reports whether a read error means the socket was closed
// underneath the loop, which is the normal Stop path.
func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
