package ingest

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/lightwire/lightwire-core/internal/dmx"
	"github.com/lightwire/lightwire-core/internal/infrastructure/config"
	"github.com/lightwire/lightwire-core/internal/infrastructure/logging"
	"github.com/lightwire/lightwire-core/internal/infrastructure/metrics"
)

// SACNListener receives E1.31 frames. Unicast always works on the bound
// port; when multicast is enabled the listener additionally joins the
// per-universe group 239.255.x.y for every universe handed to
// SetUniverses, so senders using standard E1.31 multicast reach us too.
type SACNListener struct {
	cfg     config.SACNConfig
	sink    FrameSink
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	iface  *net.Interface
	joined map[uint16]bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	errCh    chan error
}

// NewSACNListener creates a stopped listener.
func NewSACNListener(cfg config.SACNConfig, sink FrameSink, logger *logging.Logger, m *metrics.Metrics) *SACNListener {
	if logger == nil {
		logger = logging.Default()
	}
	return &SACNListener{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With("component", "ingest.sacn"),
		metrics: m,
		joined:  make(map[uint16]bool),
		done:    make(chan struct{}),
		errCh:   make(chan error, 1),
	}
}

// Start binds the socket, resolves the multicast interface, and launches
// the read loop.
func (l *SACNListener) Start(ctx context.Context) error {
	select {
	case <-l.done:
		return ErrListenerClosed
	default:
	}

	conn, err := listenUDP(ctx, fmt.Sprintf(":%d", l.cfg.Port))
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.conn = conn
	if l.cfg.Multicast {
		l.pconn = ipv4.NewPacketConn(conn)
		if l.cfg.Interface != "" {
			iface, err := net.InterfaceByName(l.cfg.Interface)
			if err != nil {
				l.mu.Unlock()
				conn.Close() //nolint:errcheck
				return fmt.Errorf("ingest: resolving multicast interface %s: %w",
					l.cfg.Interface, err)
			}
			l.iface = iface
		}
	}
	l.mu.Unlock()

	l.wg.Add(1)
	go l.readLoop(conn)

	l.logger.Info("sacn listener started",
		"port", l.cfg.Port, "multicast", l.cfg.Multicast)
	return nil
}

// SetUniverses reconciles multicast group membership against the set of
// universes the mapper currently routes. No-op when multicast is off or
// the listener has not started.
func (l *SACNListener) SetUniverses(universes []uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pconn == nil {
		return
	}

	want := make(map[uint16]bool, len(universes))
	for _, u := range universes {
		if u >= 1 && u <= 63999 {
			want[u] = true
		}
	}

	for u := range want {
		if l.joined[u] {
			continue
		}
		group := &net.UDPAddr{IP: net.ParseIP(dmx.MulticastGroup(u))}
		if err := l.pconn.JoinGroup(l.iface, group); err != nil {
			l.logger.Error("multicast join failed",
				"universe", u, "group", group.IP.String(), "error", err)
			continue
		}
		l.joined[u] = true
		l.logger.Debug("joined multicast group",
			"universe", u, "group", group.IP.String())
	}

	for u := range l.joined {
		if want[u] {
			continue
		}
		group := &net.UDPAddr{IP: net.ParseIP(dmx.MulticastGroup(u))}
		if err := l.pconn.LeaveGroup(l.iface, group); err != nil {
			l.logger.Error("multicast leave failed",
				"universe", u, "group", group.IP.String(), "error", err)
		}
		delete(l.joined, u)
	}
}

// Stop closes the socket and waits for the read loop to exit.
func (l *SACNListener) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		if l.conn != nil {
			l.conn.Close() //nolint:errcheck
		}
		l.mu.Unlock()
		l.wg.Wait()
		l.logger.Info("sacn listener stopped")
	})
}

// Err surfaces a fatal socket error to the supervisor.
func (l *SACNListener) Err() <-chan error {
	return l.errCh
}

func (l *SACNListener) readLoop(conn *net.UDPConn) {
	defer l.wg.Done()

	buf := make([]byte, readBufferSize)

	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isClosedConn(err) {
				return
			}
			select {
			case l.errCh <- fmt.Errorf("ingest: sacn read: %w", err):
			default:
			}
			l.logger.Error("sacn read failed", "error", err)
			return
		}

		start := time.Now()
		pkt, err := dmx.ParseSACN(buf[:n])
		if err != nil {
			if l.metrics != nil {
				l.metrics.IngestMalformed.WithLabelValues("sacn").Inc()
			}
			if l.logger.Sampled() {
				l.logger.Debug("malformed sacn packet",
					"remote", remote.String(), "size", n, "error", err)
			}
			continue
		}

		// Source identity is the sender's CID, not its address: a source
		// may roam between addresses mid-show without losing its claim.
		frame := pkt.Frame("sacn:" + uuid.UUID(pkt.CID).String())
		frame.Received = start
		l.sink.HandleFrame(frame)

		if l.metrics != nil {
			l.metrics.IngestPackets.WithLabelValues(
				strconv.Itoa(int(frame.Universe)), "sacn").Inc()
			l.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		}
	}
}
