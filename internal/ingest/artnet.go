package ingest

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lightwire/lightwire-core/internal/dmx"
	"github.com/lightwire/lightwire-core/internal/infrastructure/config"
	"github.com/lightwire/lightwire-core/internal/infrastructure/logging"
	"github.com/lightwire/lightwire-core/internal/infrastructure/metrics"
)

// ArtNetListener receives ArtDMX frames on the well-known ArtNet port and
// forwards them to the sink. ArtNet carries no wire priority, so every
// frame is stamped with the configured one.
type ArtNetListener struct {
	cfg     config.ArtNetConfig
	sink    FrameSink
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	conn     *net.UDPConn
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	errCh    chan error
}

// NewArtNetListener creates a stopped listener.
func NewArtNetListener(cfg config.ArtNetConfig, sink FrameSink, logger *logging.Logger, m *metrics.Metrics) *ArtNetListener {
	if logger == nil {
		logger = logging.Default()
	}
	return &ArtNetListener{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With("component", "ingest.artnet"),
		metrics: m,
		done:    make(chan struct{}),
		errCh:   make(chan error, 1),
	}
}

// Start binds the socket and launches the read loop.
func (l *ArtNetListener) Start(ctx context.Context) error {
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
	l.mu.Unlock()

	l.wg.Add(1)
	go l.readLoop(conn)

	l.logger.Info("artnet listener started",
		"port", l.cfg.Port, "priority", l.cfg.Priority)
	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (l *ArtNetListener) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		if l.conn != nil {
			l.conn.Close() //nolint:errcheck
		}
		l.mu.Unlock()
		l.wg.Wait()
		l.logger.Info("artnet listener stopped")
	})
}

// Err surfaces a fatal socket error to the supervisor.
func (l *ArtNetListener) Err() <-chan error {
	return l.errCh
}

func (l *ArtNetListener) readLoop(conn *net.UDPConn) {
	defer l.wg.Done()

	buf := make([]byte, readBufferSize)
	priority := uint8(l.cfg.Priority)

	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isClosedConn(err) {
				return
			}
			select {
			case l.errCh <- fmt.Errorf("ingest: artnet read: %w", err):
			default:
			}
			l.logger.Error("artnet read failed", "error", err)
			return
		}

		start := time.Now()
		pkt, err := dmx.ParseArtDMX(buf[:n])
		if err != nil {
			if l.metrics != nil {
				l.metrics.IngestMalformed.WithLabelValues("artnet").Inc()
			}
			if l.logger.Sampled() {
				l.logger.Debug("malformed artnet packet",
					"remote", remote.String(), "size", n, "error", err)
			}
			continue
		}

		frame := pkt.Frame(priority, "artnet:"+remote.IP.String())
		frame.Received = start
		l.sink.HandleFrame(frame)

		if l.metrics != nil {
			l.metrics.IngestPackets.WithLabelValues(
				strconv.Itoa(int(frame.Universe)), "artnet").Inc()
			l.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		}
	}
}
