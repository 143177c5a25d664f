package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lightwire/lightwire-core/internal/infrastructure/config"
	"github.com/lightwire/lightwire-core/internal/infrastructure/logging"
	"github.com/lightwire/lightwire-core/internal/infrastructure/metrics"
)

// ErrSweeperClosed is returned when Start is called on a stopped sweeper.
var ErrSweeperClosed = errors.New("poller: sweeper closed")

// StaleMarker is the store surface the sweeper consumes.
type StaleMarker interface {
	MarkStale(ctx context.Context, threshold time.Duration) (int, error)
}

// Sweeper periodically flags discovered devices that have not been seen
// within the staleness threshold. Manual devices are exempt; the store
// enforces that.
type Sweeper struct {
	cfg     *config.Config
	marker  StaleMarker
	logger  *logging.Logger
	metrics *metrics.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

// NewSweeper creates a staleness sweeper.
func NewSweeper(cfg *config.Config, marker StaleMarker, logger *logging.Logger, m *metrics.Metrics) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		cfg:     cfg,
		marker:  marker,
		logger:  logger.With("component", "sweeper"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() error {
	select {
	case <-s.done:
		return ErrSweeperClosed
	default:
	}
	if s.started {
		return nil
	}
	s.started = true

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("staleness sweeper started",
		"interval_s", s.cfg.Discovery.IntervalSeconds,
		"stale_after_s", s.cfg.Discovery.StaleAfterSeconds)
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
	})
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) interval() time.Duration {
	if s.cfg.Discovery.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(s.cfg.Discovery.IntervalSeconds) * time.Second
}

// sweep runs one staleness pass over the registry.
func (s *Sweeper) sweep() {
	start := time.Now()
	n, err := s.marker.MarkStale(s.ctx, s.cfg.GetStaleAfter())
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Error("staleness sweep failed", "error", err)
		}
		return
	}

	if s.metrics != nil {
		s.metrics.DiscoveryCycle.Observe(time.Since(start).Seconds())
	}
	if n > 0 {
		s.logger.Info("devices marked stale", "count", n)
	}
}
