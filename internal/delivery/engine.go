// Package delivery drains per-device state queues and pushes wire
// payloads to devices over UDP or TCP.
//
// A supervisor loop polls the store for devices with pending rows and
// spawns one worker per device, so a slow or offline device never blocks
// the others. Workers share a global token bucket, retry each payload
// with exponential backoff, and quarantine rows that can never be
// delivered.
package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/lightwire/lightwire-core/internal/bus"
	"github.com/lightwire/lightwire-core/internal/infrastructure/config"
	"github.com/lightwire/lightwire-core/internal/infrastructure/logging"
	"github.com/lightwire/lightwire-core/internal/infrastructure/metrics"
	"github.com/lightwire/lightwire-core/internal/protocol"
	"github.com/lightwire/lightwire-core/internal/store"
)

// ErrEngineClosed is returned when Start is called on a stopped engine.
var ErrEngineClosed = errors.New("delivery: engine closed")

// Queue is the store surface the engine consumes.
type Queue interface {
	NextState(ctx context.Context, deviceID string) (*store.PendingState, error)
	DeleteState(ctx context.Context, id int64) error
	QuarantineState(ctx context.Context, state *store.PendingState, payloadHash, reason, details string) error
	DeviceInfo(ctx context.Context, id string) (*store.DeviceInfo, error)
	RecordSendSuccess(ctx context.Context, id, payloadHash string) error
	RecordSendFailure(ctx context.Context, id, payloadHash string, offlineThreshold int) error
	PendingDeviceIDs(ctx context.Context) ([]string, error)
	QueueDepths(ctx context.Context) (map[string]int, error)
}

// TelemetrySink receives per-send outcomes and queue depth samples for
// external time-series storage. Implementations must not block.
type TelemetrySink interface {
	RecordSend(deviceID, transport, outcome string, duration time.Duration)
	RecordQueueDepths(depths map[string]int)
}

// Engine owns the delivery workers.
type Engine struct {
	cfg        *config.Config
	queue      Queue
	protocols  *protocol.Registry
	transports map[string]Transport
	limiter    *rate.Limiter
	bus        *bus.Bus
	logger     *logging.Logger
	metrics    *metrics.Metrics
	telemetry  TelemetrySink

	workerMu sync.Mutex
	workers  map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool

	busTokens []int
	offline   sync.Map // device_id -> struct{}, mirrors device_offline events
}

// New creates a delivery engine. eventBus and m may be nil; protocols
// supplies per-dialect transport defaults.
func New(cfg *config.Config, queue Queue, protocols *protocol.Registry, eventBus *bus.Bus, logger *logging.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	timeout := cfg.GetSendTimeout()
	return &Engine{
		cfg:       cfg,
		queue:     queue,
		protocols: protocols,
		transports: map[string]Transport{
			"udp": NewUDPTransport(timeout),
			"tcp": NewTCPTransport(timeout),
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst),
		bus:     eventBus,
		logger:  logger.With("component", "delivery"),
		metrics: m,
		workers: map[string]struct{}{},
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// SetTelemetry attaches an optional telemetry sink. Must be called before
// Start.
func (e *Engine) SetTelemetry(sink TelemetrySink) {
	e.telemetry = sink
}

// Start launches the queue supervisor loop.
func (e *Engine) Start() error {
	select {
	case <-e.done:
		return ErrEngineClosed
	default:
	}
	if e.started {
		return nil
	}
	e.started = true

	if e.bus != nil {
		e.busTokens = append(e.busTokens,
			e.bus.Subscribe(bus.EventDeviceOffline, func(evt bus.Event) {
				e.offline.Store(evt.DeviceID, struct{}{})
				e.updateOfflineGauge()
			}),
			e.bus.Subscribe(bus.EventDeviceOnline, func(evt bus.Event) {
				e.offline.Delete(evt.DeviceID)
				e.updateOfflineGauge()
			}),
		)
	}

	e.wg.Add(1)
	go e.supervise()

	e.logger.Info("delivery engine started",
		"default_transport", e.cfg.Delivery.DefaultTransport,
		"rate_per_second", e.cfg.RateLimit.PerSecond,
		"dry_run", e.cfg.Delivery.DryRun)
	return nil
}

// Stop halts the supervisor and waits for in-flight workers to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.cancel()
		for _, token := range e.busTokens {
			e.bus.Unsubscribe(token)
		}
		e.wg.Wait()
		e.logger.Info("delivery engine stopped")
	})
}

// supervise polls for devices with pending rows and keeps one worker per
// device alive while work remains.
func (e *Engine) supervise() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.GetQueuePollInterval())
	defer ticker.Stop()

	for {
		e.dispatchPending()

		select {
		case <-e.done:
			return
		case <-ticker.C:
		}
	}
}

// dispatchPending spawns workers for queued devices not already served
// and refreshes the queue depth gauges.
func (e *Engine) dispatchPending() {
	ids, err := e.queue.PendingDeviceIDs(e.ctx)
	if err != nil {
		if e.ctx.Err() == nil {
			e.logger.Error("listing pending devices", "error", err)
		}
		return
	}

	for _, id := range ids {
		if e.claim(id) {
			e.wg.Add(1)
			go e.worker(id)
		}
	}

	e.sampleQueueDepths()
}

// claim reserves a worker slot for the device. Returns false when a
// worker is already draining it.
func (e *Engine) claim(deviceID string) bool {
	e.workerMu.Lock()
	defer e.workerMu.Unlock()
	if _, busy := e.workers[deviceID]; busy {
		return false
	}
	e.workers[deviceID] = struct{}{}
	return true
}

func (e *Engine) release(deviceID string) {
	e.workerMu.Lock()
	defer e.workerMu.Unlock()
	delete(e.workers, deviceID)
}

// worker drains one device's queue in FIFO order. It exits once the
// queue stays empty for the idle grace period; the supervisor restarts
// it when new rows arrive.
func (e *Engine) worker(deviceID string) {
	defer e.wg.Done()
	defer e.release(deviceID)

	log := e.logger.With("device_id", deviceID)
	idleWait := e.cfg.GetIdleWait()

	// Per-device cap on top of the shared bucket, so one chatty fixture
	// cannot consume the whole aggregate rate.
	var deviceLimiter *rate.Limiter
	if e.cfg.Delivery.MaxSendRate > 0 {
		deviceLimiter = rate.NewLimiter(rate.Limit(e.cfg.Delivery.MaxSendRate), 1)
	}

	for {
		select {
		case <-e.done:
			return
		default:
		}

		state, err := e.queue.NextState(e.ctx, deviceID)
		if err != nil {
			if e.ctx.Err() == nil {
				log.Error("reading queue head", "error", err)
			}
			return
		}
		if state == nil {
			select {
			case <-e.done:
				return
			case <-time.After(idleWait):
			}
			state, err = e.queue.NextState(e.ctx, deviceID)
			if err != nil || state == nil {
				return
			}
		}

		e.process(log, deviceID, state, deviceLimiter)
	}
}

// process resolves one queue row: duplicate drop, quarantine, or a
// delivery attempt with retries. Rows that fail all attempts stay at the
// head for the next pass.
func (e *Engine) process(log *logging.Logger, deviceID string, state *store.PendingState, deviceLimiter *rate.Limiter) {
	if deviceLimiter != nil {
		if err := deviceLimiter.Wait(e.ctx); err != nil {
			return
		}
	}
	if !e.limiter.Allow() {
		if e.metrics != nil {
			e.metrics.RateLimiterWaits.Inc()
		}
		if err := e.limiter.Wait(e.ctx); err != nil {
			return
		}
	}

	hash := payloadHash(state.Payload)

	info, err := e.queue.DeviceInfo(e.ctx, deviceID)
	if err != nil {
		if e.ctx.Err() == nil {
			log.Error("loading device info", "error", err)
		}
		return
	}
	if info == nil {
		// Disabled, stale, or deleted since enqueue. The failure is
		// recorded first so the offline counter reflects the attempt.
		if err := e.queue.RecordSendFailure(e.ctx, deviceID, hash, e.cfg.Delivery.OfflineThreshold); err != nil && !errors.Is(err, store.ErrDeviceNotFound) {
			log.Error("recording send failure", "error", err)
		}
		e.quarantine(log, state, hash, store.ReasonDeviceUnavailable, "device disabled, stale, or deleted")
		return
	}
	if info.IP == "" {
		e.quarantine(log, state, hash, store.ReasonMissingIP, "device record carries no IP address")
		return
	}

	// A payload identical to the last delivered one is redundant unless
	// the device is mid-failure, where a resend can heal it.
	if info.FailureCount == 0 && info.LastPayloadHash == hash {
		if err := e.queue.DeleteState(e.ctx, state.ID); err != nil {
			log.Error("deleting duplicate row", "error", err)
			return
		}
		e.observeSend(deviceID, "", "duplicate", 0)
		if log.Sampled() {
			log.Debug("duplicate payload skipped", "state_id", state.ID, "context_id", state.ContextID)
		}
		return
	}

	transport, addr := e.route(info)
	start := time.Now()
	err = e.send(transport, addr, state.Payload)
	elapsed := time.Since(start)

	if err != nil {
		if e.ctx.Err() != nil {
			return
		}
		if recErr := e.queue.RecordSendFailure(e.ctx, deviceID, hash, e.cfg.Delivery.OfflineThreshold); recErr != nil {
			log.Error("recording send failure", "error", recErr)
		}
		e.observeSend(deviceID, transport.Name(), "failure", elapsed)
		log.Warn("delivery failed, row retained",
			"state_id", state.ID,
			"context_id", state.ContextID,
			"addr", addr,
			"attempts", e.cfg.Delivery.SendRetries,
			"error", err)
		// Hold off one backoff step before re-reading the head so a dead
		// device does not spin the worker at the poll rate.
		select {
		case <-e.done:
		case <-time.After(e.failureDelay()):
		}
		return
	}

	// Bookkeeping and deletion are separate transactions. A crash
	// between them resends the row, and the matching last_payload_hash
	// drops it as a duplicate on the next pass.
	if err := e.queue.RecordSendSuccess(e.ctx, deviceID, hash); err != nil {
		log.Error("recording send success", "error", err)
	}
	if err := e.queue.DeleteState(e.ctx, state.ID); err != nil {
		log.Error("deleting delivered row", "error", err)
		return
	}
	e.observeSend(deviceID, transport.Name(), "success", elapsed)
	if log.Sampled() {
		log.Debug("payload delivered",
			"state_id", state.ID,
			"context_id", state.ContextID,
			"transport", transport.Name(),
			"addr", addr,
			"duration_ms", elapsed.Milliseconds())
	}
}

// failureDelay is the pause after a row exhausts its retries: the first
// step of the backoff schedule (base times factor), capped at the
// ceiling, not the ceiling itself.
func (e *Engine) failureDelay() time.Duration {
	d := time.Duration(float64(e.cfg.GetBackoffBase()) * e.cfg.Delivery.BackoffFactor)
	if ceiling := e.cfg.GetBackoffMax(); d > ceiling {
		return ceiling
	}
	if d <= 0 {
		return e.cfg.GetBackoffBase()
	}
	return d
}

// route picks the transport and target address for a device: per-device
// capability overrides first, then the protocol dialect defaults, then
// the configured fallbacks.
func (e *Engine) route(info *store.DeviceInfo) (Transport, string) {
	name := info.Transport
	port := info.Port

	if e.protocols != nil {
		if handler, err := e.protocols.Get(info.Protocol); err == nil {
			if name == "" {
				name = handler.DefaultTransport()
			}
			if port == 0 {
				port = handler.DefaultPort()
			}
		}
	}
	if name == "" {
		name = e.cfg.Delivery.DefaultTransport
	}
	if port == 0 {
		port = e.cfg.Delivery.DefaultPort
	}

	transport, ok := e.transports[name]
	if !ok {
		transport = e.transports[e.cfg.Delivery.DefaultTransport]
	}
	return transport, net.JoinHostPort(info.IP, strconv.Itoa(port))
}

// send pushes one payload with up to SendRetries attempts under
// exponential backoff. Dry-run mode logs the would-be send and succeeds.
func (e *Engine) send(transport Transport, addr string, payload []byte) error {
	if e.cfg.Delivery.DryRun {
		e.logger.Info("dry-run send",
			"transport", transport.Name(),
			"addr", addr,
			"bytes", len(payload))
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.GetBackoffBase()
	bo.Multiplier = e.cfg.Delivery.BackoffFactor
	bo.MaxInterval = e.cfg.GetBackoffMax()
	bo.MaxElapsedTime = 0

	attempts := uint64(e.cfg.Delivery.SendRetries)
	if attempts == 0 {
		attempts = 1
	}

	operation := func() error {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.GetSendTimeout())
		defer cancel()
		return transport.Send(ctx, addr, payload)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), e.ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("delivery: %d attempts to %s: %w", attempts, addr, err)
	}
	return nil
}

// quarantine dead-letters a row that can never be delivered as-is.
func (e *Engine) quarantine(log *logging.Logger, state *store.PendingState, hash, reason, details string) {
	if err := e.queue.QuarantineState(e.ctx, state, hash, reason, details); err != nil {
		if e.ctx.Err() == nil {
			log.Error("quarantining row", "state_id", state.ID, "reason", reason, "error", err)
		}
		return
	}
	if e.metrics != nil {
		e.metrics.DeadLettersTotal.Inc()
	}
	e.observeSend(state.DeviceID, "", "dead_letter", 0)
	log.Warn("row quarantined",
		"state_id", state.ID,
		"context_id", state.ContextID,
		"reason", reason,
		"details", details)
}

func (e *Engine) observeSend(deviceID, transport, outcome string, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.SendResults.WithLabelValues(outcome).Inc()
		if outcome == "success" && transport != "" {
			e.metrics.SendDuration.WithLabelValues(transport).Observe(elapsed.Seconds())
		}
	}
	if e.telemetry != nil {
		e.telemetry.RecordSend(deviceID, transport, outcome, elapsed)
	}
}

// sampleQueueDepths refreshes the per-device and total depth gauges.
func (e *Engine) sampleQueueDepths() {
	if e.metrics == nil && e.telemetry == nil {
		return
	}
	depths, err := e.queue.QueueDepths(e.ctx)
	if err != nil {
		if e.ctx.Err() == nil {
			e.logger.Error("sampling queue depths", "error", err)
		}
		return
	}
	if e.metrics != nil {
		e.metrics.QueueDepth.Reset()
		total := 0
		for id, depth := range depths {
			e.metrics.QueueDepth.WithLabelValues(id).Set(float64(depth))
			total += depth
		}
		e.metrics.QueueDepthTotal.Set(float64(total))
	}
	if e.telemetry != nil {
		e.telemetry.RecordQueueDepths(depths)
	}
}

func (e *Engine) updateOfflineGauge() {
	if e.metrics == nil {
		return
	}
	count := 0
	e.offline.Range(func(_, _ any) bool {
		count++
		return true
	})
	e.metrics.DevicesOffline.Set(float64(count))
}

// payloadHash returns the hex SHA-256 of a wire payload. The same digest
// is stamped on devices.last_payload_hash for duplicate suppression.
func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
