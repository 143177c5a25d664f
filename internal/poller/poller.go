// Package poller runs the optional device liveness probe. Each cycle it
// sends a status request to every enabled device and records the outcome,
// so offline devices are flagged even when no DMX traffic is queued for
// them.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/lightwire/lightwire-core/internal/infrastructure/config"
	"github.com/lightwire/lightwire-core/internal/infrastructure/logging"
	"github.com/lightwire/lightwire-core/internal/infrastructure/metrics"
	"github.com/lightwire/lightwire-core/internal/store"
)

// ErrPollerClosed is returned when Start is called on a stopped poller.
var ErrPollerClosed = errors.New("poller: closed")

const readBufferSize = 2048

// Registry is the store surface the poller consumes.
type Registry interface {
	Devices(ctx context.Context) ([]*store.Device, error)
	RecordPollSuccess(ctx context.Context, id string, state *store.PollState) error
	RecordPollFailure(ctx context.Context, id string, offlineThreshold int) error
}

// ProbeFunc performs one liveness probe against a device address and
// returns the reported state. A nil state with nil error counts as alive
// without state detail.
type ProbeFunc func(ctx context.Context, addr string) (*store.PollState, error)

// Poller drives periodic liveness probes.
type Poller struct {
	cfg      *config.Config
	registry Registry
	logger   *logging.Logger
	metrics  *metrics.Metrics
	probe    ProbeFunc

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

// New creates a poller using the Govee LAN devStatus probe.
func New(cfg *config.Config, registry Registry, logger *logging.Logger, m *metrics.Metrics) *Poller {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "poller"),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.probe = p.goveeProbe
	return p
}

// SetProbe overrides the probe implementation. Must be called before
// Start.
func (p *Poller) SetProbe(probe ProbeFunc) {
	p.probe = probe
}

// Start launches the poll loop. A disabled poller starts successfully and
// does nothing.
func (p *Poller) Start() error {
	select {
	case <-p.done:
		return ErrPollerClosed
	default:
	}
	if p.started {
		return nil
	}
	p.started = true

	if !p.cfg.Poll.Enabled {
		p.logger.Info("liveness polling disabled")
		return nil
	}

	p.wg.Add(1)
	go p.loop()

	p.logger.Info("liveness polling started",
		"interval_s", p.cfg.Poll.IntervalSeconds,
		"offline_threshold", p.cfg.Poll.OfflineThreshold)
	return nil
}

// Stop halts the poll loop and waits for an in-flight cycle to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.GetPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.cycle()
		}
	}
}

// cycle probes every pollable device once.
func (p *Poller) cycle() {
	devices, err := p.registry.Devices(p.ctx)
	if err != nil {
		if p.ctx.Err() == nil {
			p.logger.Error("listing devices for poll cycle", "error", err)
		}
		return
	}

	for _, device := range devices {
		select {
		case <-p.done:
			return
		default:
		}
		if !pollable(device) {
			continue
		}
		p.probeDevice(device)
	}
}

// pollable filters to enabled devices with a reachable address. Stale
// discovery records are skipped; manual devices are always candidates.
func pollable(device *store.Device) bool {
	return device.Enabled && !device.Stale && device.IP != ""
}

func (p *Poller) probeDevice(device *store.Device) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.GetPollTimeout())
	defer cancel()

	addr := net.JoinHostPort(device.IP, strconv.Itoa(p.devicePort(device)))
	state, err := p.probe(ctx, addr)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		if recErr := p.registry.RecordPollFailure(p.ctx, device.ID, p.cfg.Poll.OfflineThreshold); recErr != nil {
			p.logger.Error("recording poll failure", "device_id", device.ID, "error", recErr)
		}
		p.observe("failure")
		if p.logger.Sampled() {
			p.logger.Debug("liveness probe failed", "device_id", device.ID, "addr", addr, "error", err)
		}
		return
	}

	if err := p.registry.RecordPollSuccess(p.ctx, device.ID, state); err != nil {
		p.logger.Error("recording poll success", "device_id", device.ID, "error", err)
		return
	}
	p.observe("success")
}

func (p *Poller) devicePort(device *store.Device) int {
	if device.Capabilities.Port > 0 {
		return device.Capabilities.Port
	}
	return p.cfg.Delivery.DefaultPort
}

func (p *Poller) observe(outcome string) {
	if p.metrics != nil {
		p.metrics.PollCycles.WithLabelValues(outcome).Inc()
	}
}

// statusRequest is the Govee LAN control devStatus query. The device
// answers on the probe socket's source port.
var statusRequest = []byte(`{"msg":{"cmd":"devStatus","data":{}}}`)

// statusResponse mirrors the Govee devStatus reply envelope.
type statusResponse struct {
	Msg struct {
		Cmd  string `json:"cmd"`
		Data struct {
			OnOff            *int           `json:"onOff"`
			Brightness       *int           `json:"brightness"`
			Color            map[string]int `json:"color"`
			ColorTemInKelvin int            `json:"colorTemInKelvin"`
		} `json:"data"`
	} `json:"msg"`
}

// goveeProbe sends a devStatus request over UDP and parses the reply.
func (p *Poller) goveeProbe(ctx context.Context, addr string) (*store.PollState, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("poller: dial %s: %w", addr, err)
	}
	defer conn.Close() //nolint:errcheck

	deadline := time.Now().Add(p.cfg.GetPollTimeout())
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("poller: deadline: %w", err)
	}

	if _, err := conn.Write(statusRequest); err != nil {
		return nil, fmt.Errorf("poller: status request to %s: %w", addr, err)
	}

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("poller: status reply from %s: %w", addr, err)
	}

	var resp statusResponse
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return nil, fmt.Errorf("poller: malformed status reply from %s: %w", addr, err)
	}
	if resp.Msg.Cmd != "devStatus" {
		return nil, fmt.Errorf("poller: unexpected reply cmd %q from %s", resp.Msg.Cmd, addr)
	}

	state := &store.PollState{
		Brightness: resp.Msg.Data.Brightness,
		Color:      resp.Msg.Data.Color,
	}
	if resp.Msg.Data.OnOff != nil {
		on := *resp.Msg.Data.OnOff != 0
		state.Power = &on
	}
	return state, nil
}
