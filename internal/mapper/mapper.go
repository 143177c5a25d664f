// Package mapper translates incoming DMX frames into abstract device
// state updates.
//
// The pipeline per frame: source arbitration (highest priority wins the
// universe), route lookup against a precompiled table, per-route value
// transforms, per-device aggregation, change detection against the last
// enqueued state, and a per-device debounce before the surviving update
// is enqueued for delivery.
package mapper

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lightwire/lightwire-core/internal/bus"
	"github.com/lightwire/lightwire-core/internal/dmx"
	"github.com/lightwire/lightwire-core/internal/infrastructure/config"
	"github.com/lightwire/lightwire-core/internal/infrastructure/logging"
	"github.com/lightwire/lightwire-core/internal/infrastructure/metrics"
	"github.com/lightwire/lightwire-core/internal/protocol"
	"github.com/lightwire/lightwire-core/internal/store"
)

// enqueueTimeout bounds the database write when a debounce timer fires.
const enqueueTimeout = 5 * time.Second

// Registry is the mapper's read view of the device registry.
type Registry interface {
	Devices(ctx context.Context) ([]*store.Device, error)
	Mappings(ctx context.Context) ([]*store.Mapping, error)
}

// Queue is the mapper's write view of the pending-state FIFO.
type Queue interface {
	EnqueueState(ctx context.Context, update store.StateUpdate) (int, error)
	TrimQueue(ctx context.Context, deviceID string, maxDepth int) (int, error)
}

// sourceClaim records which source currently owns a universe.
type sourceClaim struct {
	sourceID string
	priority uint8
	lastSeen time.Time
}

// pendingUpdate is a debounced state waiting for its timer.
type pendingUpdate struct {
	timer     *time.Timer
	state     *protocol.State
	canonical []byte
	contextID string
}

// Mapper routes DMX frames to device state updates. HandleFrame is safe
// to call from multiple listener goroutines.
type Mapper struct {
	registry Registry
	queue    Queue
	logger   *logging.Logger
	metrics  *metrics.Metrics

	debounce      time.Duration
	sourceTimeout time.Duration
	maxQueueDepth int
	traceIDs      bool
	traceRate     float64

	table atomic.Pointer[routingTable]

	claimMu sync.Mutex
	claims  map[uint16]*sourceClaim

	stateMu  sync.Mutex
	lastSent map[string][]byte
	pending  map[string]*pendingUpdate
	stopped  bool

	// OnUniversesChanged, when set before Start, is invoked after every
	// table rebuild with the sorted mapped universes. The sACN listener
	// uses this to reconcile multicast group membership.
	OnUniversesChanged func(universes []uint16)

	busTokens []int
	eventBus  *bus.Bus
}

// New creates a stopped mapper.
func New(cfg *config.Config, registry Registry, queue Queue, eventBus *bus.Bus, logger *logging.Logger, m *metrics.Metrics) *Mapper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Mapper{
		registry:      registry,
		queue:         queue,
		eventBus:      eventBus,
		logger:        logger.With("component", "mapper"),
		metrics:       m,
		debounce:      cfg.GetDebounce(),
		sourceTimeout: cfg.GetSourceTimeout(),
		maxQueueDepth: cfg.Delivery.MaxQueueDepth,
		traceIDs:      cfg.Trace.ContextIDs,
		traceRate:     cfg.Trace.SampleRate,
		claims:        make(map[uint16]*sourceClaim),
		lastSent:      make(map[string][]byte),
		pending:       make(map[string]*pendingUpdate),
	}
}

// Start compiles the initial routing table and subscribes to registry
// events so mapping or device changes rebuild it.
func (m *Mapper) Start(ctx context.Context) error {
	if err := m.Rebuild(ctx); err != nil {
		return err
	}

	// Start after Stop resumes with the last-sent payloads intact, so a
	// config reload does not resend identical state to every device.
	m.stateMu.Lock()
	m.stopped = false
	m.stateMu.Unlock()

	if m.eventBus != nil {
		rebuild := func(bus.Event) {
			rctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
			defer cancel()
			if err := m.Rebuild(rctx); err != nil {
				m.logger.Error("routing table rebuild failed", "error", err)
			}
		}
		for _, t := range []bus.EventType{
			bus.EventMappingCreated, bus.EventMappingUpdated, bus.EventMappingDeleted,
			bus.EventDeviceUpdated, bus.EventDeviceDiscovered,
		} {
			m.busTokens = append(m.busTokens, m.eventBus.Subscribe(t, rebuild))
		}
	}

	m.logger.Info("mapper started",
		"debounce", m.debounce, "source_timeout", m.sourceTimeout)
	return nil
}

// Rebuild recompiles the routing table from the registry and swaps it in.
func (m *Mapper) Rebuild(ctx context.Context) error {
	table, err := m.buildTable(ctx)
	if err != nil {
		return err
	}
	m.table.Store(table)

	routeCount := 0
	for _, rs := range table.routes {
		routeCount += len(rs)
	}
	m.logger.Debug("routing table rebuilt",
		"universes", len(table.universes), "routes", routeCount)

	if m.OnUniversesChanged != nil {
		m.OnUniversesChanged(table.universes)
	}
	return nil
}

// Stop flushes pending debounced updates and detaches from the bus.
func (m *Mapper) Stop() {
	if m.eventBus != nil {
		for _, token := range m.busTokens {
			m.eventBus.Unsubscribe(token)
		}
		m.busTokens = nil
	}

	// Fire everything still waiting so no accepted update is lost.
	m.stateMu.Lock()
	m.stopped = true
	flush := make(map[string]*pendingUpdate, len(m.pending))
	for id, p := range m.pending {
		p.timer.Stop()
		flush[id] = p
	}
	m.pending = make(map[string]*pendingUpdate)
	m.stateMu.Unlock()

	for deviceID, p := range flush {
		m.enqueue(deviceID, p)
	}

	m.logger.Info("mapper stopped", "flushed", len(flush))
}

// Universes returns the currently mapped universes.
func (m *Mapper) Universes() []uint16 {
	table := m.table.Load()
	if table == nil {
		return nil
	}
	return table.universes
}

// HandleFrame runs one DMX frame through the pipeline.
func (m *Mapper) HandleFrame(frame dmx.Frame) {
	if !m.admitFrame(&frame) {
		if m.metrics != nil {
			m.metrics.MapperDropped.WithLabelValues("priority").Inc()
		}
		return
	}

	table := m.table.Load()
	if table == nil {
		return
	}
	routes, ok := table.routes[frame.Universe]
	if !ok || len(routes) == 0 {
		if m.metrics != nil {
			m.metrics.MapperUnmapped.Inc()
		}
		if m.logger.Sampled() {
			m.logger.Debug("frame for unmapped universe",
				"universe", frame.Universe, "source", frame.SourceID)
		}
		return
	}

	contextID := m.newContextID(&frame)

	// Aggregate route fragments per device. A device mapped by several
	// routes in one universe gets a single merged update.
	states := make(map[string]*protocol.State)
	for _, r := range routes {
		fragment := translate(r, &frame.Data)
		if existing, ok := states[r.deviceID]; ok {
			existing.Merge(fragment)
		} else {
			states[r.deviceID] = fragment
		}
	}

	for deviceID, state := range states {
		m.offer(deviceID, state, contextID)
	}
}

// newContextID mints a trace identifier for the frame's updates when
// tracing is enabled, sampled at the configured rate. The id carries the
// frame provenance so a queued command can be traced back to its source.
func (m *Mapper) newContextID(frame *dmx.Frame) string {
	if !m.traceIDs {
		return ""
	}
	if m.traceRate < 1 && rand.Float64() >= m.traceRate {
		return ""
	}
	return fmt.Sprintf("%s-%d-%d-%s",
		frame.Source, frame.Universe, frame.Sequence, uuid.NewString())
}

// admitFrame applies priority arbitration for the frame's universe.
//
// Rules: the first source to arrive claims the universe. A claim holder
// refreshes its claim with every frame, even at a lowered priority. Other
// sources take over only with a strictly higher priority, or once the
// claim has gone unseen past the source timeout. Priority zero is a
// stream release: the holder gives up its claim and the frame is dropped.
func (m *Mapper) admitFrame(frame *dmx.Frame) bool {
	now := frame.Received
	if now.IsZero() {
		now = time.Now()
	}

	m.claimMu.Lock()
	defer m.claimMu.Unlock()

	claim := m.claims[frame.Universe]

	if frame.Priority == 0 {
		if claim != nil && claim.sourceID == frame.SourceID {
			delete(m.claims, frame.Universe)
			m.logger.Debug("source released universe",
				"universe", frame.Universe, "source", frame.SourceID)
		}
		return false
	}

	switch {
	case claim == nil,
		claim.sourceID == frame.SourceID,
		frame.Priority > claim.priority,
		now.Sub(claim.lastSeen) > m.sourceTimeout:
		if claim == nil || claim.sourceID != frame.SourceID {
			m.logger.Info("universe source changed",
				"universe", frame.Universe,
				"source", frame.SourceID, "priority", frame.Priority)
		}
		m.claims[frame.Universe] = &sourceClaim{
			sourceID: frame.SourceID,
			priority: frame.Priority,
			lastSeen: now,
		}
		return true
	default:
		return false
	}
}

// offer runs change detection and debouncing for one device update.
func (m *Mapper) offer(deviceID string, state *protocol.State, contextID string) {
	if state.IsEmpty() {
		if m.metrics != nil {
			m.metrics.MapperDropped.WithLabelValues("empty").Inc()
		}
		return
	}

	canonical := state.Canonical()

	m.stateMu.Lock()
	if m.stopped {
		m.stateMu.Unlock()
		return
	}

	if p, ok := m.pending[deviceID]; ok {
		// A newer update within the debounce window replaces the waiting
		// one; the timer keeps running so delivery is not starved by a
		// continuous DMX stream.
		p.state = state
		p.canonical = canonical
		p.contextID = contextID
		m.stateMu.Unlock()
		return
	}

	if last, ok := m.lastSent[deviceID]; ok && bytes.Equal(last, canonical) {
		m.stateMu.Unlock()
		if m.metrics != nil {
			m.metrics.MapperDropped.WithLabelValues("duplicate").Inc()
		}
		return
	}

	p := &pendingUpdate{state: state, canonical: canonical, contextID: contextID}
	p.timer = time.AfterFunc(m.debounce, func() { m.fire(deviceID) })
	m.pending[deviceID] = p
	m.stateMu.Unlock()
}

// fire is the debounce timer callback: take the pending update and
// enqueue it.
func (m *Mapper) fire(deviceID string) {
	m.stateMu.Lock()
	p, ok := m.pending[deviceID]
	if !ok {
		m.stateMu.Unlock()
		return
	}
	delete(m.pending, deviceID)

	// The pending state may have been replaced with one equal to the last
	// sent after all; re-check before paying for a database write.
	if last, ok := m.lastSent[deviceID]; ok && bytes.Equal(last, p.canonical) {
		m.stateMu.Unlock()
		if m.metrics != nil {
			m.metrics.MapperDropped.WithLabelValues("duplicate").Inc()
		}
		return
	}
	m.stateMu.Unlock()

	m.enqueue(deviceID, p)
}

// enqueue writes one update into the device's FIFO and trims overflow.
func (m *Mapper) enqueue(deviceID string, p *pendingUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()

	update := store.StateUpdate{
		DeviceID:  deviceID,
		State:     p.state,
		ContextID: p.contextID,
	}

	if _, err := m.queue.EnqueueState(ctx, update); err != nil {
		m.logger.Error("state enqueue failed",
			"device_id", deviceID, "error", err)
		return
	}

	m.stateMu.Lock()
	m.lastSent[deviceID] = p.canonical
	m.stateMu.Unlock()

	if m.metrics != nil {
		m.metrics.MapperEnqueued.Inc()
	}
	if m.logger.Sampled() {
		m.logger.Debug("state enqueued",
			"device_id", deviceID, "state", p.state.String(),
			"context_id", update.ContextID)
	}

	if m.maxQueueDepth > 0 {
		trimmed, err := m.queue.TrimQueue(ctx, deviceID, m.maxQueueDepth)
		if err != nil {
			m.logger.Error("queue trim failed", "device_id", deviceID, "error", err)
		} else if trimmed > 0 && m.metrics != nil {
			m.metrics.MapperDropped.WithLabelValues("overflow").Add(float64(trimmed))
		}
	}
}

// ResetLastSent clears the change-detection memory for one device, or all
// devices when id is empty. Used after reload when capabilities changed.
func (m *Mapper) ResetLastSent(id string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if id == "" {
		m.lastSent = make(map[string][]byte)
		return
	}
	delete(m.lastSent, id)
}

