package mqtt

import (
	"encoding/json"
	"time"

	"github.com/lightwire/lightwire-core/internal/bus"
	"github.com/lightwire/lightwire-core/internal/infrastructure/logging"
)

// Publisher is the client surface the mirror needs. Satisfied by *Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Mirror forwards every domain event from the internal bus to the broker.
type Mirror struct {
	publisher Publisher
	bus       *bus.Bus
	logger    *logging.Logger
	qos       byte

	token   int
	started bool
}

// NewMirror creates an event mirror publishing at the given QoS.
func NewMirror(publisher Publisher, eventBus *bus.Bus, qos int, logger *logging.Logger) *Mirror {
	if logger == nil {
		logger = logging.Default()
	}
	return &Mirror{
		publisher: publisher,
		bus:       eventBus,
		logger:    logger.With("component", "mqtt_mirror"),
		qos:       byte(qos),
	}
}

// wireEvent is the JSON shape published for each domain event.
type wireEvent struct {
	Type      string         `json:"type"`
	DeviceID  string         `json:"device_id,omitempty"`
	MappingID int64          `json:"mapping_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Start subscribes the mirror to the event bus.
func (m *Mirror) Start() {
	if m.started {
		return
	}
	m.started = true
	m.token = m.bus.SubscribeAll(m.forward)
	m.logger.Info("event mirror started")
}

// Stop detaches the mirror from the bus. The MQTT client is owned by the
// caller and stays open.
func (m *Mirror) Stop() {
	if !m.started {
		return
	}
	m.started = false
	m.bus.Unsubscribe(m.token)
}

// forward publishes one event. Broker failures are logged and dropped;
// the mirror never backpressures the bus.
func (m *Mirror) forward(evt bus.Event) {
	payload, err := json.Marshal(wireEvent{
		Type:      string(evt.Type),
		DeviceID:  evt.DeviceID,
		MappingID: evt.MappingID,
		Timestamp: evt.Timestamp,
		Payload:   evt.Payload,
	})
	if err != nil {
		m.logger.Error("marshalling event for mirror", "type", evt.Type, "error", err)
		return
	}

	topic := EventTopic(string(evt.Type), evt.DeviceID)
	if err := m.publisher.Publish(topic, payload, m.qos, retainedEvent(evt.Type)); err != nil {
		m.logger.Warn("mirroring event failed", "topic", topic, "error", err)
	}
}

// retainedEvent marks device state transitions as retained so a late
// subscriber sees each device's last known online/offline state.
func retainedEvent(t bus.EventType) bool {
	return t == bus.EventDeviceOnline || t == bus.EventDeviceOffline
}
