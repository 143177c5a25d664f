package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightwire/lightwire-core/internal/bus"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	err      error
}

func (p *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, published{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.messages...)
}

func TestEventTopic(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		deviceID  string
		want      string
	}{
		{"with device", "device_offline", "lamp-1", "lightwire/event/device_offline/lamp-1"},
		{"without device", "mapping_created", "", "lightwire/event/mapping_created"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EventTopic(tt.eventType, tt.deviceID); got != tt.want {
				t.Errorf("EventTopic() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMirror_ForwardsEvents(t *testing.T) {
	eventBus := bus.New(nil)
	publisher := &fakePublisher{}

	m := NewMirror(publisher, eventBus, 1, nil)
	m.Start()
	t.Cleanup(m.Stop)

	now := time.Now().UTC()
	eventBus.Publish(bus.Event{
		Type:      bus.EventDeviceOffline,
		DeviceID:  "lamp-1",
		Timestamp: now,
		Payload:   map[string]any{"failure_count": 5},
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(publisher.all()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	messages := publisher.all()
	if len(messages) != 1 {
		t.Fatalf("published = %d messages, want 1", len(messages))
	}
	msg := messages[0]
	if msg.topic != "lightwire/event/device_offline/lamp-1" {
		t.Errorf("topic = %s", msg.topic)
	}
	if msg.qos != 1 || !msg.retained {
		t.Errorf("qos/retained = %d/%v, want 1/true (device state events are retained)", msg.qos, msg.retained)
	}

	var evt wireEvent
	if err := json.Unmarshal(msg.payload, &evt); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if evt.Type != "device_offline" || evt.DeviceID != "lamp-1" {
		t.Errorf("event = %+v", evt)
	}
	if evt.Payload["failure_count"] != float64(5) {
		t.Errorf("payload detail = %v, want failure_count 5", evt.Payload)
	}
}

func TestMirror_StopDetaches(t *testing.T) {
	eventBus := bus.New(nil)
	publisher := &fakePublisher{}

	m := NewMirror(publisher, eventBus, 0, nil)
	m.Start()
	m.Stop()

	eventBus.Publish(bus.Event{Type: bus.EventDeviceOnline, DeviceID: "lamp-1", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	if got := publisher.all(); len(got) != 0 {
		t.Errorf("stopped mirror still published: %+v", got)
	}
}

func TestMirror_PublishErrorDoesNotPanic(t *testing.T) {
	eventBus := bus.New(nil)
	publisher := &fakePublisher{err: errors.New("broker down")}

	m := NewMirror(publisher, eventBus, 1, nil)
	m.Start()
	t.Cleanup(m.Stop)

	eventBus.Publish(bus.Event{Type: bus.EventDeviceOnline, DeviceID: "lamp-1", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)
}

func TestPublish_Validation(t *testing.T) {
	c := &Client{}

	if err := c.Publish("", []byte("x"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("lightwire/status", []byte("x"), 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Publish("lightwire/status", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v, want ErrNotConnected", err)
	}
	if err := c.Publish("lightwire/status", make([]byte, maxPayloadSize+1), 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("oversized payload error = %v, want ErrPublishFailed", err)
	}
}

func TestStatusPayload(t *testing.T) {
	var decoded map[string]string
	if err := json.Unmarshal([]byte(statusPayload("offline", "graceful_shutdown")), &decoded); err != nil {
		t.Fatalf("status payload not JSON: %v", err)
	}
	if decoded["status"] != "offline" || decoded["reason"] != "graceful_shutdown" {
		t.Errorf("payload = %v", decoded)
	}
	if decoded["timestamp"] == "" {
		t.Error("timestamp missing")
	}
}
