package bus

import (
	"sync"
	"testing"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := New(nil)

	var got []Event
	b.Subscribe(EventDeviceOnline, func(evt Event) {
		got = append(got, evt)
	})

	b.Publish(Event{Type: EventDeviceOnline, DeviceID: "lamp-1"})
	b.Publish(Event{Type: EventDeviceOffline, DeviceID: "lamp-1"})

	if len(got) != 1 {
		t.Fatalf("expected 1 delivered event, got %d", len(got))
	}
	if got[0].DeviceID != "lamp-1" {
		t.Errorf("DeviceID = %q, want %q", got[0].DeviceID, "lamp-1")
	}
	if got[0].Timestamp.IsZero() {
		t.Error("expected Publish to stamp a timestamp")
	}
}

func TestPublish_SubscribeAll(t *testing.T) {
	b := New(nil)

	var count int
	b.SubscribeAll(func(Event) { count++ })

	b.Publish(Event{Type: EventDeviceOnline})
	b.Publish(Event{Type: EventMappingCreated})
	b.Publish(Event{Type: EventMappingDeleted})

	if count != 3 {
		t.Errorf("expected 3 deliveries, got %d", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)

	var count int
	id := b.Subscribe(EventMappingUpdated, func(Event) { count++ })

	b.Publish(Event{Type: EventMappingUpdated})
	b.Unsubscribe(id)
	b.Publish(Event{Type: EventMappingUpdated})

	if count != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *captureLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func TestPublish_PanicIsolation(t *testing.T) {
	logger := &captureLogger{}
	b := New(logger)

	b.Subscribe(EventDeviceOffline, func(Event) { panic("boom") })

	var survived bool
	b.Subscribe(EventDeviceOffline, func(Event) { survived = true })

	b.Publish(Event{Type: EventDeviceOffline, DeviceID: "lamp-2"})

	if !survived {
		t.Error("expected second subscriber to run despite first panicking")
	}
	if len(logger.msgs) != 1 {
		t.Errorf("expected 1 panic log, got %d", len(logger.msgs))
	}
}

func TestPublish_Concurrent(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	count := 0
	b.Subscribe(EventDeviceUpdated, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: EventDeviceUpdated})
			}
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("expected 1000 deliveries, got %d", count)
	}
}
