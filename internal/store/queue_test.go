package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/lightwire/lightwire-core/internal/protocol"
)

func intPtr(v int) *int { return &v }

func enqueue(t *testing.T, s *Store, deviceID string, state *protocol.State) int {
	t.Helper()
	n, err := s.EnqueueState(context.Background(), StateUpdate{
		DeviceID: deviceID,
		State:    state,
	})
	if err != nil {
		t.Fatalf("EnqueueState() error = %v", err)
	}
	return n
}

// commandName extracts msg.cmd from a wrapped queue payload.
func commandName(t *testing.T, payload []byte) string {
	t.Helper()
	var envelope struct {
		Msg struct {
			Cmd string `json:"cmd"`
		} `json:"msg"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("parsing queued payload %s: %v", payload, err)
	}
	return envelope.Msg.Cmd
}

func TestEnqueueState_WrapsPerCommand(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertManual(t, s, "lamp-1", "10.0.0.1")

	// on + colour + brightness expands into three ordered commands.
	n := enqueue(t, s, "lamp-1", &protocol.State{
		Turn:       "on",
		Brightness: intPtr(128),
		Color:      map[string]int{"r": 255, "g": 0, "b": 0},
	})
	if n != 3 {
		t.Fatalf("enqueued rows = %d, want 3", n)
	}

	var order []string
	for {
		state, err := s.NextState(ctx, "lamp-1")
		if err != nil {
			t.Fatalf("NextState() error = %v", err)
		}
		if state == nil {
			break
		}
		order = append(order, commandName(t, state.Payload))
		if err := s.DeleteState(ctx, state.ID); err != nil {
			t.Fatalf("DeleteState() error = %v", err)
		}
	}
	want := []string{"turn", "colorwc", "brightness"}
	if len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Errorf("command order = %v, want %v", order, want)
	}
}

func TestEnqueueState_OffSingleCommand(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertManual(t, s, "lamp-1", "10.0.0.1")

	n := enqueue(t, s, "lamp-1", &protocol.State{
		Turn:       "off",
		Brightness: intPtr(200), // off overrides everything else
	})
	if n != 1 {
		t.Fatalf("enqueued rows = %d, want 1", n)
	}

	state, err := s.NextState(ctx, "lamp-1")
	if err != nil {
		t.Fatalf("NextState() error = %v", err)
	}
	if cmd := commandName(t, state.Payload); cmd != "turn" {
		t.Errorf("command = %s, want turn", cmd)
	}
}

func TestEnqueueState_Validation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertManual(t, s, "lamp-1", "10.0.0.1")

	_, err := s.EnqueueState(ctx, StateUpdate{State: &protocol.State{Turn: "on"}})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("missing device id error = %v, want ErrValidation", err)
	}

	_, err = s.EnqueueState(ctx, StateUpdate{DeviceID: "lamp-1"})
	if !errors.Is(err, protocol.ErrEmptyState) {
		t.Errorf("nil state error = %v, want ErrEmptyState", err)
	}

	_, err = s.EnqueueState(ctx, StateUpdate{DeviceID: "lamp-1", State: &protocol.State{}})
	if !errors.Is(err, protocol.ErrEmptyState) {
		t.Errorf("empty state error = %v, want ErrEmptyState", err)
	}

	_, err = s.EnqueueState(ctx, StateUpdate{
		DeviceID: "ghost", State: &protocol.State{Turn: "on"},
	})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("unknown device error = %v, want ErrDeviceNotFound", err)
	}
}

func TestQueueFIFO(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertManual(t, s, "lamp-1", "10.0.0.1")

	enqueue(t, s, "lamp-1", &protocol.State{Turn: "off"})
	enqueue(t, s, "lamp-1", &protocol.State{Brightness: intPtr(50)})

	next, err := s.NextState(ctx, "lamp-1")
	if err != nil {
		t.Fatalf("NextState() error = %v", err)
	}
	if next == nil || commandName(t, next.Payload) != "turn" {
		t.Fatalf("head = %+v, want turn command", next)
	}

	if err := s.DeleteState(ctx, next.ID); err != nil {
		t.Fatalf("DeleteState() error = %v", err)
	}

	next, err = s.NextState(ctx, "lamp-1")
	if err != nil {
		t.Fatalf("NextState() error = %v", err)
	}
	if next == nil || commandName(t, next.Payload) != "brightness" {
		t.Fatalf("second = %+v, want brightness command", next)
	}

	if err := s.DeleteState(ctx, next.ID); err != nil {
		t.Fatalf("DeleteState() error = %v", err)
	}
	next, err = s.NextState(ctx, "lamp-1")
	if err != nil {
		t.Fatalf("NextState() on empty queue error = %v", err)
	}
	if next != nil {
		t.Errorf("expected nil state on empty queue, got %+v", next)
	}
}

func TestQuarantineState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertManual(t, s, "lamp-1", "10.0.0.1")
	enqueue(t, s, "lamp-1", &protocol.State{Turn: "on"})

	state, err := s.NextState(ctx, "lamp-1")
	if err != nil {
		t.Fatalf("NextState() error = %v", err)
	}

	err = s.QuarantineState(ctx, state, "abc123", ReasonDeviceUnavailable, "5 failed sends")
	if err != nil {
		t.Fatalf("QuarantineState() error = %v", err)
	}

	// Queue row gone.
	next, err := s.NextState(ctx, "lamp-1")
	if err != nil {
		t.Fatalf("NextState() after quarantine error = %v", err)
	}
	if next != nil {
		t.Errorf("expected empty queue after quarantine, got %+v", next)
	}

	// Dead letter present with the full provenance.
	letters, err := s.DeadLetters(ctx, "lamp-1", 0)
	if err != nil {
		t.Fatalf("DeadLetters() error = %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	dl := letters[0]
	if dl.Reason != ReasonDeviceUnavailable {
		t.Errorf("reason = %s, want %s", dl.Reason, ReasonDeviceUnavailable)
	}
	if dl.StateID != state.ID {
		t.Errorf("state id = %d, want %d", dl.StateID, state.ID)
	}
	if commandName(t, dl.Payload) != "turn" {
		t.Errorf("payload = %s, want original turn command", dl.Payload)
	}
	if dl.Details != "5 failed sends" {
		t.Errorf("details = %s, want failure description", dl.Details)
	}
	if dl.PayloadHash != "abc123" {
		t.Errorf("payload hash = %s, want abc123", dl.PayloadHash)
	}
}

func TestTrimQueue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertManual(t, s, "lamp-1", "10.0.0.1")

	for i := 1; i <= 5; i++ {
		enqueue(t, s, "lamp-1", &protocol.State{Brightness: intPtr(i * 10)})
	}

	trimmed, err := s.TrimQueue(ctx, "lamp-1", 2)
	if err != nil {
		t.Fatalf("TrimQueue() error = %v", err)
	}
	if trimmed != 3 {
		t.Errorf("trimmed = %d, want 3", trimmed)
	}

	depths, err := s.QueueDepths(ctx)
	if err != nil {
		t.Fatalf("QueueDepths() error = %v", err)
	}
	if depths["lamp-1"] != 2 {
		t.Errorf("queue depth = %d, want 2", depths["lamp-1"])
	}

	// The head is now the fourth enqueued brightness (40).
	next, err := s.NextState(ctx, "lamp-1")
	if err != nil {
		t.Fatalf("NextState() error = %v", err)
	}
	var envelope struct {
		Msg struct {
			Data map[string]any `json:"data"`
		} `json:"msg"`
	}
	if err := json.Unmarshal(next.Payload, &envelope); err != nil {
		t.Fatalf("parsing head payload: %v", err)
	}
	if envelope.Msg.Data["value"] != float64(40) {
		t.Errorf("head brightness = %v, want 40", envelope.Msg.Data["value"])
	}

	letters, err := s.DeadLetters(ctx, "lamp-1", 0)
	if err != nil {
		t.Fatalf("DeadLetters() error = %v", err)
	}
	if len(letters) != 3 {
		t.Errorf("dead letters = %d, want 3", len(letters))
	}
	for _, dl := range letters {
		if dl.Reason != ReasonQueueOverflow {
			t.Errorf("reason = %s, want %s", dl.Reason, ReasonQueueOverflow)
		}
	}

	trimmed, err = s.TrimQueue(ctx, "lamp-1", 2)
	if err != nil {
		t.Fatalf("TrimQueue() second pass error = %v", err)
	}
	if trimmed != 0 {
		t.Errorf("second trim = %d, want 0", trimmed)
	}
}

func TestPendingDeviceIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertManual(t, s, "lamp-1", "10.0.0.1")
	mustUpsertManual(t, s, "lamp-2", "10.0.0.2")

	ids, err := s.PendingDeviceIDs(ctx)
	if err != nil {
		t.Fatalf("PendingDeviceIDs() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("pending ids on empty queue = %v, want none", ids)
	}

	enqueue(t, s, "lamp-2", &protocol.State{Turn: "on"})
	enqueue(t, s, "lamp-1", &protocol.State{Turn: "on"})
	enqueue(t, s, "lamp-1", &protocol.State{Turn: "off"})

	ids, err = s.PendingDeviceIDs(ctx)
	if err != nil {
		t.Fatalf("PendingDeviceIDs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "lamp-1" || ids[1] != "lamp-2" {
		t.Errorf("pending ids = %v, want [lamp-1 lamp-2]", ids)
	}
}

func TestDeadLetters_FilterAndLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustUpsertManual(t, s, "lamp-1", "10.0.0.1")
	mustUpsertManual(t, s, "lamp-2", "10.0.0.2")

	for _, id := range []string{"lamp-1", "lamp-1", "lamp-2"} {
		enqueue(t, s, id, &protocol.State{Turn: "on"})
		state, err := s.NextState(ctx, id)
		if err != nil {
			t.Fatalf("NextState() error = %v", err)
		}
		if err := s.QuarantineState(ctx, state, "", ReasonMissingIP, ""); err != nil {
			t.Fatalf("QuarantineState() error = %v", err)
		}
	}

	letters, err := s.DeadLetters(ctx, "lamp-1", 0)
	if err != nil {
		t.Fatalf("DeadLetters() error = %v", err)
	}
	if len(letters) != 2 {
		t.Errorf("lamp-1 dead letters = %d, want 2", len(letters))
	}

	letters, err = s.DeadLetters(ctx, "", 1)
	if err != nil {
		t.Fatalf("DeadLetters() with limit error = %v", err)
	}
	if len(letters) != 1 {
		t.Errorf("limited dead letters = %d, want 1", len(letters))
	}
	// Newest first.
	if letters[0].DeviceID != "lamp-2" {
		t.Errorf("newest dead letter device = %s, want lamp-2", letters[0].DeviceID)
	}
}
