package server

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/model"
)

// testLogger returns a logger for tests that only surfaces errors.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEvent(taskID uuid.UUID) model.TaskEvent {
	return model.TaskEvent{
		Type:      model.EventTaskUpdated,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
}

func recv(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerFanOutPerUser(t *testing.T) {
	broker := NewBroker(testLogger())
	defer broker.Close()

	alice := uuid.New()
	bob := uuid.New()

	aliceCh1 := broker.Subscribe(alice)
	aliceCh2 := broker.Subscribe(alice)
	bobCh := broker.Subscribe(bob)

	taskID := uuid.New()
	broker.Publish(alice, testEvent(taskID))

	// Both of alice's subscriptions receive the event.
	for _, ch := range []chan []byte{aliceCh1, aliceCh2} {
		raw := recv(t, ch)
		if want := "event: task_updated\n"; len(raw) == 0 || string(raw[:len(want)]) != want {
			t.Errorf("got %q, want prefix %q", raw, want)
		}
	}

	// Bob's channel stays silent.
	select {
	case got := <-bobCh:
		t.Fatalf("bob received alice's event: %q", got)
	case <-time.After(50 * time.Millisecond):
	}

	broker.Unsubscribe(alice, aliceCh1)
	broker.Publish(alice, testEvent(taskID))
	recv(t, aliceCh2)

	broker.Unsubscribe(alice, aliceCh2)
	broker.Unsubscribe(bob, bobCh)
}

func TestBrokerEventPayload(t *testing.T) {
	broker := NewBroker(testLogger())
	defer broker.Close()

	userID := uuid.New()
	ch := broker.Subscribe(userID)
	defer broker.Unsubscribe(userID, ch)

	event := testEvent(uuid.New())
	broker.Publish(userID, event)

	raw := string(recv(t, ch))

	// SSE framing: event line, data line, blank terminator.
	want := "event: task_updated\ndata: "
	if raw[:len(want)] != want {
		t.Fatalf("got %q, want prefix %q", raw, want)
	}
	if raw[len(raw)-2:] != "\n\n" {
		t.Fatalf("frame not terminated: %q", raw)
	}

	var decoded model.TaskEvent
	payload := raw[len(want) : len(raw)-2]
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if decoded.TaskID != event.TaskID {
		t.Errorf("taskId: got %s, want %s", decoded.TaskID, event.TaskID)
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("task_created", `{"id":"123"}`))
	want := "event: task_created\ndata: {\"id\":\"123\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(testLogger())
	defer broker.Close()

	userID := uuid.New()

	// A slow subscriber we never read from, and a fast one.
	slow := broker.Subscribe(userID)
	fast := broker.Subscribe(userID)

	// Overfill the slow subscriber's buffer. Publish must never block.
	for range subscriberBuffer + 1 {
		broker.Publish(userID, testEvent(uuid.New()))
	}

	// Fast subscriber still gets events.
	broker.Publish(userID, testEvent(uuid.New()))
	recv(t, fast)

	broker.Unsubscribe(userID, slow)
	broker.Unsubscribe(userID, fast)
}

func TestBrokerUnsubscribeIdempotent(t *testing.T) {
	broker := NewBroker(testLogger())
	defer broker.Close()

	userID := uuid.New()
	ch := broker.Subscribe(userID)

	broker.Unsubscribe(userID, ch)
	// Second unsubscribe of the same channel must not panic.
	broker.Unsubscribe(userID, ch)

	if n := broker.SubscriberCount(); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}

func TestBrokerPublishToNoSubscribers(t *testing.T) {
	broker := NewBroker(testLogger())
	defer broker.Close()

	// No subscribers at all: publish is a no-op, not a panic.
	broker.Publish(uuid.New(), testEvent(uuid.New()))
}

func TestBrokerClose(t *testing.T) {
	broker := NewBroker(testLogger())

	userID := uuid.New()
	ch := broker.Subscribe(userID)

	broker.Close()

	// Channel is closed after shutdown.
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after Close")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel not closed after Close")
	}

	// Subscribe after Close returns nil.
	if got := broker.Subscribe(userID); got != nil {
		t.Fatal("Subscribe after Close should return nil")
	}

	// Publish after Close is a no-op.
	broker.Publish(userID, testEvent(uuid.New()))
}
