package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueFanOut(t *testing.T) {
	queue := NewMemoryQueue(4)
	subA := queue.Subscribe()
	subB := queue.Subscribe()
	defer subA.Close()
	defer subB.Close()

	event := Event{Type: EventVideoReady, VideoID: "vid-1"}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for name, sub := range map[string]Subscription{"a": subA, "b": subB} {
		select {
		case got := <-sub.Events():
			if got.Type != EventVideoReady || got.VideoID != "vid-1" {
				t.Fatalf("subscriber %s got %+v", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestMemoryQueueRequiresType(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), Event{VideoID: "vid-1"}); err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestMemoryQueueDropsWhenSubscriberLags(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		if err := queue.Publish(context.Background(), Event{Type: EventEncodeStarted, VideoID: "vid-1"}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	// Buffer holds one event; the rest were dropped without blocking.
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected at least one buffered event")
	}
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected no further events")
		}
	default:
	}
}

func TestMemoryQueueCloseUnsubscribes(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	sub.Close()
	sub.Close()

	if err := queue.Publish(context.Background(), Event{Type: EventVideoReady, VideoID: "vid-1"}); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
}
