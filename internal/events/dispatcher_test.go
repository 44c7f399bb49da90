package events

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "room-1")
	defer cleanup()

	dispatcher.Publish(Event{
		RequestID: "req-1",
		Type:      TypeDownloadProgress,
		RoomID:    "room-1",
		OK:        true,
		Data:      Progress{AttachmentID: "blob", Progress: 15, Message: "core ready"},
	})

	select {
	case received := <-stream:
		if received.Type != TypeDownloadProgress {
			t.Fatalf("expected event type %s, got %s", TypeDownloadProgress, received.Type)
		}
		progress, ok := received.Data.(Progress)
		if !ok || progress.Progress != 15 {
			t.Fatalf("expected progress 15, got %#v", received.Data)
		}
		if received.Timestamp.IsZero() {
			t.Fatal("expected timestamp to be stamped on publish")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestDispatcherIsolatedByRoom(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomStream, cleanup := dispatcher.Subscribe(ctx, "room-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "room-3")
	defer otherCleanup()
	allStream, allCleanup := dispatcher.Subscribe(ctx, "")
	defer allCleanup()

	dispatcher.Publish(Event{Type: TypeNewMessage, RoomID: "room-3", OK: true})

	select {
	case <-roomStream:
		t.Fatal("did not expect event for unrelated room")
	case <-time.After(200 * time.Millisecond):
	}

	for _, stream := range []<-chan Event{otherStream, allStream} {
		select {
		case event := <-stream:
			if event.RoomID != "room-3" {
				t.Fatalf("expected room-3, received %s", event.RoomID)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected event for subscribed room")
		}
	}
}

func TestDispatcherCleanupStopsDelivery(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "room-4")
	cleanup()
	cleanup()

	dispatcher.Publish(Event{Type: TypeNewMessage, RoomID: "room-4"})
	select {
	case <-stream:
		t.Fatal("did not expect event after cleanup")
	case <-time.After(100 * time.Millisecond):
	}
}
