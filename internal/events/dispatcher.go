package events

import (
	"context"
	"sync"
	"time"
)

const (
	TypeDownloadProgress = "download-progress"
	TypeNewMessage       = "new-message"
	TypeRoomUpdated      = "room-updated"
	TypeHeartbeat        = "heartbeat"

	// AllRooms subscribes to events of every room plus room-less events.
	AllRooms = "*"
)

// Event is one response or notification. Every request produces exactly one
// event with Final set; downloads also emit progress events before it.
type Event struct {
	RequestID string    `json:"requestId,omitempty"`
	Type      string    `json:"type"`
	RoomID    string    `json:"roomId,omitempty"`
	Final     bool      `json:"final"`
	OK        bool      `json:"ok"`
	Cancelled bool      `json:"cancelled,omitempty"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Progress is the data of a download-progress event.
type Progress struct {
	AttachmentID string `json:"attachmentId"`
	Progress     int    `json:"progress"`
	Message      string `json:"message"`
}

type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  64,
	}
}

// Subscribe streams events of roomID until ctx ends or cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, roomID string) (<-chan Event, func()) {
	if roomID == "" {
		roomID = AllRooms
	}
	entry := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(roomID, entry)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(roomID, entry.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Publish delivers event without blocking. Slow subscribers miss events
// once their buffer is full.
func (d *Dispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	targets := make([]*subscriber, 0, len(d.subscribers[AllRooms])+len(d.subscribers[event.RoomID]))
	for _, entry := range d.subscribers[AllRooms] {
		targets = append(targets, entry)
	}
	if event.RoomID != "" && event.RoomID != AllRooms {
		for _, entry := range d.subscribers[event.RoomID] {
			targets = append(targets, entry)
		}
	}
	d.mu.RUnlock()
	for _, entry := range targets {
		select {
		case entry.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(roomID string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[roomID]; !ok {
		d.subscribers[roomID] = make(map[int64]*subscriber)
	}
	d.subscribers[roomID][entry.id] = entry
}

func (d *Dispatcher) unregister(roomID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[roomID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, roomID)
		}
	}
	d.mu.Unlock()
}
