// Package eventbus delivers room lifecycle events to the system of record.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	RoomCreated       EventType = "ROOM_CREATED"
	RoomClosed        EventType = "ROOM_CLOSED"
	ParticipantJoined EventType = "PARTICIPANT_JOINED"
	ParticipantLeft   EventType = "PARTICIPANT_LEFT"
	ProducerCreated   EventType = "PRODUCER_CREATED"
	ProducerClosed    EventType = "PRODUCER_CLOSED"
)

type Event struct {
	ID         string                 `json:"eventId"`
	Type       EventType              `json:"eventType"`
	OccurredAt time.Time              `json:"occurredAt"`
	RoomID     string                 `json:"roomId"`
	Payload    map[string]interface{} `json:"payload"`
}

func NewEvent(t EventType, roomID string, payload map[string]interface{}) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}

	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		RoomID:     roomID,
		Payload:    payload,
	}
}

// Valid reports whether the event can ever be delivered
func (e Event) Valid() bool {
	return e.RoomID != "" && e.Type != ""
}

func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher accepts events for delivery. Publish never blocks.
type Publisher interface {
	Publish(e Event)
}

// Collector delivers a single event. Any error is a delivery failure.
type Collector interface {
	Collect(ctx context.Context, e Event) error
}

// DeadLetterSink keeps the events that could not be delivered
type DeadLetterSink interface {
	Store(ctx context.Context, e Event, cause error) error
}

// Recorder keeps published events in memory
type Recorder struct {
	lock   sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.lock.Lock()
	defer r.lock.Unlock()

	return append([]Event(nil), r.events...)
}

// Types lists the types of the recorded events in publish order
func (r *Recorder) Types() []EventType {
	r.lock.Lock()
	defer r.lock.Unlock()

	types := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}
