package sfu

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/rtc"
)

// Meta is what the creator tells about a room
type Meta struct {
	Name   string
	HostID string
}

// Participant is a session joined to a room
type Participant struct {
	SessionID string
	UserID    string
	Role      core.Role
	JoinedAt  time.Time
}

type TransportEntry struct {
	Transport rtc.Transport
	OwnerID   string
}

type ProducerEntry struct {
	Producer    rtc.Producer
	OwnerID     string
	TransportID string
}

type ConsumerEntry struct {
	Consumer    rtc.Consumer
	OwnerID     string
	TransportID string
	ProducerID  string
}

// Room holds the participants and media resources of a single broadcast.
// Everything but the immutable fields is guarded by the room lock: use Exec.
type Room struct {
	ID        string
	Name      string
	HostID    string
	CreatedAt time.Time

	router rtc.RoutingContext

	lock         sync.Mutex
	closed       atomic.Bool
	releaseOnce  sync.Once
	participants map[string]Participant
	transports   map[string]*TransportEntry
	producers    map[string]*ProducerEntry
	consumers    map[string]*ConsumerEntry
}

func newRoom(id string, router rtc.RoutingContext, meta Meta) *Room {
	name := meta.Name
	if name == "" {
		name = id
	}

	return &Room{
		ID:           id,
		Name:         name,
		HostID:       meta.HostID,
		CreatedAt:    time.Now().UTC(),
		router:       router,
		participants: make(map[string]Participant),
		transports:   make(map[string]*TransportEntry),
		producers:    make(map[string]*ProducerEntry),
		consumers:    make(map[string]*ConsumerEntry),
	}
}

func (r *Room) Router() rtc.RoutingContext {
	return r.router
}

// IsClosed reports whether the room is gone. A closed room may still be
// referenced by in-flight actions, they all see it as not found.
func (r *Room) IsClosed() bool {
	return r.closed.Load()
}

// Exec runs fn with the room locked
func (r *Room) Exec(fn func() error) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed.Load() {
		return core.ErrNotFound("room", r.ID)
	}
	return fn()
}

// The methods below must be called from within Exec.

func (r *Room) AddParticipant(p Participant) {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	r.participants[p.SessionID] = p
}

func (r *Room) Participant(sessionID string) (Participant, bool) {
	p, ok := r.participants[sessionID]
	return p, ok
}

// RemoveParticipant drops the participant. If the room became empty it is
// marked closed within the same critical section, so no one can join it
// anymore, and true is returned. The caller must then Release it.
func (r *Room) RemoveParticipant(sessionID string) (emptied bool) {
	delete(r.participants, sessionID)

	if len(r.participants) == 0 {
		r.closed.Store(true)
		return true
	}
	return false
}

// ParticipantIDs lists the user ids in join order
func (r *Room) ParticipantIDs() []string {
	ps := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].SessionID < ps[j].SessionID
		}
		return ps[i].JoinedAt.Before(ps[j].JoinedAt)
	})

	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (r *Room) AddTransport(e *TransportEntry) {
	r.transports[e.Transport.ID()] = e
}

func (r *Room) Transport(id string) (*TransportEntry, error) {
	e, ok := r.transports[id]
	if !ok {
		return nil, core.ErrNotFound("transport", id)
	}
	return e, nil
}

func (r *Room) RemoveTransport(id string) *TransportEntry {
	e := r.transports[id]
	delete(r.transports, id)
	return e
}

func (r *Room) AddProducer(e *ProducerEntry) {
	r.producers[e.Producer.ID()] = e
}

func (r *Room) Producer(id string) (*ProducerEntry, error) {
	e, ok := r.producers[id]
	if !ok {
		return nil, core.ErrNotFound("producer", id)
	}
	return e, nil
}

func (r *Room) RemoveProducer(id string) *ProducerEntry {
	e := r.producers[id]
	delete(r.producers, id)
	return e
}

// ProducerIDs lists the open producers, sorted
func (r *Room) ProducerIDs() []string {
	ids := make([]string, 0, len(r.producers))
	for id := range r.producers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProducersOn returns the producers created on a transport
func (r *Room) ProducersOn(transportID string) []*ProducerEntry {
	var out []*ProducerEntry
	for _, e := range r.producers {
		if e.TransportID == transportID {
			out = append(out, e)
		}
	}
	return out
}

func (r *Room) AddConsumer(e *ConsumerEntry) {
	r.consumers[e.Consumer.ID()] = e
}

func (r *Room) Consumer(id string) (*ConsumerEntry, error) {
	e, ok := r.consumers[id]
	if !ok {
		return nil, core.ErrNotFound("consumer", id)
	}
	return e, nil
}

func (r *Room) RemoveConsumer(id string) *ConsumerEntry {
	e := r.consumers[id]
	delete(r.consumers, id)
	return e
}

// ConsumersOf returns the consumers bound to a producer or created on a
// transport, whichever id matches
func (r *Room) ConsumersOf(producerID, transportID string) []*ConsumerEntry {
	var out []*ConsumerEntry
	for _, e := range r.consumers {
		if (producerID != "" && e.ProducerID == producerID) || (transportID != "" && e.TransportID == transportID) {
			out = append(out, e)
		}
	}
	return out
}

// OwnedBy lists the ids of the resources a session owns
func (r *Room) OwnedBy(sessionID string) (transports, producers, consumers []string) {
	for id, e := range r.transports {
		if e.OwnerID == sessionID {
			transports = append(transports, id)
		}
	}
	for id, e := range r.producers {
		if e.OwnerID == sessionID {
			producers = append(producers, id)
		}
	}
	for id, e := range r.consumers {
		if e.OwnerID == sessionID {
			consumers = append(consumers, id)
		}
	}
	sort.Strings(transports)
	sort.Strings(producers)
	sort.Strings(consumers)
	return
}

// Info is a read-only view of a room
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	HostID       string    `json:"hostId"`
	RouterID     string    `json:"routerId"`
	CreatedAt    time.Time `json:"createdAt"`
	Participants []string  `json:"participants"`
	Producers    []string  `json:"producers"`
}

// Info must be called from within Exec
func (r *Room) Info() Info {
	return Info{
		ID:           r.ID,
		Name:         r.Name,
		HostID:       r.HostID,
		RouterID:     r.router.ID(),
		CreatedAt:    r.CreatedAt,
		Participants: r.ParticipantIDs(),
		Producers:    r.ProducerIDs(),
	}
}

type resources struct {
	transports []*TransportEntry
	producers  []*ProducerEntry
	consumers  []*ConsumerEntry
}

// shut marks the room closed and takes every resource out of it
func (r *Room) shut() resources {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.closed.Store(true)

	var res resources
	for _, e := range r.transports {
		res.transports = append(res.transports, e)
	}
	for _, e := range r.producers {
		res.producers = append(res.producers, e)
	}
	for _, e := range r.consumers {
		res.consumers = append(res.consumers, e)
	}

	r.transports = make(map[string]*TransportEntry)
	r.producers = make(map[string]*ProducerEntry)
	r.consumers = make(map[string]*ConsumerEntry)
	r.participants = make(map[string]Participant)

	return res
}
