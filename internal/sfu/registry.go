package sfu

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/rtc"
	"github.com/isqad/livelook-signal/internal/telemetry"
)

// Registry is the authoritative map of open rooms.
//
// Lock order is registry, then room, then session. Closing media resources
// and the router happens with no lock held.
type Registry struct {
	lock  sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
	}
}

// CreateRoom registers a room with host as its first participant. A room
// that is closed but not yet released is replaced.
func (r *Registry) CreateRoom(id string, router rtc.RoutingContext, meta Meta, host Participant) (*Room, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if existing, ok := r.rooms[id]; ok && !existing.IsClosed() {
		return nil, core.NewError(core.AlreadyExists, "room already exists: %s", id)
	}

	room := newRoom(id, router, meta)
	room.AddParticipant(host)
	r.rooms[id] = room

	telemetry.RoomCreated()
	log.Info().Str("service", "registry").Str("roomID", id).Str("routerID", router.ID()).Msg("room created")

	return room, nil
}

func (r *Registry) GetRoom(id string) (*Room, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	room, ok := r.rooms[id]
	if !ok || room.IsClosed() {
		return nil, core.ErrNotFound("room", id)
	}
	return room, nil
}

// CloseRoom closes every resource of the room and its router. Closing an
// unknown room is a no-op.
func (r *Registry) CloseRoom(id string) {
	r.lock.RLock()
	room, ok := r.rooms[id]
	r.lock.RUnlock()

	if !ok {
		return
	}
	r.Release(room)
}

// Release tears down a closed or emptied room and removes it from the map.
// Safe to call many times and concurrently.
func (r *Registry) Release(room *Room) {
	room.releaseOnce.Do(func() {
		res := room.shut()

		for _, e := range res.consumers {
			closeQuietly(room.ID, "consumer", e.Consumer.ID(), e.Consumer)
		}
		for _, e := range res.producers {
			closeQuietly(room.ID, "producer", e.Producer.ID(), e.Producer)
		}
		for _, e := range res.transports {
			closeQuietly(room.ID, "transport", e.Transport.ID(), e.Transport)
		}
		closeQuietly(room.ID, "router", room.router.ID(), room.router)

		r.lock.Lock()
		if r.rooms[room.ID] == room {
			delete(r.rooms, room.ID)
		}
		r.lock.Unlock()

		telemetry.RoomClosed()
		log.Info().Str("service", "registry").Str("roomID", room.ID).Msg("room closed")
	})
}

type closer interface {
	Close() error
}

func closeQuietly(roomID, kind, id string, c closer) {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Str("service", "registry").Str("roomID", roomID).Str(kind+"ID", id).Msg("close failed")
	}
}

// Rooms returns the open rooms ordered by creation
func (r *Registry) Rooms() []*Room {
	r.lock.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		if !room.IsClosed() {
			rooms = append(rooms, room)
		}
	}
	r.lock.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms
}

// Snapshot returns the read-only view of every open room
func (r *Registry) Snapshot() []Info {
	rooms := r.Rooms()
	infos := make([]Info, 0, len(rooms))
	for _, room := range rooms {
		_ = room.Exec(func() error {
			infos = append(infos, room.Info())
			return nil
		})
	}
	return infos
}

// CloseAll closes every room and returns the ids of the rooms it closed
func (r *Registry) CloseAll() []string {
	r.lock.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.lock.RUnlock()

	var closed []string
	for _, room := range rooms {
		if !room.IsClosed() {
			closed = append(closed, room.ID)
		}
		r.Release(room)
	}
	sort.Strings(closed)
	return closed
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.rooms)
}
