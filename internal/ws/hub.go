package ws

import (
	"sort"
	"sync"

	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	signaling "github.com/isqad/livelook-signal/internal/signal"
)

// Hub knows the websocket of every connected session and which rooms they
// listen to
type Hub struct {
	lock     sync.RWMutex
	sessions map[string]*melody.Session
	rooms    map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*melody.Session),
		rooms:    make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Register(sessionID string, ws *melody.Session) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.sessions[sessionID] = ws
}

// Unregister forgets the session and drops it from every room
func (h *Hub) Unregister(sessionID string) {
	h.lock.Lock()
	defer h.lock.Unlock()

	delete(h.sessions, sessionID)
	for roomID, members := range h.rooms {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) Subscribe(roomID, sessionID string) {
	h.lock.Lock()
	defer h.lock.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[roomID] = members
	}
	members[sessionID] = struct{}{}
}

func (h *Hub) Unsubscribe(roomID, sessionID string) {
	h.lock.Lock()
	defer h.lock.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// Subscribers returns the sorted ids of the sessions listening to the room
func (h *Hub) Subscribers(roomID string) []string {
	h.lock.RLock()
	defer h.lock.RUnlock()

	ids := make([]string, 0, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) Broadcast(roomID, exceptSessionID string, msg signaling.Message) {
	payload, err := msg.ToJSON()
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Str("roomID", roomID).Msg("can't encode broadcast")
		return
	}

	h.lock.RLock()
	targets := make(map[string]*melody.Session, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		if id == exceptSessionID {
			continue
		}
		if ws, ok := h.sessions[id]; ok {
			targets[id] = ws
		}
	}
	h.lock.RUnlock()

	for id, ws := range targets {
		if err := ws.Write(payload); err != nil {
			// there's only session closed error can be
			log.Debug().Err(err).Str("service", "ws").Str("sessionID", id).Str("roomID", roomID).Msg("broadcast skipped")
		}
	}
}
