package core

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

type SessionState string

const (
	// SessionConnected is an authenticated session that is not in a room
	SessionConnected SessionState = "connected"
	// SessionRoomMember has joined or created a room
	SessionRoomMember SessionState = "room_member"
	// SessionLeft is terminal: the connection is gone
	SessionLeft SessionState = "left"
)

// ResourceKind is a kind of media resource a session can own
type ResourceKind string

const (
	TransportResource ResourceKind = "transport"
	ProducerResource  ResourceKind = "producer"
	ConsumerResource  ResourceKind = "consumer"
)

// Session is one authenticated signaling connection and the ledger of the
// resources it owns. All resource ids it holds belong to the room in RoomID.
type Session struct {
	ID     string
	UserID string
	Role   Role

	lock   sync.RWMutex
	roomID string
	left   bool
	owned  map[ResourceKind]map[string]struct{}
}

func NewSession(userID string, role Role) *Session {
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Role:   role,
		owned:  newOwnership(),
	}
}

func newOwnership() map[ResourceKind]map[string]struct{} {
	return map[ResourceKind]map[string]struct{}{
		TransportResource: {},
		ProducerResource:  {},
		ConsumerResource:  {},
	}
}

func (s *Session) RoomID() string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.roomID
}

func (s *Session) State() SessionState {
	s.lock.RLock()
	defer s.lock.RUnlock()

	switch {
	case s.left:
		return SessionLeft
	case s.roomID != "":
		return SessionRoomMember
	default:
		return SessionConnected
	}
}

// EnterRoom binds the session to a room. The caller must have left any
// previous room first.
func (s *Session) EnterRoom(roomID string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.roomID = roomID
}

// ExitRoom clears the room reference and the ownership sets. It returns the
// room the session was in, or "" if it was in none.
func (s *Session) ExitRoom() string {
	s.lock.Lock()
	defer s.lock.Unlock()

	roomID := s.roomID
	s.roomID = ""
	s.owned = newOwnership()

	return roomID
}

// MarkLeft moves the session to its terminal state
func (s *Session) MarkLeft() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.left = true
}

func (s *Session) Own(kind ResourceKind, id string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.owned[kind][id] = struct{}{}
}

func (s *Session) Disown(kind ResourceKind, id string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.owned[kind], id)
}

func (s *Session) Owns(kind ResourceKind, id string) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, ok := s.owned[kind][id]
	return ok
}

// Owned returns a sorted copy of the ids of the given kind
func (s *Session) Owned(kind ResourceKind) []string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	ids := make([]string, 0, len(s.owned[kind]))
	for id := range s.owned[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// RequireRole fails with NotAuthorized unless the session role is allowed
func RequireRole(s *Session, allowed ...Role) error {
	if !s.Role.IsOneOf(allowed...) {
		return NewError(NotAuthorized, "role %s is not allowed", s.Role)
	}
	return nil
}

// RequireRoomMembership fails with NotInRoom unless the session is in roomID
func RequireRoomMembership(s *Session, roomID string) error {
	if current := s.RoomID(); current == "" || current != roomID {
		return NewError(NotInRoom, "session is not joined to room %s", roomID)
	}
	return nil
}

// RequireOwner fails with NotOwner unless ownerID, the owner stored with the
// resource, is this session
func RequireOwner(s *Session, kind ResourceKind, id string, ownerID string) error {
	if ownerID != s.ID {
		return ErrNotOwner(string(kind), id)
	}
	return nil
}
