package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/sfu"
)

func (e *Engine) createRoom(ctx context.Context, s *core.Session, req *Request) (Message, error) {
	if req.RoomID == "" {
		return nil, core.ErrMissingField("roomId")
	}
	if req.HostID == "" {
		return nil, core.ErrMissingField("hostId")
	}
	if err := core.RequireRole(s, core.PublisherRoles...); err != nil {
		return nil, err
	}

	// fail fast before asking the media engine for a router
	if _, err := e.registry.GetRoom(req.RoomID); err == nil {
		return nil, core.NewError(core.AlreadyExists, "room already exists: %s", req.RoomID)
	}

	if s.RoomID() != "" {
		e.Teardown(s)
	}

	router, err := e.media.CreateRoutingContext(ctx)
	if err != nil {
		return nil, core.ErrUpstream("createRoutingContext", err)
	}

	host := sfu.Participant{SessionID: s.ID, UserID: req.HostID, Role: s.Role}
	room, err := e.registry.CreateRoom(req.RoomID, router, sfu.Meta{Name: req.Name, HostID: req.HostID}, host)
	if err != nil {
		closeQuietly(s, req.RoomID, "router", router.ID(), router)
		return nil, err
	}

	s.EnterRoom(room.ID)
	e.hub.Subscribe(room.ID, s.ID)

	reply := &RoomCreated{
		head:   head{Type: RoomCreatedType},
		RoomID: room.ID,
		Room:   roomView(room),
		Router: routerView(room),
	}
	err = room.Exec(func() error {
		reply.Participants = room.ParticipantIDs()
		reply.Producers = room.ProducerIDs()
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("service", "signal").Str("sessionID", s.ID).Str("roomID", room.ID).Msg("room created")
	e.emit(eventbus.RoomCreated, room.ID, map[string]interface{}{
		"hostId": room.HostID,
		"name":   room.Name,
	})

	return reply, nil
}

func (e *Engine) joinRoom(s *core.Session, req *Request) (Message, error) {
	if req.RoomID == "" {
		return nil, core.ErrMissingField("roomId")
	}
	if req.UserID == "" {
		return nil, core.ErrMissingField("userId")
	}

	room, err := e.registry.GetRoom(req.RoomID)
	if err != nil {
		return nil, err
	}

	current := s.RoomID()
	if current != "" && current != room.ID {
		e.Teardown(s)
	}

	// the requested role is informative, authorization always uses the token role
	role := s.Role
	if req.Role != "" {
		role = core.ParseRole(req.Role)
	}

	reply := &RoomJoined{
		head:   head{Type: RoomJoinedType},
		RoomID: room.ID,
		Router: routerView(room),
	}

	rejoined := false
	err = room.Exec(func() error {
		p, ok := room.Participant(s.ID)
		if ok {
			rejoined = true
		} else {
			p = sfu.Participant{SessionID: s.ID, UserID: req.UserID, Role: role}
			room.AddParticipant(p)
		}

		reply.UserID = p.UserID
		reply.Role = p.Role
		reply.Participants = room.ParticipantIDs()
		reply.Producers = room.ProducerIDs()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rejoined {
		return reply, nil
	}

	s.EnterRoom(room.ID)
	e.hub.Subscribe(room.ID, s.ID)

	log.Info().Str("service", "signal").Str("sessionID", s.ID).Str("roomID", room.ID).Str("role", string(role)).Msg("joined room")
	e.emit(eventbus.ParticipantJoined, room.ID, map[string]interface{}{
		"userId":    req.UserID,
		"role":      string(role),
		"sessionId": s.ID,
	})

	return reply, nil
}

func (e *Engine) leaveRoom(s *core.Session, req *Request) (Message, error) {
	roomID := s.RoomID()
	if roomID == "" {
		roomID = req.RoomID
	}

	userID := s.UserID
	if p, ok := e.Teardown(s); ok {
		userID = p.UserID
	}

	return NewRoomLeft(roomID, userID), nil
}

func (e *Engine) routerRtpCapabilities(req *Request) (Message, error) {
	if req.RoomID == "" {
		return nil, core.ErrMissingField("roomId")
	}

	room, err := e.registry.GetRoom(req.RoomID)
	if err != nil {
		return nil, err
	}

	return &RouterRtpCapabilities{
		head:   head{Type: RouterRtpCapabilitiesType},
		RoomID: room.ID,
		Router: routerView(room),
	}, nil
}
