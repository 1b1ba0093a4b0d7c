package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/rtc"
	"github.com/isqad/livelook-signal/internal/sfu"
)

func (e *Engine) createTransport(ctx context.Context, s *core.Session, req *Request) (Message, error) {
	if req.RoomID == "" {
		return nil, core.ErrMissingField("roomId")
	}
	if req.Direction == "" {
		return nil, core.ErrMissingField("direction")
	}
	if !req.Direction.Valid() {
		return nil, core.NewError(core.ValidationError, "direction must be send or recv")
	}

	room, err := e.memberRoom(s, req.RoomID)
	if err != nil {
		return nil, err
	}

	var transport rtc.Transport
	err = room.Exec(func() error {
		t, err := room.Router().CreateTransport(ctx, req.Direction)
		if err != nil {
			return core.ErrUpstream("createTransport", err)
		}

		room.AddTransport(&sfu.TransportEntry{Transport: t, OwnerID: s.ID})
		s.Own(core.TransportResource, t.ID())
		transport = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	id := transport.ID()
	transport.OnClose(func(reason rtc.CloseReason) {
		e.transportClosed(room, s, id, reason)
	})

	return &TransportCreated{
		head:      head{Type: TransportCreatedType},
		RoomID:    room.ID,
		Direction: transport.Direction(),
		Transport: transport.Params(),
	}, nil
}

func (e *Engine) connectTransport(ctx context.Context, s *core.Session, req *Request) (Message, error) {
	if req.RoomID == "" {
		return nil, core.ErrMissingField("roomId")
	}
	if req.TransportID == "" {
		return nil, core.ErrMissingField("transportId")
	}
	if req.DTLSParameters == nil {
		return nil, core.ErrMissingField("dtlsParameters")
	}
	if err := req.DTLSParameters.Validate(); err != nil {
		return nil, &core.Error{Code: core.ValidationError, Message: err.Error()}
	}

	room, err := e.memberRoom(s, req.RoomID)
	if err != nil {
		return nil, err
	}

	err = room.Exec(func() error {
		entry, err := room.Transport(req.TransportID)
		if err != nil {
			return err
		}
		if err := core.RequireOwner(s, core.TransportResource, req.TransportID, entry.OwnerID); err != nil {
			return err
		}

		params := rtc.ConnectParams{
			DTLSParameters: *req.DTLSParameters,
			ICEParameters:  req.ICEParameters,
			ICECandidates:  req.ICECandidates,
		}
		if err := entry.Transport.Connect(ctx, params); err != nil {
			return core.ErrUpstream("connectTransport", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &TransportConnected{
		head:        head{Type: TransportConnectedType},
		RoomID:      room.ID,
		TransportID: req.TransportID,
	}, nil
}

func (e *Engine) produce(ctx context.Context, s *core.Session, req *Request) (Message, error) {
	switch {
	case req.RoomID == "":
		return nil, core.ErrMissingField("roomId")
	case req.TransportID == "":
		return nil, core.ErrMissingField("transportId")
	case req.Kind == "":
		return nil, core.ErrMissingField("kind")
	case req.RTPParameters == nil:
		return nil, core.ErrMissingField("rtpParameters")
	}
	if !req.Kind.Valid() {
		return nil, core.NewError(core.ValidationError, "kind must be audio or video")
	}
	if err := req.RTPParameters.Validate(); err != nil {
		return nil, &core.Error{Code: core.ValidationError, Message: err.Error()}
	}
	if err := core.RequireRole(s, core.PublisherRoles...); err != nil {
		return nil, err
	}

	room, err := e.memberRoom(s, req.RoomID)
	if err != nil {
		return nil, err
	}

	var (
		producer rtc.Producer
		userID   string
	)
	err = room.Exec(func() error {
		entry, err := room.Transport(req.TransportID)
		if err != nil {
			return err
		}
		if err := core.RequireOwner(s, core.TransportResource, req.TransportID, entry.OwnerID); err != nil {
			return err
		}
		if entry.Transport.Direction() != rtc.DirectionSend {
			return core.NewError(core.ValidationError, "transport %s can't produce", req.TransportID)
		}

		p, err := entry.Transport.Produce(ctx, rtc.ProduceParams{
			Kind:          req.Kind,
			RTPParameters: *req.RTPParameters,
			AppData:       req.AppData,
		})
		if err != nil {
			return core.ErrUpstream("produce", err)
		}

		room.AddProducer(&sfu.ProducerEntry{Producer: p, OwnerID: s.ID, TransportID: req.TransportID})
		s.Own(core.ProducerResource, p.ID())
		producer = p

		if participant, ok := room.Participant(s.ID); ok {
			userID = participant.UserID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	id := producer.ID()
	producer.OnClose(func(reason rtc.CloseReason) {
		e.producerClosed(room, s, id, reason)
	})

	e.hub.Broadcast(room.ID, s.ID, NewNewProducer(room.ID, id))

	log.Info().Str("service", "signal").Str("sessionID", s.ID).Str("roomID", room.ID).Str("producerID", id).Str("kind", string(producer.Kind())).Msg("producer created")
	e.emit(eventbus.ProducerCreated, room.ID, map[string]interface{}{
		"producerId": id,
		"kind":       string(producer.Kind()),
		"userId":     userID,
	})

	return &Produced{
		head:       head{Type: ProducedType},
		RoomID:     room.ID,
		ProducerID: id,
		Producer: ProducerView{
			ProducerID: id,
			Kind:       producer.Kind(),
			AppData:    producer.AppData(),
		},
	}, nil
}

func (e *Engine) consume(ctx context.Context, s *core.Session, req *Request) (Message, error) {
	switch {
	case req.RoomID == "":
		return nil, core.ErrMissingField("roomId")
	case req.TransportID == "":
		return nil, core.ErrMissingField("transportId")
	case req.ProducerID == "":
		return nil, core.ErrMissingField("producerId")
	case req.RTPCapabilities == nil:
		return nil, core.ErrMissingField("rtpCapabilities")
	}

	room, err := e.memberRoom(s, req.RoomID)
	if err != nil {
		return nil, err
	}

	var view ConsumerView
	var consumer rtc.Consumer
	err = room.Exec(func() error {
		entry, err := room.Transport(req.TransportID)
		if err != nil {
			return err
		}
		if err := core.RequireOwner(s, core.TransportResource, req.TransportID, entry.OwnerID); err != nil {
			return err
		}
		if entry.Transport.Direction() != rtc.DirectionRecv {
			return core.NewError(core.ValidationError, "transport %s can't consume", req.TransportID)
		}

		producer, err := room.Producer(req.ProducerID)
		if err != nil {
			return err
		}
		if !room.Router().CanConsume(req.ProducerID, *req.RTPCapabilities) {
			return core.NewError(core.IncompatibleCapabilities, "can't consume producer %s", req.ProducerID)
		}

		c, err := entry.Transport.Consume(ctx, rtc.ConsumeParams{
			ProducerID:      req.ProducerID,
			RTPCapabilities: *req.RTPCapabilities,
			Paused:          true,
		})
		if err != nil {
			return core.ErrUpstream("consume", err)
		}

		room.AddConsumer(&sfu.ConsumerEntry{Consumer: c, OwnerID: s.ID, TransportID: req.TransportID, ProducerID: req.ProducerID})
		s.Own(core.ConsumerResource, c.ID())
		consumer = c

		view = ConsumerView{
			ConsumerID:     c.ID(),
			ProducerID:     req.ProducerID,
			Kind:           c.Kind(),
			Type:           consumerType,
			RTPParameters:  c.RTPParameters(),
			ProducerPaused: c.Paused(),
			AppData:        producer.Producer.AppData(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	id := consumer.ID()
	consumer.OnClose(func(reason rtc.CloseReason) {
		e.consumerClosed(room, s, id, reason)
	})

	return &Consumed{
		head:     head{Type: ConsumedType},
		RoomID:   room.ID,
		Consumer: view,
	}, nil
}

func (e *Engine) resumeConsumer(ctx context.Context, s *core.Session, req *Request) (Message, error) {
	if req.RoomID == "" {
		return nil, core.ErrMissingField("roomId")
	}
	if req.ConsumerID == "" {
		return nil, core.ErrMissingField("consumerId")
	}

	room, err := e.memberRoom(s, req.RoomID)
	if err != nil {
		return nil, err
	}

	err = room.Exec(func() error {
		entry, err := room.Consumer(req.ConsumerID)
		if err != nil {
			return err
		}
		if err := core.RequireOwner(s, core.ConsumerResource, req.ConsumerID, entry.OwnerID); err != nil {
			return err
		}
		if err := entry.Consumer.Resume(ctx); err != nil {
			return core.ErrUpstream("resumeConsumer", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &ConsumerResumed{
		head:       head{Type: ConsumerResumedType},
		RoomID:     room.ID,
		ConsumerID: req.ConsumerID,
	}, nil
}
