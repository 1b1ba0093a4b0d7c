// Package signal implements the signaling protocol: it turns client actions
// into registry and media engine calls and tells the room about the result.
package signal

import (
	"context"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/rtc"
	"github.com/isqad/livelook-signal/internal/sfu"
	"github.com/isqad/livelook-signal/internal/telemetry"
)

// consumerType is reported for every consumer, there is no simulcast
const consumerType = "simple"

// Broadcaster fans messages out to the sessions subscribed to a room
type Broadcaster interface {
	Subscribe(roomID, sessionID string)
	Unsubscribe(roomID, sessionID string)
	// Broadcast sends msg to every subscriber but exceptSessionID
	Broadcast(roomID, exceptSessionID string, msg Message)
}

type Engine struct {
	registry *sfu.Registry
	media    rtc.MediaEngine
	hub      Broadcaster
	events   eventbus.Publisher
}

func NewEngine(registry *sfu.Registry, media rtc.MediaEngine, hub Broadcaster, events eventbus.Publisher) *Engine {
	return &Engine{
		registry: registry,
		media:    media,
		hub:      hub,
		events:   events,
	}
}

// Handle runs one action for the session and returns the reply. Failures are
// returned as error replies, they never reach other sessions.
func (e *Engine) Handle(ctx context.Context, s *core.Session, req *Request) Message {
	reply, err := e.dispatch(ctx, s, req)

	action := string(req.Action)
	if !knownAction(req.Action) {
		action = "unknown"
	}

	if err != nil {
		code := core.CodeOf(err)
		telemetry.ActionHandled(action, string(code))

		event := log.Info()
		if code == core.UpstreamFailure {
			event = log.Error()
		}
		event.Err(err).
			Str("service", "signal").
			Str("sessionID", s.ID).
			Str("roomID", req.RoomID).
			Str("action", string(req.Action)).
			Msg("action failed")

		return NewErrorReply(err)
	}

	telemetry.ActionHandled(action, "")
	return reply
}

func knownAction(a Action) bool {
	switch a {
	case PingAction, CreateRoomAction, JoinRoomAction, LeaveRoomAction,
		GetRouterRtpCapabilitiesAction, CreateTransportAction, ConnectTransportAction,
		ProduceAction, ConsumeAction, ResumeConsumerAction:
		return true
	}
	return false
}

func (e *Engine) dispatch(ctx context.Context, s *core.Session, req *Request) (Message, error) {
	switch req.Action {
	case PingAction:
		return NewPong(), nil
	case CreateRoomAction:
		return e.createRoom(ctx, s, req)
	case JoinRoomAction:
		return e.joinRoom(s, req)
	case LeaveRoomAction:
		return e.leaveRoom(s, req)
	case GetRouterRtpCapabilitiesAction:
		return e.routerRtpCapabilities(req)
	case CreateTransportAction:
		return e.createTransport(ctx, s, req)
	case ConnectTransportAction:
		return e.connectTransport(ctx, s, req)
	case ProduceAction:
		return e.produce(ctx, s, req)
	case ConsumeAction:
		return e.consume(ctx, s, req)
	case ResumeConsumerAction:
		return e.resumeConsumer(ctx, s, req)
	case "":
		return nil, core.ErrMissingField("action")
	default:
		return nil, core.NewError(core.UnknownAction, "unknown action: %s", req.Action)
	}
}

// Rooms returns the snapshots of the open rooms
func (e *Engine) Rooms() []sfu.Info {
	return e.registry.Snapshot()
}

// Disconnect is the final teardown of a session whose connection is gone
func (e *Engine) Disconnect(s *core.Session) {
	e.Teardown(s)
	s.MarkLeft()
}

// Shutdown closes every room
func (e *Engine) Shutdown() {
	for _, id := range e.registry.CloseAll() {
		e.emit(eventbus.RoomClosed, id, map[string]interface{}{"reason": "shutdown"})
	}
}

func (e *Engine) emit(t eventbus.EventType, roomID string, payload map[string]interface{}) {
	e.events.Publish(eventbus.NewEvent(t, roomID, payload))
}

// memberRoom returns the room the session acts on, which must be its own
func (e *Engine) memberRoom(s *core.Session, roomID string) (*sfu.Room, error) {
	if err := core.RequireRoomMembership(s, roomID); err != nil {
		return nil, err
	}
	return e.registry.GetRoom(roomID)
}

func routerView(room *sfu.Room) RouterView {
	return RouterView{
		RoomID:          room.ID,
		RouterID:        room.Router().ID(),
		RTPCapabilities: room.Router().RTPCapabilities(),
		CreatedAt:       room.CreatedAt,
	}
}

func roomView(room *sfu.Room) RoomView {
	return RoomView{
		ID:        room.ID,
		Name:      room.Name,
		HostID:    room.HostID,
		RouterID:  room.Router().ID(),
		CreatedAt: room.CreatedAt,
	}
}

func closeQuietly(s *core.Session, roomID string, kind core.ResourceKind, id string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).
			Str("service", "signal").
			Str("sessionID", s.ID).
			Str("roomID", roomID).
			Str(string(kind)+"ID", id).
			Msg("close failed")
	}
}
