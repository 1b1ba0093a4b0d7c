package signal

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/eventbus"
	"github.com/isqad/livelook-signal/internal/rtc"
	"github.com/isqad/livelook-signal/internal/rtc/rtctest"
	"github.com/isqad/livelook-signal/internal/sfu"
)

// recordingHub keeps what every session received through broadcasts
type recordingHub struct {
	lock     sync.Mutex
	subs     map[string]map[string]bool
	received map[string][]Message
}

func newRecordingHub() *recordingHub {
	return &recordingHub{
		subs:     make(map[string]map[string]bool),
		received: make(map[string][]Message),
	}
}

func (h *recordingHub) Subscribe(roomID, sessionID string) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.subs[roomID] == nil {
		h.subs[roomID] = make(map[string]bool)
	}
	h.subs[roomID][sessionID] = true
}

func (h *recordingHub) Unsubscribe(roomID, sessionID string) {
	h.lock.Lock()
	defer h.lock.Unlock()

	delete(h.subs[roomID], sessionID)
}

func (h *recordingHub) Broadcast(roomID, exceptSessionID string, msg Message) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for id := range h.subs[roomID] {
		if id != exceptSessionID {
			h.received[id] = append(h.received[id], msg)
		}
	}
}

func (h *recordingHub) Received(sessionID string) []Message {
	h.lock.Lock()
	defer h.lock.Unlock()

	return append([]Message(nil), h.received[sessionID]...)
}

type testEnv struct {
	engine   *Engine
	media    *rtctest.Engine
	registry *sfu.Registry
	hub      *recordingHub
	events   *eventbus.Recorder
}

func newTestEnv() *testEnv {
	env := &testEnv{
		media:    rtctest.NewEngine(),
		registry: sfu.NewRegistry(),
		hub:      newRecordingHub(),
		events:   &eventbus.Recorder{},
	}
	env.engine = NewEngine(env.registry, env.media, env.hub, env.events)
	return env
}

func (env *testEnv) do(s *core.Session, req Request) Message {
	return env.engine.Handle(context.Background(), s, &req)
}

func requireOK(t *testing.T, msg Message) {
	t.Helper()
	if reply, ok := msg.(*ErrorReply); ok {
		require.Failf(t, "unexpected error reply", "%s: %s", reply.Code, reply.Message)
	}
}

func requireCode(t *testing.T, code core.ErrorCode, msg Message) {
	t.Helper()
	reply, ok := msg.(*ErrorReply)
	require.True(t, ok, "expected an error reply, got %s", msg.GetType())
	assert.Equal(t, code, reply.Code, reply.Message)
}

var (
	videoParams = &rtc.RTPParameters{
		Codecs:    []rtc.RTPCodecParameters{{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96}},
		Encodings: []rtc.RTPEncoding{{SSRC: 1111}},
	}
	dtlsParams = &rtc.DTLSParameters{
		Role:         "client",
		Fingerprints: []rtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	}
	audioOnly = &rtc.RTPCapabilities{
		Codecs: []rtc.RTPCodecCapability{{Kind: rtc.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2}},
	}
)

// publish creates and connects a send transport for s and produces video on it
func (env *testEnv) publish(t *testing.T, s *core.Session, roomID string) (transportID, producerID string) {
	t.Helper()

	created := env.do(s, Request{Action: CreateTransportAction, RoomID: roomID, Direction: rtc.DirectionSend})
	requireOK(t, created)
	transportID = created.(*TransportCreated).Transport.ID

	requireOK(t, env.do(s, Request{Action: ConnectTransportAction, RoomID: roomID, TransportID: transportID, DTLSParameters: dtlsParams}))

	produced := env.do(s, Request{Action: ProduceAction, RoomID: roomID, TransportID: transportID, Kind: rtc.KindVideo, RTPParameters: videoParams})
	requireOK(t, produced)
	return transportID, produced.(*Produced).ProducerID
}

func (env *testEnv) subscribe(t *testing.T, s *core.Session, roomID, producerID string) (transportID string, consumed *Consumed) {
	t.Helper()

	created := env.do(s, Request{Action: CreateTransportAction, RoomID: roomID, Direction: rtc.DirectionRecv})
	requireOK(t, created)
	transportID = created.(*TransportCreated).Transport.ID

	caps := rtctest.Capabilities
	msg := env.do(s, Request{Action: ConsumeAction, RoomID: roomID, TransportID: transportID, ProducerID: producerID, RTPCapabilities: &caps})
	requireOK(t, msg)
	return transportID, msg.(*Consumed)
}

func producerClosedIDs(msgs []Message) []string {
	var ids []string
	for _, m := range msgs {
		if pc, ok := m.(*ProducerClosed); ok {
			ids = append(ids, pc.ProducerID)
		}
	}
	return ids
}

func TestEndToEnd(t *testing.T) {
	env := newTestEnv()
	b := core.NewSession("u1", core.RoleBroadcaster)
	v := core.NewSession("u2", core.RoleViewer)

	msg := env.do(b, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1"})
	requireOK(t, msg)
	created := msg.(*RoomCreated)
	assert.Equal(t, RoomCreatedType, created.GetType())
	assert.Equal(t, "r1", created.Room.Name)
	assert.Equal(t, "u1", created.Room.HostID)
	assert.Equal(t, []string{"u1"}, created.Participants)
	assert.Empty(t, created.Producers)
	assert.Equal(t, rtctest.Capabilities, created.Router.RTPCapabilities)

	msg = env.do(v, Request{Action: JoinRoomAction, RoomID: "r1", UserID: "u2", Role: "VIEWER"})
	requireOK(t, msg)
	joined := msg.(*RoomJoined)
	assert.Empty(t, joined.Producers)
	assert.ElementsMatch(t, []string{"u1", "u2"}, joined.Participants)
	assert.Equal(t, core.RoleViewer, joined.Role)

	_, producerID := env.publish(t, b, "r1")
	assert.Equal(t, "p1", producerID)

	require.Len(t, env.hub.Received(v.ID), 1)
	assert.Equal(t, NewNewProducer("r1", "p1"), env.hub.Received(v.ID)[0])
	assert.Empty(t, env.hub.Received(b.ID))

	_, consumed := env.subscribe(t, v, "r1", "p1")
	assert.Equal(t, "p1", consumed.Consumer.ProducerID)
	assert.True(t, consumed.Consumer.ProducerPaused)
	assert.Equal(t, rtc.KindVideo, consumed.Consumer.Kind)
	consumerID := consumed.Consumer.ConsumerID

	msg = env.do(v, Request{Action: ResumeConsumerAction, RoomID: "r1", ConsumerID: consumerID})
	requireOK(t, msg)
	assert.Equal(t, consumerID, msg.(*ConsumerResumed).ConsumerID)

	env.engine.Disconnect(b)
	assert.Equal(t, core.SessionLeft, b.State())
	assert.Equal(t, []string{"p1"}, producerClosedIDs(env.hub.Received(v.ID)))

	room, err := env.registry.GetRoom("r1")
	require.NoError(t, err)

	// the consumer goes away with its producer
	assert.Eventually(t, func() bool {
		gone := false
		_ = room.Exec(func() error {
			_, err := room.Consumer(consumerID)
			gone = err != nil
			return nil
		})
		return gone && !v.Owns(core.ConsumerResource, consumerID)
	}, time.Second, 5*time.Millisecond)

	msg = env.do(v, Request{Action: LeaveRoomAction, RoomID: "r1"})
	requireOK(t, msg)
	assert.Equal(t, NewRoomLeft("r1", "u2"), msg)

	_, err = env.registry.GetRoom("r1")
	assert.ErrorIs(t, err, &core.Error{Code: core.NotFound})
	assert.Equal(t, 0, env.registry.Len())
	assert.Equal(t, int32(1), env.media.RouterCloses.Load())

	assert.Equal(t, []eventbus.EventType{
		eventbus.RoomCreated,
		eventbus.ParticipantJoined,
		eventbus.ProducerCreated,
		eventbus.ParticipantLeft,
		eventbus.ProducerClosed,
		eventbus.ParticipantLeft,
		eventbus.RoomClosed,
	}, env.events.Types())

	produced := env.events.Events()[2]
	assert.Equal(t, map[string]interface{}{"producerId": "p1", "kind": "video", "userId": "u1"}, produced.Payload)
}

func TestOwnershipAcrossSessions(t *testing.T) {
	env := newTestEnv()
	b := core.NewSession("u1", core.RoleBroadcaster)
	other := core.NewSession("u3", core.RoleHost)
	v := core.NewSession("u2", core.RoleViewer)

	requireOK(t, env.do(b, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1"}))
	requireOK(t, env.do(other, Request{Action: JoinRoomAction, RoomID: "r1", UserID: "u3"}))
	requireOK(t, env.do(v, Request{Action: JoinRoomAction, RoomID: "r1", UserID: "u2"}))

	sendID, producerID := env.publish(t, b, "r1")
	_, consumed := env.subscribe(t, v, "r1", producerID)

	requireCode(t, core.NotOwner, env.do(other, Request{Action: ConnectTransportAction, RoomID: "r1", TransportID: sendID, DTLSParameters: dtlsParams}))
	requireCode(t, core.NotOwner, env.do(other, Request{Action: ProduceAction, RoomID: "r1", TransportID: sendID, Kind: rtc.KindVideo, RTPParameters: videoParams}))

	caps := rtctest.Capabilities
	requireCode(t, core.NotOwner, env.do(other, Request{Action: ConsumeAction, RoomID: "r1", TransportID: sendID, ProducerID: producerID, RTPCapabilities: &caps}))
	requireCode(t, core.NotOwner, env.do(other, Request{Action: ResumeConsumerAction, RoomID: "r1", ConsumerID: consumed.Consumer.ConsumerID}))

	requireCode(t, core.NotFound, env.do(other, Request{Action: ResumeConsumerAction, RoomID: "r1", ConsumerID: "c-unknown"}))
	requireCode(t, core.NotFound, env.do(other, Request{Action: ConnectTransportAction, RoomID: "r1", TransportID: "t-unknown", DTLSParameters: dtlsParams}))
}

func TestRoomMembership(t *testing.T) {
	env := newTestEnv()
	a := core.NewSession("u1", core.RoleBroadcaster)
	b := core.NewSession("u2", core.RoleBroadcaster)

	requireOK(t, env.do(a, Request{Action: CreateRoomAction, RoomID: "room-a", HostID: "u1"}))
	requireOK(t, env.do(b, Request{Action: CreateRoomAction, RoomID: "room-b", HostID: "u2"}))

	requireCode(t, core.NotInRoom, env.do(a, Request{Action: CreateTransportAction, RoomID: "room-b", Direction: rtc.DirectionSend}))
	requireCode(t, core.NotInRoom, env.do(a, Request{Action: ProduceAction, RoomID: "room-b", TransportID: "t1", Kind: rtc.KindVideo, RTPParameters: videoParams}))
	requireCode(t, core.NotInRoom, env.do(a, Request{Action: ResumeConsumerAction, RoomID: "room-b", ConsumerID: "c1"}))

	// capabilities are public
	requireOK(t, env.do(a, Request{Action: GetRouterRtpCapabilitiesAction, RoomID: "room-b"}))
	requireCode(t, core.NotFound, env.do(a, Request{Action: GetRouterRtpCapabilitiesAction, RoomID: "nope"}))
}

func TestAuthorization(t *testing.T) {
	env := newTestEnv()
	b := core.NewSession("u1", core.RoleBroadcaster)
	v := core.NewSession("u2", core.RoleViewer)

	requireCode(t, core.NotAuthorized, env.do(v, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u2"}))

	requireOK(t, env.do(b, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1"}))

	// asking for a publisher role does not grant it
	requireOK(t, env.do(v, Request{Action: JoinRoomAction, RoomID: "r1", UserID: "u2", Role: "HOST"}))
	created := env.do(v, Request{Action: CreateTransportAction, RoomID: "r1", Direction: rtc.DirectionSend})
	requireOK(t, created)
	transportID := created.(*TransportCreated).Transport.ID
	requireCode(t, core.NotAuthorized, env.do(v, Request{Action: ProduceAction, RoomID: "r1", TransportID: transportID, Kind: rtc.KindVideo, RTPParameters: videoParams}))
}

func TestValidation(t *testing.T) {
	env := newTestEnv()
	b := core.NewSession("u1", core.RoleBroadcaster)
	requireOK(t, env.do(b, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1"}))

	tests := []struct {
		name    string
		req     Request
		code    core.ErrorCode
		mention string
	}{
		{"unknown action", Request{Action: "dance"}, core.UnknownAction, "dance"},
		{"no action", Request{}, core.MissingField, "action"},
		{"create room without id", Request{Action: CreateRoomAction, HostID: "u1"}, core.MissingField, "roomId"},
		{"create room without host", Request{Action: CreateRoomAction, RoomID: "r2"}, core.MissingField, "hostId"},
		{"join without user", Request{Action: JoinRoomAction, RoomID: "r1"}, core.MissingField, "userId"},
		{"transport without direction", Request{Action: CreateTransportAction, RoomID: "r1"}, core.MissingField, "direction"},
		{"transport with bad direction", Request{Action: CreateTransportAction, RoomID: "r1", Direction: "sideways"}, core.ValidationError, "direction"},
		{"connect without dtls", Request{Action: ConnectTransportAction, RoomID: "r1", TransportID: "t1"}, core.MissingField, "dtlsParameters"},
		{"connect without fingerprints", Request{Action: ConnectTransportAction, RoomID: "r1", TransportID: "t1", DTLSParameters: &rtc.DTLSParameters{}}, core.ValidationError, "fingerprint"},
		{"produce without kind", Request{Action: ProduceAction, RoomID: "r1", TransportID: "t1", RTPParameters: videoParams}, core.MissingField, "kind"},
		{"produce bad kind", Request{Action: ProduceAction, RoomID: "r1", TransportID: "t1", Kind: "smell", RTPParameters: videoParams}, core.ValidationError, "kind"},
		{"produce without codecs", Request{Action: ProduceAction, RoomID: "r1", TransportID: "t1", Kind: rtc.KindAudio, RTPParameters: &rtc.RTPParameters{}}, core.ValidationError, "codec"},
		{"consume without caps", Request{Action: ConsumeAction, RoomID: "r1", TransportID: "t1", ProducerID: "p1"}, core.MissingField, "rtpCapabilities"},
		{"resume without consumer", Request{Action: ResumeConsumerAction, RoomID: "r1"}, core.MissingField, "consumerId"},
		{"capabilities without room", Request{Action: GetRouterRtpCapabilitiesAction}, core.MissingField, "roomId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := env.do(b, tt.req)
			requireCode(t, tt.code, msg)
			assert.Contains(t, msg.(*ErrorReply).Message, tt.mention)
		})
	}

	assert.Equal(t, []string{"u1"}, env.engine.Rooms()[0].Participants)
}

func TestCreateRoomConflicts(t *testing.T) {
	env := newTestEnv()
	b := core.NewSession("u1", core.RoleBroadcaster)
	h := core.NewSession("u2", core.RoleHost)

	requireOK(t, env.do(b, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1", Name: "Evening show"}))
	requireCode(t, core.AlreadyExists, env.do(h, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u2"}))

	// no router was created for the rejected room
	assert.Len(t, env.media.Routers(), 1)
	assert.Equal(t, "Evening show", env.engine.Rooms()[0].Name)

	env.media.SetFailures(rtctest.Failures{CreateRouter: assert.AnError})
	requireCode(t, core.UpstreamFailure, env.do(h, Request{Action: CreateRoomAction, RoomID: "r2", HostID: "u2"}))
	assert.Equal(t, 1, env.registry.Len())
}

func TestUpstreamFailures(t *testing.T) {
	env := newTestEnv()
	b := core.NewSession("u1", core.RoleBroadcaster)
	requireOK(t, env.do(b, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1"}))

	created := env.do(b, Request{Action: CreateTransportAction, RoomID: "r1", Direction: rtc.DirectionSend})
	requireOK(t, created)
	transportID := created.(*TransportCreated).Transport.ID

	env.media.SetFailures(rtctest.Failures{Connect: assert.AnError, Produce: assert.AnError, CreateTransport: assert.AnError})

	requireCode(t, core.UpstreamFailure, env.do(b, Request{Action: CreateTransportAction, RoomID: "r1", Direction: rtc.DirectionRecv}))
	requireCode(t, core.UpstreamFailure, env.do(b, Request{Action: ConnectTransportAction, RoomID: "r1", TransportID: transportID, DTLSParameters: dtlsParams}))
	requireCode(t, core.UpstreamFailure, env.do(b, Request{Action: ProduceAction, RoomID: "r1", TransportID: transportID, Kind: rtc.KindVideo, RTPParameters: videoParams}))

	env.media.SetFailures(rtctest.Failures{})
	requireOK(t, env.do(b, Request{Action: ConnectTransportAction, RoomID: "r1", TransportID: transportID, DTLSParameters: dtlsParams}))
	assert.NotNil(t, env.media.Routers()[0].Transport(transportID).Connected())
}

func TestIncompatibleCapabilities(t *testing.T) {
	env := newTestEnv()
	b := core.NewSession("u1", core.RoleBroadcaster)
	v := core.NewSession("u2", core.RoleViewer)

	requireOK(t, env.do(b, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1"}))
	requireOK(t, env.do(v, Request{Action: JoinRoomAction, RoomID: "r1", UserID: "u2"}))
	sendID, producerID := env.publish(t, b, "r1")

	created := env.do(v, Request{Action: CreateTransportAction, RoomID: "r1", Direction: rtc.DirectionRecv})
	requireOK(t, created)
	recvID := created.(*TransportCreated).Transport.ID

	requireCode(t, core.IncompatibleCapabilities, env.do(v, Request{Action: ConsumeAction, RoomID: "r1", TransportID: recvID, ProducerID: producerID, RTPCapabilities: audioOnly}))
	requireCode(t, core.NotFound, env.do(v, Request{Action: ConsumeAction, RoomID: "r1", TransportID: recvID, ProducerID: "p-unknown", RTPCapabilities: audioOnly}))

	// a send transport can't consume
	caps := rtctest.Capabilities
	requireCode(t, core.ValidationError, env.do(b, Request{Action: ConsumeAction, RoomID: "r1", TransportID: sendID, ProducerID: producerID, RTPCapabilities: &caps}))
}

func TestLeaveIsIdempotent(t *testing.T) {
	env := newTestEnv()
	b := core.NewSession("u1", core.RoleBroadcaster)
	v := core.NewSession("u2", core.RoleViewer)

	requireOK(t, env.do(b, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1"}))
	requireOK(t, env.do(v, Request{Action: JoinRoomAction, RoomID: "r1", UserID: "u2"}))
	_, producerID := env.publish(t, b, "r1")

	requireOK(t, env.do(b, Request{Action: LeaveRoomAction, RoomID: "r1"}))
	requireOK(t, env.do(b, Request{Action: LeaveRoomAction, RoomID: "r1"}))
	env.engine.Disconnect(b)

	// give late close notifications a chance to show up
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{producerID}, producerClosedIDs(env.hub.Received(v.ID)))

	left := 0
	for _, typ := range env.events.Types() {
		if typ == eventbus.ParticipantLeft {
			left++
		}
	}
	assert.Equal(t, 1, left)
	assert.Equal(t, core.SessionLeft, b.State())
	assert.Empty(t, b.RoomID())
}

func TestProducerCloseCascadesToConsumers(t *testing.T) {
	env := newTestEnv()
	b := core.NewSession("u1", core.RoleBroadcaster)
	v := core.NewSession("u2", core.RoleViewer)

	requireOK(t, env.do(b, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1"}))
	requireOK(t, env.do(v, Request{Action: JoinRoomAction, RoomID: "r1", UserID: "u2"}))
	_, producerID := env.publish(t, b, "r1")
	_, consumed := env.subscribe(t, v, "r1", producerID)
	consumerID := consumed.Consumer.ConsumerID

	room, err := env.registry.GetRoom("r1")
	require.NoError(t, err)

	var producer rtc.Producer
	require.NoError(t, room.Exec(func() error {
		entry, err := room.Producer(producerID)
		if err == nil {
			producer = entry.Producer
		}
		return err
	}))
	require.NoError(t, producer.Close())

	assert.Eventually(t, func() bool {
		return len(producerClosedIDs(env.hub.Received(v.ID))) == 1 &&
			!v.Owns(core.ConsumerResource, consumerID) &&
			!b.Owns(core.ProducerResource, producerID)
	}, time.Second, 5*time.Millisecond)

	requireCode(t, core.NotFound, env.do(v, Request{Action: ResumeConsumerAction, RoomID: "r1", ConsumerID: consumerID}))

	// the publisher hears about it too, nobody hears about the consumer
	assert.Equal(t, []string{producerID}, producerClosedIDs(env.hub.Received(b.ID)))
	for _, m := range env.hub.Received(b.ID) {
		assert.False(t, strings.Contains(string(m.GetType()), "consumer"))
	}
}

func TestTransportFailure(t *testing.T) {
	env := newTestEnv()
	b := core.NewSession("u1", core.RoleBroadcaster)
	v := core.NewSession("u2", core.RoleViewer)

	requireOK(t, env.do(b, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1"}))
	requireOK(t, env.do(v, Request{Action: JoinRoomAction, RoomID: "r1", UserID: "u2"}))
	sendID, producerID := env.publish(t, b, "r1")

	env.media.Routers()[0].Transport(sendID).Fail()

	assert.Eventually(t, func() bool {
		return len(producerClosedIDs(env.hub.Received(v.ID))) == 1 &&
			!b.Owns(core.TransportResource, sendID) &&
			!b.Owns(core.ProducerResource, producerID)
	}, time.Second, 5*time.Millisecond)

	requireCode(t, core.NotFound, env.do(b, Request{Action: ConnectTransportAction, RoomID: "r1", TransportID: sendID, DTLSParameters: dtlsParams}))

	// still in the room and able to publish again
	_, again := env.publish(t, b, "r1")
	assert.NotEqual(t, producerID, again)
}

func TestJoinRoom(t *testing.T) {
	env := newTestEnv()
	b1 := core.NewSession("u1", core.RoleBroadcaster)
	b2 := core.NewSession("u2", core.RoleBroadcaster)
	v := core.NewSession("u3", core.RoleViewer)

	requireOK(t, env.do(b1, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1"}))
	requireOK(t, env.do(b2, Request{Action: CreateRoomAction, RoomID: "r2", HostID: "u2"}))
	requireCode(t, core.NotFound, env.do(v, Request{Action: JoinRoomAction, RoomID: "nope", UserID: "u3"}))

	requireOK(t, env.do(v, Request{Action: JoinRoomAction, RoomID: "r1", UserID: "u3"}))
	msg := env.do(v, Request{Action: JoinRoomAction, RoomID: "r1", UserID: "u3"})
	requireOK(t, msg)
	assert.Len(t, msg.(*RoomJoined).Participants, 2)

	// the role defaults to the token role
	assert.Equal(t, core.RoleViewer, msg.(*RoomJoined).Role)

	// moving to another room leaves the first one
	requireOK(t, env.do(v, Request{Action: JoinRoomAction, RoomID: "r2", UserID: "u3"}))
	assert.Equal(t, "r2", v.RoomID())
	assert.Equal(t, []string{"u1"}, env.engine.Rooms()[0].Participants)

	assert.Equal(t, []eventbus.EventType{
		eventbus.RoomCreated,
		eventbus.RoomCreated,
		eventbus.ParticipantJoined,
		eventbus.ParticipantLeft,
		eventbus.ParticipantJoined,
	}, env.events.Types())
}

func TestShutdown(t *testing.T) {
	env := newTestEnv()
	b := core.NewSession("u1", core.RoleBroadcaster)

	requireOK(t, env.do(b, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1"}))
	env.publish(t, b, "r1")

	env.engine.Shutdown()

	assert.Equal(t, 0, env.registry.Len())
	assert.Equal(t, int32(1), env.media.RouterCloses.Load())

	events := env.events.Events()
	last := events[len(events)-1]
	assert.Equal(t, eventbus.RoomClosed, last.Type)
	assert.Equal(t, "shutdown", last.Payload["reason"])

	// sessions still pointing at the room leave quietly
	requireOK(t, env.do(b, Request{Action: LeaveRoomAction}))
	assert.Empty(t, b.RoomID())
	assert.Equal(t, len(events), len(env.events.Events()))
}

func TestPing(t *testing.T) {
	env := newTestEnv()
	msg := env.do(core.NewSession("u1", core.RoleViewer), Request{Action: PingAction})
	assert.Equal(t, PongType, msg.GetType())
}

func TestRequestFromReader(t *testing.T) {
	req, err := RequestFromReader(strings.NewReader(`{"action":"consume","roomId":"r1","transportId":"t2","producerId":"p1","rtpCapabilities":{"codecs":[{"kind":"video","mimeType":"video/VP8","clockRate":90000}]}}`))
	require.NoError(t, err)
	assert.Equal(t, ConsumeAction, req.Action)
	assert.Equal(t, "video/VP8", req.RTPCapabilities.Codecs[0].MimeType)

	_, err = RequestFromReader(strings.NewReader(`{"action":`))
	assert.Equal(t, core.ValidationError, core.CodeOf(err))
}

func TestConcurrentCreateRoomClosesLosingRouters(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := newTestEnv()

		var (
			wg      sync.WaitGroup
			lock    sync.Mutex
			created int
		)
		for _, userID := range []string{"u1", "u2", "u3"} {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()

				s := core.NewSession(userID, core.RoleBroadcaster)
				msg := env.do(s, Request{Action: CreateRoomAction, RoomID: "r1", HostID: userID})
				if reply, ok := msg.(*ErrorReply); ok {
					assert.Equal(t, core.AlreadyExists, reply.Code, reply.Message)
					return
				}
				lock.Lock()
				created++
				lock.Unlock()
			}(userID)
		}
		wg.Wait()

		require.Equal(t, 1, created)
		require.Equal(t, 1, env.registry.Len())

		// only the router of the winning room stays open
		routers := env.media.Routers()
		assert.Equal(t, int32(len(routers)-1), env.media.RouterCloses.Load())

		room, err := env.registry.GetRoom("r1")
		require.NoError(t, err)
		for _, r := range routers {
			assert.Equal(t, r.ID() != room.Router().ID(), r.IsClosed(), r.ID())
		}
	}
}

func TestProduceRacesCloseRoom(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := newTestEnv()
		b := core.NewSession("u1", core.RoleBroadcaster)
		requireOK(t, env.do(b, Request{Action: CreateRoomAction, RoomID: "r1", HostID: "u1"}))

		created := env.do(b, Request{Action: CreateTransportAction, RoomID: "r1", Direction: rtc.DirectionSend})
		requireOK(t, created)
		transportID := created.(*TransportCreated).Transport.ID
		requireOK(t, env.do(b, Request{Action: ConnectTransportAction, RoomID: "r1", TransportID: transportID, DTLSParameters: dtlsParams}))

		var (
			wg       sync.WaitGroup
			produced Message
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			produced = env.do(b, Request{Action: ProduceAction, RoomID: "r1", TransportID: transportID, Kind: rtc.KindVideo, RTPParameters: videoParams})
		}()
		go func() {
			defer wg.Done()
			env.registry.CloseRoom("r1")
		}()
		wg.Wait()

		if reply, ok := produced.(*ErrorReply); ok {
			assert.Equal(t, core.NotFound, reply.Code, reply.Message)
		}

		assert.Equal(t, 0, env.registry.Len())
		assert.Empty(t, env.engine.Rooms())

		router := env.media.Routers()[0]
		assert.True(t, router.IsClosed())
		assert.True(t, router.Transport(transportID).IsClosed())
		assert.False(t, router.CanConsume("p1", rtctest.Capabilities))
	}
}
