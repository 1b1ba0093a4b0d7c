package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-signal/internal/config"
)

const connectTimeout = 10 * time.Second

func newTestPionEngine(t *testing.T) *PionEngine {
	t.Helper()

	conf := &config.Config{
		Peer: config.PeerConfig{EnabledCodecs: []config.CodecSpec{
			{Mime: webrtc.MimeTypeOpus},
			{Mime: webrtc.MimeTypeVP8},
		}},
	}
	rtcConf, err := config.NewWebRTCConfig(conf)
	require.NoError(t, err)

	engine, err := NewPionEngine(conf, rtcConf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

// testPeer is the client end of a transport, built the way the bot builds it
type testPeer struct {
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()

	me := &webrtc.MediaEngine{}
	require.NoError(t, me.RegisterDefaultCodecs())
	se := webrtc.SettingEngine{}
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	require.NoError(t, err)
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	require.NoError(t, err)

	p := &testPeer{api: api, gatherer: gatherer, ice: ice, dtls: dtls}
	t.Cleanup(func() {
		_ = p.dtls.Stop()
		_ = p.ice.Stop()
		_ = p.gatherer.Close()
	})
	return p
}

// connect hands our parameters to transport and waits until ICE and DTLS are
// up on both ends
func (p *testPeer) connect(t *testing.T, transport Transport) ConnectParams {
	t.Helper()

	gatherFinished := make(chan struct{})
	p.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherFinished)
		}
	})
	require.NoError(t, p.gatherer.Gather())
	select {
	case <-gatherFinished:
	case <-time.After(connectTimeout):
		require.FailNow(t, "gathering timed out")
	}

	candidates, err := p.gatherer.GetLocalCandidates()
	require.NoError(t, err)
	iceParams, err := p.gatherer.GetLocalParameters()
	require.NoError(t, err)
	dtlsParams, err := p.dtls.GetLocalParameters()
	require.NoError(t, err)

	local := ConnectParams{
		DTLSParameters: dtlsToWire(dtlsParams),
		ICEParameters:  &ICEParameters{UsernameFragment: iceParams.UsernameFragment, Password: iceParams.Password},
		ICECandidates:  candidatesToWire(candidates),
	}
	local.DTLSParameters.Role = "client"
	require.NoError(t, transport.Connect(context.Background(), local))

	remote := transport.Params()
	remoteCandidates, err := candidatesFromWire(remote.ICECandidates)
	require.NoError(t, err)
	remoteDTLS, err := dtlsFromWire(remote.DTLSParameters)
	require.NoError(t, err)
	remoteDTLS.Role = webrtc.DTLSRoleServer

	started := make(chan error, 1)
	go func() {
		if err := p.ice.SetRemoteCandidates(remoteCandidates); err != nil {
			started <- err
			return
		}
		role := webrtc.ICERoleControlling
		err := p.ice.Start(nil, webrtc.ICEParameters{
			UsernameFragment: remote.ICEParameters.UsernameFragment,
			Password:         remote.ICEParameters.Password,
		}, &role)
		if err != nil {
			started <- err
			return
		}
		started <- p.dtls.Start(remoteDTLS)
	}()

	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(connectTimeout):
		require.FailNow(t, "client transport didn't connect")
	}

	select {
	case <-transport.(*pionTransport).ready:
	case <-time.After(connectTimeout):
		require.FailNow(t, "server transport didn't connect")
	}
	return local
}

func closedWith(t *testing.T, c Closer) <-chan CloseReason {
	t.Helper()

	reasons := make(chan CloseReason, 1)
	c.OnClose(func(reason CloseReason) {
		reasons <- reason
	})
	return reasons
}

func requireReason(t *testing.T, want CloseReason, reasons <-chan CloseReason) {
	t.Helper()

	select {
	case got := <-reasons:
		assert.Equal(t, want, got)
	case <-time.After(connectTimeout):
		require.FailNow(t, "not closed", "waited for %s", want)
	}
}

func TestPionEngineRelaysMedia(t *testing.T) {
	ctx := context.Background()
	engine := newTestPionEngine(t)

	router, err := engine.CreateRoutingContext(ctx)
	require.NoError(t, err)
	caps := router.RTPCapabilities()
	require.Len(t, caps.Codecs, 2)

	_, err = router.CreateTransport(ctx, Direction("sideways"))
	assert.ErrorIs(t, err, errInvalidDirection)

	send, err := router.CreateTransport(ctx, DirectionSend)
	require.NoError(t, err)
	assert.Equal(t, DirectionSend, send.Direction())
	assert.NotEmpty(t, send.Params().ICECandidates)
	assert.NotEmpty(t, send.Params().DTLSParameters.Fingerprints)

	publisher := newTestPeer(t)
	local := publisher.connect(t, send)
	assert.ErrorIs(t, send.Connect(ctx, local), errAlreadyConnected)

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	require.NoError(t, err)
	sender, err := publisher.api.NewRTPSender(track, publisher.dtls)
	require.NoError(t, err)
	sendParams := sender.GetParameters()
	require.NoError(t, sender.Send(sendParams))
	defer sender.Stop()

	// keyframe requests arrive here
	go func() {
		for {
			if _, _, err := sender.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	video := RTPParameters{
		Codecs:    []RTPCodecParameters{{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, PayloadType: 96}},
		Encodings: []RTPEncoding{{SSRC: uint32(sendParams.Encodings[0].SSRC), PayloadType: 96}},
	}
	_, err = send.Produce(ctx, ProduceParams{
		Kind:          KindVideo,
		RTPParameters: RTPParameters{Codecs: []RTPCodecParameters{{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, PayloadType: 102}}, Encodings: video.Encodings},
	})
	assert.ErrorIs(t, err, errUnsupportedCodecs)

	producer, err := send.Produce(ctx, ProduceParams{Kind: KindVideo, RTPParameters: video})
	require.NoError(t, err)
	assert.Equal(t, KindVideo, producer.Kind())

	assert.True(t, router.CanConsume(producer.ID(), caps))
	opusOnly := RTPCapabilities{Codecs: []RTPCodecCapability{{Kind: KindAudio, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}}
	assert.False(t, router.CanConsume(producer.ID(), opusOnly))

	recv, err := router.CreateTransport(ctx, DirectionRecv)
	require.NoError(t, err)
	viewer := newTestPeer(t)
	viewer.connect(t, recv)

	_, err = recv.Consume(ctx, ConsumeParams{ProducerID: producer.ID(), RTPCapabilities: opusOnly})
	assert.ErrorIs(t, err, errCannotConsume)

	consumer, err := recv.Consume(ctx, ConsumeParams{ProducerID: producer.ID(), RTPCapabilities: caps, Paused: true})
	require.NoError(t, err)
	assert.True(t, consumer.Paused())
	assert.Equal(t, producer.ID(), consumer.ProducerID())
	assert.Equal(t, KindVideo, consumer.Kind())

	encodings := consumer.RTPParameters().Encodings
	require.Len(t, encodings, 1)
	assert.Equal(t, uint8(96), encodings[0].PayloadType)

	receiver, err := viewer.api.NewRTPReceiver(webrtc.RTPCodecTypeVideo, viewer.dtls)
	require.NoError(t, err)
	require.NoError(t, receiver.Receive(webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{
		{RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(encodings[0].SSRC),
			PayloadType: webrtc.PayloadType(encodings[0].PayloadType),
		}},
	}}))
	defer receiver.Stop()

	require.NoError(t, consumer.Resume(ctx))
	assert.False(t, consumer.Paused())

	relayed := make(chan uint32, 1)
	go func() {
		pkt, _, err := receiver.Track().ReadRTP()
		if err == nil {
			relayed <- pkt.SSRC
		}
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(connectTimeout)

wait:
	for {
		select {
		case ssrc := <-relayed:
			assert.Equal(t, encodings[0].SSRC, ssrc)
			break wait
		case <-ticker.C:
			require.NoError(t, track.WriteSample(media.Sample{Data: []byte{0xAA}, Duration: time.Second}))
		case <-timeout:
			require.FailNow(t, "no media relayed to the consumer")
		}
	}

	consumerClosed := closedWith(t, consumer)
	require.NoError(t, producer.Close())
	requireReason(t, ClosedByProducer, consumerClosed)

	assert.False(t, router.CanConsume(producer.ID(), caps))
	_, err = recv.Consume(ctx, ConsumeParams{ProducerID: producer.ID(), RTPCapabilities: caps})
	assert.ErrorIs(t, err, errProducerNotFound)
	assert.ErrorIs(t, consumer.Resume(ctx), errTransportClosed)

	sendClosed := closedWith(t, send)
	recvClosed := closedWith(t, recv)
	require.NoError(t, router.Close())
	requireReason(t, ClosedByRouter, sendClosed)
	requireReason(t, ClosedByRouter, recvClosed)

	_, err = router.CreateTransport(ctx, DirectionSend)
	assert.ErrorIs(t, err, errRouterClosed)
	_, err = send.Produce(ctx, ProduceParams{Kind: KindVideo, RTPParameters: video})
	assert.ErrorIs(t, err, errTransportClosed)
}

func TestPionEngineClose(t *testing.T) {
	ctx := context.Background()
	engine := newTestPionEngine(t)

	router, err := engine.CreateRoutingContext(ctx)
	require.NoError(t, err)
	transport, err := router.CreateTransport(ctx, DirectionRecv)
	require.NoError(t, err)

	transportClosed := closedWith(t, transport)
	require.NoError(t, engine.Close())
	requireReason(t, ClosedByRouter, transportClosed)

	// the router is forgotten once closed
	require.Eventually(t, func() bool {
		engine.lock.Lock()
		defer engine.lock.Unlock()
		return len(engine.routers) == 0
	}, connectTimeout, 10*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = engine.CreateRoutingContext(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}
