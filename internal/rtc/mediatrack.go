package rtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

var errNoEncodings = errors.New("rtpParameters must contain an encoding with ssrc")

// pionProducer receives a client stream on a send transport and fans it out
// to a local track every consumer of the room binds to
type pionProducer struct {
	*CloseNotifier

	id        string
	kind      MediaKind
	params    RTPParameters
	appData   map[string]interface{}
	transport *pionTransport

	receiver *webrtc.RTPReceiver
	local    *webrtc.TrackLocalStaticRTP
	ssrc     webrtc.SSRC

	lock      sync.Mutex
	consumers map[string]*pionConsumer
}

func newPionProducer(t *pionTransport, params ProduceParams) (*pionProducer, error) {
	if len(params.RTPParameters.Encodings) == 0 || params.RTPParameters.Encodings[0].SSRC == 0 {
		return nil, errNoEncodings
	}

	codec, _ := matchCodec(primaryCodec(params.RTPParameters), t.router.RTPCapabilities().Codecs)

	receiver, err := t.router.engine.api.NewRTPReceiver(params.Kind.codecType(), t.dtls)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    codec.MimeType,
		ClockRate:   codec.ClockRate,
		Channels:    codec.Channels,
		SDPFmtpLine: codec.SDPFmtpLine,
	}, id, id)
	if err != nil {
		_ = receiver.Stop()
		return nil, err
	}

	return &pionProducer{
		CloseNotifier: NewCloseNotifier(),
		id:            id,
		kind:          params.Kind,
		params:        params.RTPParameters,
		appData:       params.AppData,
		transport:     t,
		receiver:      receiver,
		local:         local,
		ssrc:          webrtc.SSRC(params.RTPParameters.Encodings[0].SSRC),
		consumers:     make(map[string]*pionConsumer),
	}, nil
}

func (p *pionProducer) ID() string                      { return p.id }
func (p *pionProducer) Kind() MediaKind                 { return p.kind }
func (p *pionProducer) RTPParameters() RTPParameters    { return p.params }
func (p *pionProducer) AppData() map[string]interface{} { return p.appData }

// start binds the receiver right away when the transport is up. srtp stalls
// on packets for an ssrc nobody declared, so a connected client must be able
// to send as soon as produce returns.
func (p *pionProducer) start() {
	select {
	case <-p.transport.ready:
		if p.receive() {
			go p.forward()
		}
	default:
		go p.run()
	}
}

// run waits for the transport and forwards RTP until the producer closes
func (p *pionProducer) run() {
	select {
	case <-p.transport.ready:
	case <-p.Closed():
		return
	}

	if p.receive() {
		p.forward()
	}
}

func (p *pionProducer) receive() bool {
	enc := p.params.Encodings[0]
	pt := enc.PayloadType
	if pt == 0 {
		pt = primaryCodec(p.params).PayloadType
	}

	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{
			{RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        p.ssrc,
				PayloadType: webrtc.PayloadType(pt),
			}},
		},
	})
	if err != nil {
		log.Error().Err(err).Str("service", "rtc").Str("producer", p.id).Msg("receive")
		p.closeWith(ClosedByFailure)
		return false
	}

	go p.readRTCP()
	if p.kind == KindVideo {
		go p.requestKeyframes()
	}
	return true
}

func (p *pionProducer) forward() {
	track := p.receiver.Track()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !p.IsClosed() {
				log.Error().Err(err).Str("service", "rtc").Str("producer", p.id).Msg("read rtp")
			}
			return
		}
		if err := p.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Error().Err(err).Str("service", "rtc").Str("producer", p.id).Msg("write rtp")
		}
	}
}

func (p *pionProducer) readRTCP() {
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// Send a PLI on an interval so that the publisher is pushing a keyframe every rtcpPLIInterval
func (p *pionProducer) requestKeyframes() {
	ticker := time.NewTicker(rtcpPLIInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.Closed():
			return
		case <-ticker.C:
			p.requestKeyframe()
		}
	}
}

func (p *pionProducer) requestKeyframe() {
	if p.kind != KindVideo {
		return
	}
	if _, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(p.ssrc)},
	}); err != nil {
		log.Debug().Err(err).Str("service", "rtc").Str("producer", p.id).Msg("send pli")
	}
}

func (p *pionProducer) addConsumer(c *pionConsumer) {
	p.lock.Lock()
	p.consumers[c.id] = c
	p.lock.Unlock()
}

func (p *pionProducer) removeConsumer(id string) {
	p.lock.Lock()
	delete(p.consumers, id)
	p.lock.Unlock()
}

func (p *pionProducer) Close() error {
	p.closeWith(ClosedByCaller)
	return nil
}

func (p *pionProducer) closeWith(reason CloseReason) {
	if !p.Fire(reason) {
		return
	}

	p.lock.Lock()
	consumers := make([]*pionConsumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.lock.Unlock()

	for _, c := range consumers {
		c.closeWith(ClosedByProducer)
	}

	if err := p.receiver.Stop(); err != nil {
		log.Debug().Err(err).Str("service", "rtc").Str("producer", p.id).Msg("stop receiver")
	}
}

func primaryCodec(params RTPParameters) RTPCodecParameters {
	for _, c := range params.Codecs {
		if !isRTX(c.MimeType) {
			return c
		}
	}
	return params.Codecs[0]
}

// pionConsumer sends a producer's local track over a recv transport
type pionConsumer struct {
	*CloseNotifier

	id        string
	producer  *pionProducer
	transport *pionTransport
	sender    *webrtc.RTPSender
	params    RTPParameters

	paused  atomic.Bool
	resumed chan struct{}
	once    sync.Once
}

func newPionConsumer(t *pionTransport, producer *pionProducer, params ConsumeParams) (*pionConsumer, error) {
	sender, err := t.router.engine.api.NewRTPSender(producer.local, t.dtls)
	if err != nil {
		return nil, err
	}

	codec, _ := matchCodec(primaryCodec(producer.params), t.router.RTPCapabilities().Codecs)
	send := sender.GetParameters()

	rtpParams := RTPParameters{
		Codecs: []RTPCodecParameters{{
			MimeType:     codec.MimeType,
			PayloadType:  codec.PreferredPayloadType,
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			SDPFmtpLine:  codec.SDPFmtpLine,
			RTCPFeedback: codec.RTCPFeedback,
		}},
	}
	for _, enc := range send.Encodings {
		rtpParams.Encodings = append(rtpParams.Encodings, RTPEncoding{
			SSRC:        uint32(enc.SSRC),
			PayloadType: codec.PreferredPayloadType,
		})
	}

	c := &pionConsumer{
		CloseNotifier: NewCloseNotifier(),
		id:            uuid.NewString(),
		producer:      producer,
		transport:     t,
		sender:        sender,
		params:        rtpParams,
		resumed:       make(chan struct{}),
	}
	c.paused.Store(true)

	if !params.Paused {
		c.resume()
	}

	return c, nil
}

func (c *pionConsumer) ID() string                   { return c.id }
func (c *pionConsumer) ProducerID() string           { return c.producer.id }
func (c *pionConsumer) Kind() MediaKind              { return c.producer.kind }
func (c *pionConsumer) RTPParameters() RTPParameters { return c.params }
func (c *pionConsumer) Paused() bool                 { return c.paused.Load() }

func (c *pionConsumer) Resume(ctx context.Context) error {
	if c.IsClosed() {
		return errTransportClosed
	}
	c.resume()
	return nil
}

func (c *pionConsumer) resume() {
	c.once.Do(func() {
		c.paused.Store(false)
		close(c.resumed)
	})
}

// run starts sending once the consumer is resumed and the transport is up
func (c *pionConsumer) run() {
	for _, wait := range []<-chan struct{}{c.resumed, c.transport.ready} {
		select {
		case <-wait:
		case <-c.Closed():
			return
		}
	}

	if err := c.sender.Send(c.sender.GetParameters()); err != nil {
		log.Error().Err(err).Str("service", "rtc").Str("consumer", c.id).Msg("send")
		c.closeWith(ClosedByFailure)
		return
	}
	c.producer.requestKeyframe()

	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyframe()
			}
		}
	}
}

func (c *pionConsumer) Close() error {
	c.closeWith(ClosedByCaller)
	return nil
}

func (c *pionConsumer) closeWith(reason CloseReason) {
	if !c.Fire(reason) {
		return
	}
	if err := c.sender.Stop(); err != nil {
		log.Debug().Err(err).Str("service", "rtc").Str("consumer", c.id).Msg("stop sender")
	}
}
