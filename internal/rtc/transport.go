package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/isqad/livelook-signal/internal/telemetry"
)

var (
	errICEParametersRequired = errors.New("iceParameters are required to connect")
	errAlreadyConnected      = errors.New("transport is already connected")
	errTransportClosed       = errors.New("transport is closed")
	errUnsupportedCodecs     = errors.New("rtpParameters contain codecs the router does not support")
	errCannotConsume         = errors.New("producer can't be consumed with given rtpCapabilities")
	errProducerNotFound      = errors.New("producer not found")
)

type pionTransport struct {
	*CloseNotifier

	id        string
	direction Direction
	router    *pionRouter

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   TransportParams

	connected atomic.Bool
	// ready is closed once DTLS is up and media may flow
	ready chan struct{}

	lock      sync.Mutex
	producers map[string]*pionProducer
	consumers map[string]*pionConsumer
}

func newPionTransport(ctx context.Context, router *pionRouter, direction Direction) (*pionTransport, error) {
	api := router.engine.api

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: router.engine.iceServers})
	if err != nil {
		return nil, err
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	t := &pionTransport{
		CloseNotifier: NewCloseNotifier(),
		id:            uuid.NewString(),
		direction:     direction,
		router:        router,
		gatherer:      gatherer,
		ice:           ice,
		dtls:          dtls,
		ready:         make(chan struct{}),
		producers:     make(map[string]*pionProducer),
		consumers:     make(map[string]*pionConsumer),
	}

	if err := t.gather(ctx); err != nil {
		t.stop()
		return nil, err
	}

	ice.OnConnectionStateChange(t.handleICEStateChange)
	dtls.OnStateChange(t.handleDTLSStateChange)

	return t, nil
}

func (t *pionTransport) gather(ctx context.Context) error {
	gatherFinished := make(chan struct{})
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherFinished)
		}
	})

	if err := t.gatherer.Gather(); err != nil {
		return err
	}

	select {
	case <-gatherFinished:
	case <-ctx.Done():
		return ctx.Err()
	}

	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return err
	}
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return err
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return err
	}

	t.params = TransportParams{
		ID: t.id,
		ICEParameters: ICEParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			ICELite:          iceParams.ICELite,
		},
		ICECandidates:  candidatesToWire(candidates),
		DTLSParameters: dtlsToWire(dtlsParams),
	}

	return nil
}

func (t *pionTransport) ID() string {
	return t.id
}

func (t *pionTransport) Direction() Direction {
	return t.direction
}

func (t *pionTransport) Params() TransportParams {
	return t.params
}

func (t *pionTransport) Connect(ctx context.Context, params ConnectParams) error {
	if t.IsClosed() {
		return errTransportClosed
	}
	if err := params.DTLSParameters.Validate(); err != nil {
		return err
	}
	if params.ICEParameters == nil {
		return errICEParametersRequired
	}

	candidates, err := candidatesFromWire(params.ICECandidates)
	if err != nil {
		return err
	}
	dtlsParams, err := dtlsFromWire(params.DTLSParameters)
	if err != nil {
		return err
	}

	if t.connected.Swap(true) {
		return errAlreadyConnected
	}

	iceParams := webrtc.ICEParameters{
		UsernameFragment: params.ICEParameters.UsernameFragment,
		Password:         params.ICEParameters.Password,
		ICELite:          params.ICEParameters.ICELite,
	}

	// ICE connectivity checks block until the remote answers, the caller
	// only needs the parameters to be accepted
	go func() {
		if err := t.ice.SetRemoteCandidates(candidates); err != nil {
			t.fail("set remote candidates", err)
			return
		}
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(nil, iceParams, &role); err != nil {
			t.fail("start ice", err)
			return
		}
		if err := t.dtls.Start(dtlsParams); err != nil {
			t.fail("start dtls", err)
			return
		}
		close(t.ready)
	}()

	return nil
}

func (t *pionTransport) fail(op string, err error) {
	if t.IsClosed() {
		return
	}
	log.Error().Err(err).Str("service", "rtc").Str("transport", t.id).Str("op", op).Msg("")
	t.closeWith(ClosedByFailure)
}

func (t *pionTransport) handleICEStateChange(state webrtc.ICETransportState) {
	log.Debug().Str("service", "rtc").Str("transport", t.id).Str("state", state.String()).Msg("ice state changed")

	switch state {
	case webrtc.ICETransportStateConnected:
		telemetry.ServiceOperationCounter.WithLabelValues("ice_connection", "success", "").Add(1)
	case webrtc.ICETransportStateFailed:
		telemetry.ServiceOperationCounter.WithLabelValues("ice_connection", "error", "state_failed").Add(1)
		go t.closeWith(ClosedByFailure)
	}
}

func (t *pionTransport) handleDTLSStateChange(state webrtc.DTLSTransportState) {
	if state == webrtc.DTLSTransportStateFailed || state == webrtc.DTLSTransportStateClosed {
		go t.closeWith(ClosedByFailure)
	}
}

func (t *pionTransport) Produce(ctx context.Context, params ProduceParams) (Producer, error) {
	if t.IsClosed() {
		return nil, errTransportClosed
	}
	if err := params.RTPParameters.Validate(); err != nil {
		return nil, err
	}
	if !SupportsProducer(params.RTPParameters, params.Kind, t.router.RTPCapabilities()) {
		return nil, errUnsupportedCodecs
	}

	p, err := newPionProducer(t, params)
	if err != nil {
		return nil, err
	}

	t.lock.Lock()
	if t.IsClosed() {
		t.lock.Unlock()
		p.closeWith(ClosedByTransport)
		return nil, errTransportClosed
	}
	t.producers[p.id] = p
	t.lock.Unlock()

	t.router.addProducer(p)
	p.OnClose(func(CloseReason) {
		t.lock.Lock()
		delete(t.producers, p.id)
		t.lock.Unlock()
		t.router.removeProducer(p.id)
	})

	p.start()

	return p, nil
}

func (t *pionTransport) Consume(ctx context.Context, params ConsumeParams) (Consumer, error) {
	if t.IsClosed() {
		return nil, errTransportClosed
	}

	producer := t.router.producer(params.ProducerID)
	if producer == nil || producer.IsClosed() {
		return nil, errProducerNotFound
	}
	if !CanConsume(producer.params, params.RTPCapabilities) {
		return nil, errCannotConsume
	}

	c, err := newPionConsumer(t, producer, params)
	if err != nil {
		return nil, err
	}

	t.lock.Lock()
	if t.IsClosed() {
		t.lock.Unlock()
		c.closeWith(ClosedByTransport)
		return nil, errTransportClosed
	}
	t.consumers[c.id] = c
	t.lock.Unlock()

	producer.addConsumer(c)
	c.OnClose(func(CloseReason) {
		t.lock.Lock()
		delete(t.consumers, c.id)
		t.lock.Unlock()
		producer.removeConsumer(c.id)
	})

	go c.run()

	return c, nil
}

func (t *pionTransport) Close() error {
	t.closeWith(ClosedByCaller)
	return nil
}

func (t *pionTransport) closeWith(reason CloseReason) {
	if !t.Fire(reason) {
		return
	}

	t.lock.Lock()
	producers := make([]*pionProducer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*pionConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.lock.Unlock()

	for _, c := range consumers {
		c.closeWith(ClosedByTransport)
	}
	for _, p := range producers {
		p.closeWith(ClosedByTransport)
	}

	t.router.removeTransport(t.id)
	t.stop()

	log.Debug().Str("service", "rtc").Str("transport", t.id).Str("reason", string(reason)).Msg("transport closed")
}

// stop releases the pion objects, DTLS first since it sits on top of ICE
func (t *pionTransport) stop() {
	if err := t.dtls.Stop(); err != nil {
		log.Debug().Err(err).Str("service", "rtc").Str("transport", t.id).Msg("stop dtls")
	}
	if err := t.ice.Stop(); err != nil {
		log.Debug().Err(err).Str("service", "rtc").Str("transport", t.id).Msg("stop ice")
	}
	if err := t.gatherer.Close(); err != nil {
		log.Debug().Err(err).Str("service", "rtc").Str("transport", t.id).Msg("close gatherer")
	}
}

func candidatesToWire(candidates []webrtc.ICECandidate) []ICECandidate {
	out := make([]ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func candidatesFromWire(candidates []ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		protocol, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func dtlsToWire(p webrtc.DTLSParameters) DTLSParameters {
	out := DTLSParameters{Role: p.Role.String(), Fingerprints: make([]DTLSFingerprint, 0, len(p.Fingerprints))}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func dtlsFromWire(p DTLSParameters) (webrtc.DTLSParameters, error) {
	out := webrtc.DTLSParameters{Fingerprints: make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints))}

	switch p.Role {
	case "", "auto":
		out.Role = webrtc.DTLSRoleAuto
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	default:
		return out, fmt.Errorf("unknown dtls role %q", p.Role)
	}

	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out, nil
}
