// Package rtctest provides an in-memory rtc.MediaEngine with deterministic
// ids (r1, t1, p1, c1...) for tests.
package rtctest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/isqad/livelook-signal/internal/rtc"
)

var (
	ErrClosed           = errors.New("rtctest: closed")
	ErrProducerNotFound = errors.New("rtctest: producer not found")
	ErrCannotConsume    = errors.New("rtctest: cannot consume")
	ErrAlreadyConnected = errors.New("rtctest: already connected")
)

// Capabilities is what every fake router advertises
var Capabilities = rtc.RTPCapabilities{
	Codecs: []rtc.RTPCodecCapability{
		{Kind: rtc.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 111},
		{Kind: rtc.KindVideo, MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 96},
	},
}

// Failures makes the matching engine calls fail
type Failures struct {
	CreateRouter    error
	CreateTransport error
	Connect         error
	Produce         error
	Consume         error
	Resume          error
}

type Engine struct {
	lock     sync.Mutex
	seq      map[string]int
	routers  []*Router
	failures Failures
	done     chan error

	RouterCloses atomic.Int32
}

func NewEngine() *Engine {
	return &Engine{
		seq:  make(map[string]int),
		done: make(chan error, 1),
	}
}

func (e *Engine) SetFailures(f Failures) {
	e.lock.Lock()
	e.failures = f
	e.lock.Unlock()
}

func (e *Engine) fail() Failures {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.failures
}

func (e *Engine) nextID(prefix string) string {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.seq[prefix]++
	return fmt.Sprintf("%s%d", prefix, e.seq[prefix])
}

// Kill simulates the death of the media engine
func (e *Engine) Kill(err error) {
	select {
	case e.done <- err:
	default:
	}
}

// Routers returns every router created so far, closed ones included
func (e *Engine) Routers() []*Router {
	e.lock.Lock()
	defer e.lock.Unlock()

	return append([]*Router(nil), e.routers...)
}

func (e *Engine) CreateRoutingContext(ctx context.Context) (rtc.RoutingContext, error) {
	if err := e.fail().CreateRouter; err != nil {
		return nil, err
	}

	r := &Router{
		CloseNotifier: rtc.NewCloseNotifier(),
		id:            e.nextID("r"),
		engine:        e,
		transports:    make(map[string]*Transport),
		producers:     make(map[string]*Producer),
	}

	e.lock.Lock()
	e.routers = append(e.routers, r)
	e.lock.Unlock()

	return r, nil
}

func (e *Engine) Done() <-chan error {
	return e.done
}

func (e *Engine) Close() error {
	for _, r := range e.Routers() {
		_ = r.Close()
	}
	return nil
}

type Router struct {
	*rtc.CloseNotifier

	id     string
	engine *Engine

	lock       sync.Mutex
	transports map[string]*Transport
	producers  map[string]*Producer
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() rtc.RTPCapabilities { return Capabilities }

func (r *Router) CreateTransport(ctx context.Context, direction rtc.Direction) (rtc.Transport, error) {
	if r.IsClosed() {
		return nil, ErrClosed
	}
	if err := r.engine.fail().CreateTransport; err != nil {
		return nil, err
	}

	id := r.engine.nextID("t")
	t := &Transport{
		CloseNotifier: rtc.NewCloseNotifier(),
		id:            id,
		direction:     direction,
		router:        r,
		params: rtc.TransportParams{
			ID:            id,
			ICEParameters: rtc.ICEParameters{UsernameFragment: "ufrag-" + id, Password: "pwd-" + id},
			ICECandidates: []rtc.ICECandidate{
				{Foundation: "1", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"},
			},
			DTLSParameters: rtc.DTLSParameters{
				Role:         "auto",
				Fingerprints: []rtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
			},
		},
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}

	r.lock.Lock()
	r.transports[id] = t
	r.lock.Unlock()

	return t, nil
}

func (r *Router) CanConsume(producerID string, caps rtc.RTPCapabilities) bool {
	r.lock.Lock()
	p := r.producers[producerID]
	r.lock.Unlock()

	if p == nil || p.IsClosed() {
		return false
	}
	return rtc.CanConsume(p.params, caps)
}

// Transport returns a transport created by this router
func (r *Router) Transport(id string) *Transport {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.transports[id]
}

func (r *Router) Close() error {
	if !r.Fire(rtc.ClosedByCaller) {
		return nil
	}
	r.engine.RouterCloses.Inc()

	r.lock.Lock()
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.lock.Unlock()

	for _, t := range transports {
		t.closeWith(rtc.ClosedByRouter)
	}
	return nil
}

type Transport struct {
	*rtc.CloseNotifier

	id        string
	direction rtc.Direction
	router    *Router
	params    rtc.TransportParams

	lock      sync.Mutex
	connected *rtc.ConnectParams
	producers map[string]*Producer
	consumers map[string]*Consumer
}

func (t *Transport) ID() string                  { return t.id }
func (t *Transport) Direction() rtc.Direction    { return t.direction }
func (t *Transport) Params() rtc.TransportParams { return t.params }

// Connected returns the parameters the transport was connected with
func (t *Transport) Connected() *rtc.ConnectParams {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.connected
}

func (t *Transport) Connect(ctx context.Context, params rtc.ConnectParams) error {
	if t.IsClosed() {
		return ErrClosed
	}
	if err := t.router.engine.fail().Connect; err != nil {
		return err
	}
	if err := params.DTLSParameters.Validate(); err != nil {
		return err
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if t.connected != nil {
		return ErrAlreadyConnected
	}
	t.connected = &params
	return nil
}

func (t *Transport) Produce(ctx context.Context, params rtc.ProduceParams) (rtc.Producer, error) {
	if t.IsClosed() {
		return nil, ErrClosed
	}
	if err := t.router.engine.fail().Produce; err != nil {
		return nil, err
	}
	if err := params.RTPParameters.Validate(); err != nil {
		return nil, err
	}

	p := &Producer{
		CloseNotifier: rtc.NewCloseNotifier(),
		id:            t.router.engine.nextID("p"),
		kind:          params.Kind,
		params:        params.RTPParameters,
		appData:       params.AppData,
		transport:     t,
		consumers:     make(map[string]*Consumer),
	}

	t.lock.Lock()
	t.producers[p.id] = p
	t.lock.Unlock()

	t.router.lock.Lock()
	t.router.producers[p.id] = p
	t.router.lock.Unlock()

	return p, nil
}

func (t *Transport) Consume(ctx context.Context, params rtc.ConsumeParams) (rtc.Consumer, error) {
	if t.IsClosed() {
		return nil, ErrClosed
	}
	if err := t.router.engine.fail().Consume; err != nil {
		return nil, err
	}

	t.router.lock.Lock()
	producer := t.router.producers[params.ProducerID]
	t.router.lock.Unlock()

	if producer == nil || producer.IsClosed() {
		return nil, ErrProducerNotFound
	}
	if !rtc.CanConsume(producer.params, params.RTPCapabilities) {
		return nil, ErrCannotConsume
	}

	c := &Consumer{
		CloseNotifier: rtc.NewCloseNotifier(),
		id:            t.router.engine.nextID("c"),
		producer:      producer,
		transport:     t,
	}
	c.paused.Store(params.Paused)

	t.lock.Lock()
	t.consumers[c.id] = c
	t.lock.Unlock()

	producer.lock.Lock()
	producer.consumers[c.id] = c
	producer.lock.Unlock()

	return c, nil
}

func (t *Transport) Close() error {
	t.closeWith(rtc.ClosedByCaller)
	return nil
}

// Fail simulates an ICE/DTLS failure
func (t *Transport) Fail() {
	t.closeWith(rtc.ClosedByFailure)
}

func (t *Transport) closeWith(reason rtc.CloseReason) {
	if !t.Fire(reason) {
		return
	}

	t.lock.Lock()
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.lock.Unlock()

	for _, c := range consumers {
		c.closeWith(rtc.ClosedByTransport)
	}
	for _, p := range producers {
		p.closeWith(rtc.ClosedByTransport)
	}
}

type Producer struct {
	*rtc.CloseNotifier

	id        string
	kind      rtc.MediaKind
	params    rtc.RTPParameters
	appData   map[string]interface{}
	transport *Transport

	lock      sync.Mutex
	consumers map[string]*Consumer
}

func (p *Producer) ID() string                       { return p.id }
func (p *Producer) Kind() rtc.MediaKind              { return p.kind }
func (p *Producer) RTPParameters() rtc.RTPParameters { return p.params }
func (p *Producer) AppData() map[string]interface{}  { return p.appData }

func (p *Producer) Close() error {
	p.closeWith(rtc.ClosedByCaller)
	return nil
}

func (p *Producer) closeWith(reason rtc.CloseReason) {
	if !p.Fire(reason) {
		return
	}

	p.lock.Lock()
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.lock.Unlock()

	for _, c := range consumers {
		c.closeWith(rtc.ClosedByProducer)
	}

	r := p.transport.router
	r.lock.Lock()
	delete(r.producers, p.id)
	r.lock.Unlock()
}

type Consumer struct {
	*rtc.CloseNotifier

	id        string
	producer  *Producer
	transport *Transport
	paused    atomic.Bool
}

func (c *Consumer) ID() string          { return c.id }
func (c *Consumer) ProducerID() string  { return c.producer.id }
func (c *Consumer) Kind() rtc.MediaKind { return c.producer.kind }
func (c *Consumer) Paused() bool        { return c.paused.Load() }

func (c *Consumer) RTPParameters() rtc.RTPParameters {
	params := c.producer.params
	params.Encodings = []rtc.RTPEncoding{{SSRC: 1000 + uint32(len(c.id))}}
	return params
}

func (c *Consumer) Resume(ctx context.Context) error {
	if c.IsClosed() {
		return ErrClosed
	}
	if err := c.transport.router.engine.fail().Resume; err != nil {
		return err
	}
	c.paused.Store(false)
	return nil
}

func (c *Consumer) Close() error {
	c.closeWith(rtc.ClosedByCaller)
	return nil
}

func (c *Consumer) closeWith(reason rtc.CloseReason) {
	c.Fire(reason)
}
