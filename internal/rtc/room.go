package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	errRouterClosed     = errors.New("router is closed")
	errInvalidDirection = errors.New("invalid transport direction")
)

// pionRouter is the routing context of a single room
type pionRouter struct {
	*CloseNotifier

	id     string
	engine *PionEngine

	lock       sync.RWMutex
	transports map[string]*pionTransport
	producers  map[string]*pionProducer
}

func newPionRouter(engine *PionEngine) *pionRouter {
	return &pionRouter{
		CloseNotifier: NewCloseNotifier(),
		id:            uuid.NewString(),
		engine:        engine,
		transports:    make(map[string]*pionTransport),
		producers:     make(map[string]*pionProducer),
	}
}

func (r *pionRouter) ID() string {
	return r.id
}

func (r *pionRouter) RTPCapabilities() RTPCapabilities {
	return r.engine.capabilities
}

func (r *pionRouter) CreateTransport(ctx context.Context, direction Direction) (Transport, error) {
	if !direction.Valid() {
		return nil, errInvalidDirection
	}
	if r.IsClosed() {
		return nil, errRouterClosed
	}

	t, err := newPionTransport(ctx, r, direction)
	if err != nil {
		return nil, err
	}

	r.lock.Lock()
	if r.IsClosed() {
		r.lock.Unlock()
		t.closeWith(ClosedByRouter)
		return nil, errRouterClosed
	}
	r.transports[t.id] = t
	r.lock.Unlock()

	return t, nil
}

func (r *pionRouter) CanConsume(producerID string, caps RTPCapabilities) bool {
	p := r.producer(producerID)
	if p == nil || p.IsClosed() {
		return false
	}
	return CanConsume(p.params, caps)
}

func (r *pionRouter) producer(id string) *pionProducer {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.producers[id]
}

func (r *pionRouter) addProducer(p *pionProducer) {
	r.lock.Lock()
	r.producers[p.id] = p
	r.lock.Unlock()
}

func (r *pionRouter) removeProducer(id string) {
	r.lock.Lock()
	delete(r.producers, id)
	r.lock.Unlock()
}

func (r *pionRouter) removeTransport(id string) {
	r.lock.Lock()
	delete(r.transports, id)
	r.lock.Unlock()
}

func (r *pionRouter) Close() error {
	if !r.Fire(ClosedByCaller) {
		return nil
	}

	r.lock.Lock()
	transports := make([]*pionTransport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]*pionTransport)
	r.producers = make(map[string]*pionProducer)
	r.lock.Unlock()

	for _, t := range transports {
		t.closeWith(ClosedByRouter)
	}

	log.Debug().Str("service", "rtc").Str("router", r.id).Msg("router closed")

	return nil
}
