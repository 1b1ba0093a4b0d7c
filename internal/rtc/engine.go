package rtc

import (
	"context"
	"sync"
)

// CloseReason tells close observers why a resource went away
type CloseReason string

const (
	ClosedByCaller    CloseReason = "closed"
	ClosedByTransport CloseReason = "transport_closed"
	ClosedByProducer  CloseReason = "producer_closed"
	ClosedByRouter    CloseReason = "router_closed"
	ClosedByFailure   CloseReason = "failed"
)

// CloseHandler observes the close of a media resource
type CloseHandler func(reason CloseReason)

// MediaEngine is the collaborator relaying the actual media.
// Done receives an error if the engine dies and can no longer serve rooms.
type MediaEngine interface {
	CreateRoutingContext(ctx context.Context) (RoutingContext, error)
	Done() <-chan error
	Close() error
}

// RoutingContext is the per-room handle matching producers to consumers
type RoutingContext interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CreateTransport(ctx context.Context, direction Direction) (Transport, error)
	CanConsume(producerID string, caps RTPCapabilities) bool
	Close() error
}

// Closer is implemented by every media resource. Close is idempotent,
// handlers registered with OnClose run once, on their own goroutine, after
// the resource closed for whatever reason.
type Closer interface {
	OnClose(handler CloseHandler)
	Close() error
}

type Transport interface {
	Closer
	ID() string
	Direction() Direction
	Params() TransportParams
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, params ProduceParams) (Producer, error)
	Consume(ctx context.Context, params ConsumeParams) (Consumer, error)
}

type Producer interface {
	Closer
	ID() string
	Kind() MediaKind
	RTPParameters() RTPParameters
	AppData() map[string]interface{}
}

type Consumer interface {
	Closer
	ID() string
	ProducerID() string
	Kind() MediaKind
	RTPParameters() RTPParameters
	Paused() bool
	Resume(ctx context.Context) error
}

// CloseNotifier implements the OnClose half of Closer
type CloseNotifier struct {
	once     sync.Once
	lock     sync.Mutex
	handlers []CloseHandler
	reason   CloseReason
	closed   chan struct{}
}

func NewCloseNotifier() *CloseNotifier {
	return &CloseNotifier{closed: make(chan struct{})}
}

// OnClose registers handler. If the resource is already closed handler is
// invoked right away, on its own goroutine.
func (n *CloseNotifier) OnClose(handler CloseHandler) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.IsClosed() {
		go handler(n.reason)
		return
	}
	n.handlers = append(n.handlers, handler)
}

// Fire reports whether this call closed the resource. Only the first call
// notifies observers.
func (n *CloseNotifier) Fire(reason CloseReason) bool {
	fired := false
	n.once.Do(func() {
		fired = true

		n.lock.Lock()
		n.reason = reason
		close(n.closed)
		handlers := n.handlers
		n.handlers = nil
		n.lock.Unlock()

		go func() {
			for _, h := range handlers {
				h(reason)
			}
		}()
	})
	return fired
}

func (n *CloseNotifier) IsClosed() bool {
	select {
	case <-n.closed:
		return true
	default:
		return false
	}
}

// Closed is closed once the resource closes
func (n *CloseNotifier) Closed() <-chan struct{} {
	return n.closed
}
