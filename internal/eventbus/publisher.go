package eventbus

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/config"
	"github.com/isqad/livelook-signal/internal/telemetry"
)

var (
	ErrPublisherClosed = errors.New("publisher closed")
	errQueueFull       = errors.New("event queue is full")
)

type Options struct {
	QueueSize   int
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	PostTimeout time.Duration
}

func OptionsFromConfig(conf config.EventsConfig) Options {
	return Options{
		QueueSize:   conf.QueueSize,
		MaxRetries:  conf.MaxRetries,
		BaseDelay:   conf.BaseDelay,
		MaxDelay:    conf.MaxDelay,
		Jitter:      conf.Jitter,
		PostTimeout: conf.PostTimeout,
	}
}

// delivery is an event waiting for its next attempt
type delivery struct {
	event    Event
	failures int
	due      time.Time
}

// ReliablePublisher queues events and delivers them from a single worker,
// retrying with exponential backoff and dead-lettering what never gets
// through.
type ReliablePublisher struct {
	collector Collector
	sink      DeadLetterSink
	opts      Options

	lock   sync.RWMutex
	closed bool
	queue  chan delivery

	ctx    context.Context
	abort  context.CancelFunc
	stop   chan struct{}
	done   chan struct{}
	random *rand.Rand
}

func NewReliablePublisher(collector Collector, sink DeadLetterSink, opts Options) *ReliablePublisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PostTimeout <= 0 {
		opts.PostTimeout = 5 * time.Second
	}

	ctx, abort := context.WithCancel(context.Background())

	p := &ReliablePublisher{
		collector: collector,
		sink:      sink,
		opts:      opts,
		queue:     make(chan delivery, opts.QueueSize),
		ctx:       ctx,
		abort:     abort,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		random:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	go p.run()

	return p
}

// Publish enqueues the event and returns immediately
func (p *ReliablePublisher) Publish(e Event) {
	if !e.Valid() {
		log.Warn().Str("service", "eventbus").Str("event_id", e.ID).Str("type", string(e.Type)).Msg("malformed event dropped")
		telemetry.EventOutcome(string(e.Type), "dropped")
		return
	}

	p.lock.RLock()
	defer p.lock.RUnlock()

	if p.closed {
		log.Error().Err(ErrPublisherClosed).Str("service", "eventbus").Str("event_id", e.ID).Str("type", string(e.Type)).Msg("event dropped")
		telemetry.EventOutcome(string(e.Type), "dropped")
		return
	}

	select {
	case p.queue <- delivery{event: e}:
		telemetry.EventQueueDepth(len(p.queue))
	default:
		log.Error().Err(errQueueFull).Str("service", "eventbus").Str("event_id", e.ID).Str("type", string(e.Type)).Msg("event dropped")
		telemetry.EventOutcome(string(e.Type), "dropped")
	}
}

// Close stops accepting events and waits for the queued ones to be
// delivered. Whatever is still pending when ctx expires is dead-lettered.
func (p *ReliablePublisher) Close(ctx context.Context) error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	p.lock.Unlock()

	close(p.stop)

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.abort()
		<-p.done
		return ctx.Err()
	}
}

func (p *ReliablePublisher) run() {
	defer close(p.done)
	defer p.abort()

	log.Debug().Str("service", "eventbus").Msg("start")

	var retries []delivery
	stopping := p.stop

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)

	for {
		var wait <-chan time.Time
		if len(retries) > 0 {
			timer.Reset(time.Until(retries[0].due))
			wait = timer.C
		}

		select {
		case d := <-p.queue:
			telemetry.EventQueueDepth(len(p.queue))
			retries = p.deliver(d, retries)
		case <-wait:
			now := time.Now()
			for len(retries) > 0 && !retries[0].due.After(now) {
				d := retries[0]
				retries = retries[1:]
				retries = p.deliver(d, retries)
			}
		case <-stopping:
			stopping = nil
		case <-p.ctx.Done():
			p.flush(retries)
			return
		}
		stopTimer(timer)

		if stopping == nil && len(p.queue) == 0 && len(retries) == 0 {
			log.Debug().Str("service", "eventbus").Msg("drained")
			return
		}
	}
}

// deliver makes one attempt and schedules the next one on failure
func (p *ReliablePublisher) deliver(d delivery, retries []delivery) []delivery {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.PostTimeout)
	err := p.collector.Collect(ctx, d.event)
	cancel()

	if err == nil {
		telemetry.EventOutcome(string(d.event.Type), "published")
		log.Debug().Str("service", "eventbus").Str("event_id", d.event.ID).Str("type", string(d.event.Type)).Msg("event delivered")
		return retries
	}

	d.failures++
	if d.failures > p.opts.MaxRetries {
		p.deadLetter(d.event, err)
		return retries
	}

	delay := p.backoff(d.failures)
	d.due = time.Now().Add(delay)

	log.Warn().Err(err).Str("service", "eventbus").
		Str("event_id", d.event.ID).
		Int("attempt", d.failures).
		Dur("delay", delay).
		Msg("event delivery failed, retrying")
	telemetry.EventOutcome(string(d.event.Type), "retried")

	retries = append(retries, d)
	sort.SliceStable(retries, func(i, j int) bool {
		return retries[i].due.Before(retries[j].due)
	})
	return retries
}

// backoff is base*2^(failures-1) capped at the max delay, plus jitter. A zero
// max delay leaves it uncapped.
func (p *ReliablePublisher) backoff(failures int) time.Duration {
	capped := p.opts.MaxDelay > 0

	delay := p.opts.BaseDelay
	for i := 1; i < failures && (!capped || delay < p.opts.MaxDelay); i++ {
		delay *= 2
	}
	if capped && delay > p.opts.MaxDelay {
		delay = p.opts.MaxDelay
	}
	if p.opts.Jitter > 0 {
		delay += time.Duration(p.random.Int63n(int64(p.opts.Jitter)))
	}
	return delay
}

// flush dead-letters everything left behind by an aborted drain
func (p *ReliablePublisher) flush(retries []delivery) {
	for _, d := range retries {
		p.deadLetter(d.event, ErrPublisherClosed)
	}
	for {
		select {
		case d := <-p.queue:
			p.deadLetter(d.event, ErrPublisherClosed)
		default:
			telemetry.EventQueueDepth(0)
			return
		}
	}
}

func (p *ReliablePublisher) deadLetter(e Event, cause error) {
	telemetry.EventOutcome(string(e.Type), "dead_lettered")
	log.Error().Err(cause).Str("service", "eventbus").Str("event_id", e.ID).Str("type", string(e.Type)).Msg("event dead-lettered")

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.PostTimeout)
	defer cancel()

	if err := p.sink.Store(ctx, e, cause); err != nil {
		log.Error().Err(err).Str("service", "eventbus").Str("event_id", e.ID).Msg("can't store dead letter")
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
