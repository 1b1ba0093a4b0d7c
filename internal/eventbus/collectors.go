package eventbus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/config"
)

const serverTokenHeader = "X-Server-Token"

// HTTPCollector posts events to the backend API
type HTTPCollector struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPCollector(baseURL, token string, client *http.Client) *HTTPCollector {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPCollector{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (c *HTTPCollector) Collect(ctx context.Context, e Event) error {
	// without a backend events are only acknowledged locally
	if c.baseURL == "" {
		return nil
	}

	body, err := e.ToJSON()
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/api/rooms/%s/events", c.baseURL, url.PathEscape(e.RoomID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(serverTokenHeader, c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector responded %d", resp.StatusCode)
	}
	return nil
}

type Channel string

const RoomEvents Channel = "room_events"

func (c Channel) buildChannel(roomID string) string {
	return string(c) + ":" + roomID
}

// RedisCollector publishes events to the room_events:{roomId} channel
type RedisCollector struct {
	rdb *redis.Client
}

func NewRedisCollector(rdb *redis.Client) *RedisCollector {
	return &RedisCollector{rdb: rdb}
}

func (c *RedisCollector) Collect(ctx context.Context, e Event) error {
	msg, err := e.ToJSON()
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, RoomEvents.buildChannel(e.RoomID), msg).Err()
}

// NatsCollector publishes events to the rooms.{roomId}.events subject
type NatsCollector struct {
	nc *nats.Conn
}

func NewNatsCollector(nc *nats.Conn) *NatsCollector {
	return &NatsCollector{nc: nc}
}

const natsFlushTimeout = 5 * time.Second

func natsSubject(roomID string) string {
	return "rooms." + roomID + ".events"
}

func (c *NatsCollector) Collect(ctx context.Context, e Event) error {
	msg, err := e.ToJSON()
	if err != nil {
		return err
	}
	if err := c.nc.Publish(natsSubject(e.RoomID), msg); err != nil {
		return err
	}

	// FlushWithContext refuses contexts without a deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsFlushTimeout)
		defer cancel()
	}
	return c.nc.FlushWithContext(ctx)
}

// NewCollector builds the collector selected by conf. The returned close
// function releases the underlying connection.
func NewCollector(conf config.EventsConfig) (Collector, func() error, error) {
	switch conf.Collector {
	case "", "http":
		c := NewHTTPCollector(conf.BaseURL, conf.ServerToken, &http.Client{Timeout: conf.PostTimeout})
		return c, func() error { return nil }, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: conf.RedisAddr})
		return NewRedisCollector(rdb), rdb.Close, nil
	case "nats":
		nc, err := nats.Connect(conf.NatsURL,
			nats.Name("livelook-signal"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Str("service", "eventbus").Msg("nats disconnected")
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		return NewNatsCollector(nc), func() error { nc.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown events collector %q", conf.Collector)
	}
}
