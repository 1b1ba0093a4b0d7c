// Package client is a signaling client. It sends one action at a time and
// hands room notifications out on a separate channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/rtc"
	signaling "github.com/isqad/livelook-signal/internal/signal"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	notificationsCap = 256
)

var ErrClosed = errors.New("client: connection closed")

// ReplyError is an error reply of the server
type ReplyError struct {
	Code    core.ErrorCode
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope is a raw server message with its type
type Envelope struct {
	Type signaling.MessageType
	Raw  json.RawMessage
}

func (e Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Raw, v)
}

type Client struct {
	conn *websocket.Conn

	// one action in flight at a time, replies come back in order
	callLock sync.Mutex
	replies  chan Envelope

	notifications chan Envelope

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the signaling endpoint, e.g. ws://localhost:3001/ws
func Dial(ctx context.Context, url, token string) (*Client, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	resp.Body.Close()

	c := &Client{
		conn:          conn,
		replies:       make(chan Envelope, 1),
		notifications: make(chan Envelope, notificationsCap),
		done:          make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// Notifications delivers newProducer and producerClosed messages
func (c *Client) Notifications() <-chan Envelope {
	return c.notifications
}

// Done is closed once the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err tells why the connection is gone
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) Close() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	err := c.conn.Close()
	c.shutdown(ErrClosed)
	return err
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *Client) readLoop() {
	defer close(c.notifications)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var head struct {
			Type signaling.MessageType `json:"type"`
		}
		if err := json.Unmarshal(message, &head); err != nil {
			log.Warn().Err(err).Str("service", "client").Msg("can't parse server message")
			continue
		}

		env := Envelope{Type: head.Type, Raw: message}

		switch head.Type {
		case signaling.NewProducerType, signaling.ProducerClosedType:
			select {
			case c.notifications <- env:
			default:
				log.Warn().Str("service", "client").Str("type", string(head.Type)).Msg("notification dropped")
			}
		default:
			select {
			case c.replies <- env:
			case <-c.done:
				return
			}
		}
	}
}

// Call sends req and decodes the reply into out. An error reply is returned
// as *ReplyError. Once ctx expires before the reply arrives the connection
// is out of step and should be closed.
func (c *Client) Call(ctx context.Context, req signaling.Request, out interface{}) error {
	c.callLock.Lock()
	defer c.callLock.Unlock()

	payload, err := req.ToJSON()
	if err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}

	var env Envelope
	select {
	case env = <-c.replies:
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}

	if env.Type == signaling.ErrorType {
		var reply signaling.ErrorReply
		if err := env.Decode(&reply); err != nil {
			return err
		}
		return &ReplyError{Code: reply.Code, Message: reply.Message}
	}

	if out == nil {
		return nil
	}
	return env.Decode(out)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, signaling.Request{Action: signaling.PingAction}, nil)
}

func (c *Client) CreateRoom(ctx context.Context, roomID, hostID, name string) (*signaling.RoomCreated, error) {
	reply := &signaling.RoomCreated{}
	err := c.Call(ctx, signaling.Request{
		Action: signaling.CreateRoomAction,
		RoomID: roomID,
		HostID: hostID,
		Name:   name,
	}, reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID, userID string, role core.Role) (*signaling.RoomJoined, error) {
	reply := &signaling.RoomJoined{}
	err := c.Call(ctx, signaling.Request{
		Action: signaling.JoinRoomAction,
		RoomID: roomID,
		UserID: userID,
		Role:   string(role),
	}, reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) LeaveRoom(ctx context.Context, roomID string) (*signaling.RoomLeft, error) {
	reply := &signaling.RoomLeft{}
	if err := c.Call(ctx, signaling.Request{Action: signaling.LeaveRoomAction, RoomID: roomID}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) RouterRtpCapabilities(ctx context.Context, roomID string) (*signaling.RouterRtpCapabilities, error) {
	reply := &signaling.RouterRtpCapabilities{}
	if err := c.Call(ctx, signaling.Request{Action: signaling.GetRouterRtpCapabilitiesAction, RoomID: roomID}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) CreateTransport(ctx context.Context, roomID string, direction rtc.Direction) (*signaling.TransportCreated, error) {
	reply := &signaling.TransportCreated{}
	err := c.Call(ctx, signaling.Request{
		Action:    signaling.CreateTransportAction,
		RoomID:    roomID,
		Direction: direction,
	}, reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) ConnectTransport(ctx context.Context, roomID, transportID string, params rtc.ConnectParams) error {
	return c.Call(ctx, signaling.Request{
		Action:         signaling.ConnectTransportAction,
		RoomID:         roomID,
		TransportID:    transportID,
		DTLSParameters: &params.DTLSParameters,
		ICEParameters:  params.ICEParameters,
		ICECandidates:  params.ICECandidates,
	}, nil)
}

func (c *Client) Produce(ctx context.Context, roomID, transportID string, params rtc.ProduceParams) (*signaling.Produced, error) {
	reply := &signaling.Produced{}
	err := c.Call(ctx, signaling.Request{
		Action:        signaling.ProduceAction,
		RoomID:        roomID,
		TransportID:   transportID,
		Kind:          params.Kind,
		RTPParameters: &params.RTPParameters,
		AppData:       params.AppData,
	}, reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) Consume(ctx context.Context, roomID, transportID, producerID string, caps rtc.RTPCapabilities) (*signaling.Consumed, error) {
	reply := &signaling.Consumed{}
	err := c.Call(ctx, signaling.Request{
		Action:          signaling.ConsumeAction,
		RoomID:          roomID,
		TransportID:     transportID,
		ProducerID:      producerID,
		RTPCapabilities: &caps,
	}, reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) ResumeConsumer(ctx context.Context, roomID, consumerID string) error {
	return c.Call(ctx, signaling.Request{
		Action:     signaling.ResumeConsumerAction,
		RoomID:     roomID,
		ConsumerID: consumerID,
	}, nil)
}
