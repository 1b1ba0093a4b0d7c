package signal

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/rtc"
)

type Action string

const (
	PingAction                     Action = "ping"
	CreateRoomAction               Action = "createRoom"
	JoinRoomAction                 Action = "joinRoom"
	LeaveRoomAction                Action = "leaveRoom"
	GetRouterRtpCapabilitiesAction Action = "getRouterRtpCapabilities"
	CreateTransportAction          Action = "createTransport"
	ConnectTransportAction         Action = "connectTransport"
	ProduceAction                  Action = "produce"
	ConsumeAction                  Action = "consume"
	ResumeConsumerAction           Action = "resumeConsumer"
)

type MessageType string

const (
	PongType                  MessageType = "pong"
	ErrorType                 MessageType = "error"
	RoomCreatedType           MessageType = "roomCreated"
	RoomJoinedType            MessageType = "roomJoined"
	RoomLeftType              MessageType = "roomLeft"
	RouterRtpCapabilitiesType MessageType = "routerRtpCapabilities"
	TransportCreatedType      MessageType = "transportCreated"
	TransportConnectedType    MessageType = "transportConnected"
	ProducedType              MessageType = "produced"
	NewProducerType           MessageType = "newProducer"
	ConsumedType              MessageType = "consumed"
	ConsumerResumedType       MessageType = "consumerResumed"
	ProducerClosedType        MessageType = "producerClosed"
)

var ErrMalformedRequest = errors.New("malformed request")

// Request is any client message. Which fields are required depends on the
// action.
type Request struct {
	Action          Action                 `json:"action"`
	RoomID          string                 `json:"roomId,omitempty"`
	HostID          string                 `json:"hostId,omitempty"`
	Name            string                 `json:"name,omitempty"`
	UserID          string                 `json:"userId,omitempty"`
	Role            string                 `json:"role,omitempty"`
	Direction       rtc.Direction          `json:"direction,omitempty"`
	TransportID     string                 `json:"transportId,omitempty"`
	DTLSParameters  *rtc.DTLSParameters    `json:"dtlsParameters,omitempty"`
	ICEParameters   *rtc.ICEParameters     `json:"iceParameters,omitempty"`
	ICECandidates   []rtc.ICECandidate     `json:"iceCandidates,omitempty"`
	Kind            rtc.MediaKind          `json:"kind,omitempty"`
	RTPParameters   *rtc.RTPParameters     `json:"rtpParameters,omitempty"`
	AppData         map[string]interface{} `json:"appData,omitempty"`
	ProducerID      string                 `json:"producerId,omitempty"`
	RTPCapabilities *rtc.RTPCapabilities   `json:"rtpCapabilities,omitempty"`
	ConsumerID      string                 `json:"consumerId,omitempty"`
}

func RequestFromReader(reader io.Reader) (*Request, error) {
	req := &Request{}
	if err := json.NewDecoder(reader).Decode(req); err != nil {
		return nil, &core.Error{Code: core.ValidationError, Message: ErrMalformedRequest.Error(), Err: err}
	}
	return req, nil
}

func (r Request) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// Message is anything the server sends to a client
type Message interface {
	GetType() MessageType
	ToJSON() ([]byte, error)
}

type head struct {
	Type MessageType `json:"type"`
}

func (h head) GetType() MessageType {
	return h.Type
}

type RoomView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	HostID    string    `json:"hostId"`
	RouterID  string    `json:"routerId"`
	CreatedAt time.Time `json:"createdAt"`
}

type RouterView struct {
	RoomID          string              `json:"roomId"`
	RouterID        string              `json:"routerId"`
	RTPCapabilities rtc.RTPCapabilities `json:"rtpCapabilities"`
	CreatedAt       time.Time           `json:"createdAt"`
}

type ProducerView struct {
	ProducerID string                 `json:"producerId"`
	Kind       rtc.MediaKind          `json:"kind"`
	AppData    map[string]interface{} `json:"appData"`
}

type ConsumerView struct {
	ConsumerID     string                 `json:"consumerId"`
	ProducerID     string                 `json:"producerId"`
	Kind           rtc.MediaKind          `json:"kind"`
	Type           string                 `json:"type"`
	RTPParameters  rtc.RTPParameters      `json:"rtpParameters"`
	ProducerPaused bool                   `json:"producerPaused"`
	AppData        map[string]interface{} `json:"appData"`
}

type Pong struct {
	head
}

func NewPong() *Pong {
	return &Pong{head: head{Type: PongType}}
}

func (m Pong) ToJSON() ([]byte, error) { return json.Marshal(m) }

type ErrorReply struct {
	head
	Code    core.ErrorCode `json:"code"`
	Message string         `json:"message"`
}

func NewErrorReply(err error) *ErrorReply {
	msg := err.Error()

	var e *core.Error
	if errors.As(err, &e) {
		msg = e.Message
	}

	return &ErrorReply{
		head:    head{Type: ErrorType},
		Code:    core.CodeOf(err),
		Message: msg,
	}
}

func (m ErrorReply) ToJSON() ([]byte, error) { return json.Marshal(m) }

type RoomCreated struct {
	head
	RoomID       string     `json:"roomId"`
	Room         RoomView   `json:"room"`
	Router       RouterView `json:"router"`
	Participants []string   `json:"participants"`
	Producers    []string   `json:"producers"`
}

func (m RoomCreated) ToJSON() ([]byte, error) { return json.Marshal(m) }

type RoomJoined struct {
	head
	RoomID       string     `json:"roomId"`
	UserID       string     `json:"userId"`
	Role         core.Role  `json:"role"`
	Router       RouterView `json:"router"`
	Participants []string   `json:"participants"`
	Producers    []string   `json:"producers"`
}

func (m RoomJoined) ToJSON() ([]byte, error) { return json.Marshal(m) }

type RoomLeft struct {
	head
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

func NewRoomLeft(roomID, userID string) *RoomLeft {
	return &RoomLeft{head: head{Type: RoomLeftType}, RoomID: roomID, UserID: userID}
}

func (m RoomLeft) ToJSON() ([]byte, error) { return json.Marshal(m) }

type RouterRtpCapabilities struct {
	head
	RoomID string     `json:"roomId"`
	Router RouterView `json:"router"`
}

func (m RouterRtpCapabilities) ToJSON() ([]byte, error) { return json.Marshal(m) }

type TransportCreated struct {
	head
	RoomID    string              `json:"roomId"`
	Direction rtc.Direction       `json:"direction"`
	Transport rtc.TransportParams `json:"transport"`
}

func (m TransportCreated) ToJSON() ([]byte, error) { return json.Marshal(m) }

type TransportConnected struct {
	head
	RoomID      string `json:"roomId"`
	TransportID string `json:"transportId"`
}

func (m TransportConnected) ToJSON() ([]byte, error) { return json.Marshal(m) }

type Produced struct {
	head
	RoomID     string       `json:"roomId"`
	ProducerID string       `json:"producerId"`
	Producer   ProducerView `json:"producer"`
}

func (m Produced) ToJSON() ([]byte, error) { return json.Marshal(m) }

// NewProducer tells the other participants a track is available
type NewProducer struct {
	head
	RoomID     string `json:"roomId"`
	ProducerID string `json:"producerId"`
}

func NewNewProducer(roomID, producerID string) *NewProducer {
	return &NewProducer{head: head{Type: NewProducerType}, RoomID: roomID, ProducerID: producerID}
}

func (m NewProducer) ToJSON() ([]byte, error) { return json.Marshal(m) }

type Consumed struct {
	head
	RoomID   string       `json:"roomId"`
	Consumer ConsumerView `json:"consumer"`
}

func (m Consumed) ToJSON() ([]byte, error) { return json.Marshal(m) }

type ConsumerResumed struct {
	head
	RoomID     string `json:"roomId"`
	ConsumerID string `json:"consumerId"`
}

func (m ConsumerResumed) ToJSON() ([]byte, error) { return json.Marshal(m) }

type ProducerClosed struct {
	head
	RoomID     string `json:"roomId"`
	ProducerID string `json:"producerId"`
}

func NewProducerClosed(roomID, producerID string) *ProducerClosed {
	return &ProducerClosed{head: head{Type: ProducerClosedType}, RoomID: roomID, ProducerID: producerID}
}

func (m ProducerClosed) ToJSON() ([]byte, error) { return json.Marshal(m) }
