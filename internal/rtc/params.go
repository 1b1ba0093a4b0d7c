package rtc

import "errors"

// Direction of a transport as seen from the client
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

var (
	ErrNoCodecs       = errors.New("rtpParameters must contain at least one codec")
	ErrNoFingerprints = errors.New("dtlsParameters must contain at least one fingerprint")
)

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RTPCodecCapability is a codec a router or a receiver can handle
type RTPCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	SDPFmtpLine          string         `json:"sdpFmtpLine,omitempty"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtension struct {
	Kind MediaKind `json:"kind,omitempty"`
	URI  string    `json:"uri"`
	ID   int       `json:"id,omitempty"`
}

type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	SDPFmtpLine  string         `json:"sdpFmtpLine,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPEncoding struct {
	SSRC        uint32 `json:"ssrc,omitempty"`
	RID         string `json:"rid,omitempty"`
	PayloadType uint8  `json:"payloadType,omitempty"`
}

// RTPParameters describe a single media stream
type RTPParameters struct {
	MID              string               `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncoding        `json:"encodings,omitempty"`
}

func (p RTPParameters) Validate() error {
	if len(p.Codecs) == 0 {
		return ErrNoCodecs
	}
	return nil
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

func (p DTLSParameters) Validate() error {
	if len(p.Fingerprints) == 0 {
		return ErrNoFingerprints
	}
	return nil
}

// TransportParams is what a client needs to connect to a transport
type TransportParams struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams carries the remote side of a transport. ICE fields are
// optional for engines running ICE-lite.
type ConnectParams struct {
	DTLSParameters DTLSParameters
	ICEParameters  *ICEParameters
	ICECandidates  []ICECandidate
}

type ProduceParams struct {
	Kind          MediaKind
	RTPParameters RTPParameters
	AppData       map[string]interface{}
}

type ConsumeParams struct {
	ProducerID      string
	RTPCapabilities RTPCapabilities
	Paused          bool
}
