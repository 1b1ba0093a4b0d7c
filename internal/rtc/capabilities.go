package rtc

import (
	"strings"

	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-signal/internal/config"
)

// RouterCapabilities returns what a room advertises to its clients for the
// given enabled codecs
func RouterCapabilities(enabled []config.CodecSpec, direction config.DirectionConfig) RTPCapabilities {
	return capabilitiesOf(enabledCodecs(enabled, direction.RTCPFeedback), direction.RTPHeaderExtension)
}

func capabilitiesOf(codecs []codecEntry, extensions config.RTPHeaderExtensionConfig) RTPCapabilities {
	caps := RTPCapabilities{Codecs: make([]RTPCodecCapability, 0, len(codecs))}
	for _, c := range codecs {
		caps.Codecs = append(caps.Codecs, RTPCodecCapability{
			Kind:                 c.kind,
			MimeType:             c.params.MimeType,
			ClockRate:            c.params.ClockRate,
			Channels:             c.params.Channels,
			SDPFmtpLine:          c.params.SDPFmtpLine,
			PreferredPayloadType: uint8(c.params.PayloadType),
			RTCPFeedback:         feedbackOf(c.params.RTCPFeedback),
		})
	}

	id := 1
	for _, uri := range extensions.Audio {
		caps.HeaderExtensions = append(caps.HeaderExtensions, RTPHeaderExtension{Kind: KindAudio, URI: uri, ID: id})
		id++
	}
	for _, uri := range extensions.Video {
		caps.HeaderExtensions = append(caps.HeaderExtensions, RTPHeaderExtension{Kind: KindVideo, URI: uri, ID: id})
		id++
	}

	return caps
}

func feedbackOf(fb []webrtc.RTCPFeedback) []RTCPFeedback {
	if len(fb) == 0 {
		return nil
	}
	out := make([]RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

// CanConsume reports whether a receiver with caps is able to decode a stream
// described by params. RTX entries are ignored.
func CanConsume(params RTPParameters, caps RTPCapabilities) bool {
	for _, c := range params.Codecs {
		if isRTX(c.MimeType) {
			continue
		}
		if _, ok := matchCodec(c, caps.Codecs); ok {
			return true
		}
	}
	return false
}

// SupportsProducer reports whether every media codec of params is known to the router
func SupportsProducer(params RTPParameters, kind MediaKind, caps RTPCapabilities) bool {
	media := 0
	for _, c := range params.Codecs {
		if isRTX(c.MimeType) {
			continue
		}
		media++
		match, ok := matchCodec(c, caps.Codecs)
		if !ok || match.Kind != kind {
			return false
		}
	}
	return media > 0
}

func matchCodec(c RTPCodecParameters, caps []RTPCodecCapability) (RTPCodecCapability, bool) {
	for _, cap := range caps {
		if !strings.EqualFold(c.MimeType, cap.MimeType) || c.ClockRate != cap.ClockRate {
			continue
		}
		if cap.Kind == KindAudio && channelsOf(c.Channels) != channelsOf(cap.Channels) {
			continue
		}
		if !fmtpCompatible(c.MimeType, c.SDPFmtpLine, cap.SDPFmtpLine) {
			continue
		}
		return cap, true
	}
	return RTPCodecCapability{}, false
}

func channelsOf(n uint16) uint16 {
	if n == 0 {
		return 1
	}
	return n
}

// fmtpCompatible compares the fmtp parameters that change the bitstream
func fmtpCompatible(mime, a, b string) bool {
	switch strings.ToLower(mime) {
	case strings.ToLower(webrtc.MimeTypeH264):
		return fmtpValue(a, "packetization-mode", "0") == fmtpValue(b, "packetization-mode", "0") &&
			strings.EqualFold(profileOf(fmtpValue(a, "profile-level-id", "42e01f")), profileOf(fmtpValue(b, "profile-level-id", "42e01f")))
	case strings.ToLower(webrtc.MimeTypeVP9):
		return fmtpValue(a, "profile-id", "0") == fmtpValue(b, "profile-id", "0")
	default:
		return true
	}
}

// profileOf strips the level from a H264 profile-level-id
func profileOf(profileLevelID string) string {
	if len(profileLevelID) < 4 {
		return profileLevelID
	}
	return profileLevelID[:4]
}

func fmtpValue(line, key, def string) string {
	for _, kv := range strings.Split(line, ";") {
		parts := strings.SplitN(strings.TrimSpace(kv), "=", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], key) {
			return strings.TrimSpace(parts[1])
		}
	}
	return def
}

func isRTX(mime string) bool {
	return strings.HasSuffix(strings.ToLower(mime), "/rtx")
}
