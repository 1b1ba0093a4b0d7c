package rtc

import (
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-signal/internal/config"
)

type codecEntry struct {
	kind   MediaKind
	params webrtc.RTPCodecParameters
}

// supportedCodecs lists every codec the router knows. Which of them a room
// advertises is decided by the enabled codecs from config.
func supportedCodecs(rtcpFeedback config.RTCPFeedbackConfig) []codecEntry {
	video := func(mime, fmtp string, pt uint8) codecEntry {
		return codecEntry{
			kind: KindVideo,
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     mime,
					ClockRate:    90000,
					SDPFmtpLine:  fmtp,
					RTCPFeedback: rtcpFeedback.Video,
				},
				PayloadType: webrtc.PayloadType(pt),
			},
		}
	}

	return []codecEntry{
		{
			kind: KindAudio,
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeOpus,
					ClockRate:    48000,
					Channels:     2,
					SDPFmtpLine:  "minptime=10;useinbandfec=1",
					RTCPFeedback: rtcpFeedback.Audio,
				},
				PayloadType: 111,
			},
		},
		video(webrtc.MimeTypeVP8, "", 96),
		video(webrtc.MimeTypeVP9, "profile-id=0", 98),
		video(webrtc.MimeTypeVP9, "profile-id=1", 100),
		video(webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", 125),
		video(webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=0;profile-level-id=42e01f", 108),
		video(webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=640032", 123),
		video(webrtc.MimeTypeAV1, "", 35),
	}
}

func enabledCodecs(enabled []config.CodecSpec, rtcpFeedback config.RTCPFeedbackConfig) []codecEntry {
	var out []codecEntry
	for _, c := range supportedCodecs(rtcpFeedback) {
		if isCodecEnabled(enabled, c.params.RTPCodecCapability) {
			out = append(out, c)
		}
	}
	return out
}

func createMediaEngine(codecs []codecEntry, directionConfig config.DirectionConfig) (*webrtc.MediaEngine, *interceptor.Registry, error) {
	mediaEngine := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := mediaEngine.RegisterCodec(c.params, c.kind.codecType()); err != nil {
			return nil, nil, err
		}
	}

	if err := registerHeaderExtensions(mediaEngine, directionConfig.RTPHeaderExtension); err != nil {
		return nil, nil, err
	}

	// The transports are built from ORTC primitives, so the default interceptors
	// (NACK, RTCP reports) have to be set up by hand.
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, i); err != nil {
		return nil, nil, err
	}

	return mediaEngine, i, nil
}

func registerHeaderExtensions(me *webrtc.MediaEngine, rtpHeaderExtension config.RTPHeaderExtensionConfig) error {
	for _, extension := range rtpHeaderExtension.Video {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: extension}, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}

	for _, extension := range rtpHeaderExtension.Audio {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: extension}, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}

	return nil
}

func isCodecEnabled(codecs []config.CodecSpec, cap webrtc.RTPCodecCapability) bool {
	for _, codec := range codecs {
		if !strings.EqualFold(codec.Mime, cap.MimeType) {
			continue
		}
		if codec.FmtpLine == "" || strings.EqualFold(codec.FmtpLine, cap.SDPFmtpLine) {
			return true
		}
	}
	return false
}

func (k MediaKind) codecType() webrtc.RTPCodecType {
	if k == KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func kindOf(t webrtc.RTPCodecType) MediaKind {
	if t == webrtc.RTPCodecTypeAudio {
		return KindAudio
	}
	return KindVideo
}
