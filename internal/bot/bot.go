package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/client"
	"github.com/isqad/livelook-signal/internal/core"
	"github.com/isqad/livelook-signal/internal/rtc"
	signaling "github.com/isqad/livelook-signal/internal/signal"
)

const (
	callTimeout  = 10 * time.Second
	pingInterval = 20 * time.Second
	videoPT      = 96
)

var errNoVP8 = errors.New("router doesn't offer VP8")

type Options struct {
	URL    string
	Token  string
	RoomID string
	UserID string
	Name   string
	// Host creates the room instead of joining it
	Host bool
	// VideoFile is an IVF file streamed in a loop. Without it the bot only
	// exercises signaling.
	VideoFile string
}

// Bot publishes a VP8 stream into a room the way a browser client would
type Bot struct {
	opts Options

	client *client.Client

	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sender   *webrtc.RTPSender
	track    *webrtc.TrackLocalStaticSample
}

func New(opts Options) *Bot {
	return &Bot{opts: opts}
}

func (bot *Bot) Close() {
	if bot.sender != nil {
		_ = bot.sender.Stop()
	}
	if bot.dtls != nil {
		_ = bot.dtls.Stop()
	}
	if bot.ice != nil {
		_ = bot.ice.Stop()
	}
	if bot.gatherer != nil {
		_ = bot.gatherer.Close()
	}
	if bot.client != nil {
		_ = bot.client.Close()
	}
}

func (bot *Bot) Start() error {
	defer bot.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, bot.opts.URL, bot.opts.Token)
	if err != nil {
		return err
	}
	bot.client = c

	router, err := bot.enterRoom(ctx)
	if err != nil {
		return err
	}

	connected, err := bot.publish(ctx, router)
	if err != nil {
		return err
	}

	if bot.opts.VideoFile != "" {
		go func() {
			if err := bot.stream(ctx, connected); err != nil {
				log.Error().Err(err).Str("service", "bot").Msg("stream")
			}
		}()
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("service", "bot").Msg("interrupt")

			leaveCtx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()
			_, err := c.LeaveRoom(leaveCtx, bot.opts.RoomID)
			return err
		case <-c.Done():
			return c.Err()
		case n, ok := <-c.Notifications():
			if !ok {
				return c.Err()
			}
			log.Info().Str("service", "bot").Str("type", string(n.Type)).RawJSON("message", n.Raw).Msg("notification")
		case <-ticker.C:
			if err := bot.call(ctx, c.Ping); err != nil {
				return err
			}
		}
	}
}

func (bot *Bot) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	return fn(ctx)
}

func (bot *Bot) enterRoom(ctx context.Context) (signaling.RouterView, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if bot.opts.Host {
		created, err := bot.client.CreateRoom(ctx, bot.opts.RoomID, bot.opts.UserID, bot.opts.Name)
		if err != nil {
			return signaling.RouterView{}, fmt.Errorf("create room: %w", err)
		}
		log.Info().Str("service", "bot").Str("roomID", created.RoomID).Str("routerID", created.Router.RouterID).Msg("room created")
		return created.Router, nil
	}

	joined, err := bot.client.JoinRoom(ctx, bot.opts.RoomID, bot.opts.UserID, core.RoleBroadcaster)
	if err != nil {
		return signaling.RouterView{}, fmt.Errorf("join room: %w", err)
	}
	log.Info().Str("service", "bot").Str("roomID", joined.RoomID).Strs("producers", joined.Producers).Msg("room joined")
	return joined.Router, nil
}

// publish creates a send transport, connects the local ORTC stack to it and
// produces a VP8 track. The returned channel is closed once DTLS is up.
func (bot *Bot) publish(ctx context.Context, router signaling.RouterView) (<-chan struct{}, error) {
	if !offersVP8(router.RTPCapabilities) {
		return nil, errNoVP8
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	created, err := bot.client.CreateTransport(callCtx, bot.opts.RoomID, rtc.DirectionSend)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	remote := created.Transport

	local, err := bot.prepareTransport()
	if err != nil {
		return nil, err
	}

	if err := bot.client.ConnectTransport(callCtx, bot.opts.RoomID, remote.ID, local); err != nil {
		return nil, fmt.Errorf("connect transport: %w", err)
	}

	connected := make(chan struct{})
	go func() {
		if err := bot.startTransport(remote); err != nil {
			log.Error().Err(err).Str("service", "bot").Msg("transport")
			return
		}
		log.Info().Str("service", "bot").Str("transportID", remote.ID).Msg("transport connected")
		close(connected)
	}()

	ssrc := rand.Uint32()

	bot.track, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "livelook-bot")
	if err != nil {
		return nil, err
	}
	bot.sender, err = bot.api.NewRTPSender(bot.track, bot.dtls)
	if err != nil {
		return nil, err
	}
	err = bot.sender.Send(webrtc.RTPSendParameters{
		Encodings: []webrtc.RTPEncodingParameters{
			{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(ssrc), PayloadType: videoPT}},
		},
	})
	if err != nil {
		return nil, err
	}

	// Read incoming RTCP packets, interceptors need it
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := bot.sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	produced, err := bot.client.Produce(callCtx, bot.opts.RoomID, remote.ID, rtc.ProduceParams{
		Kind: rtc.KindVideo,
		RTPParameters: rtc.RTPParameters{
			Codecs:    []rtc.RTPCodecParameters{{MimeType: webrtc.MimeTypeVP8, PayloadType: videoPT, ClockRate: 90000}},
			Encodings: []rtc.RTPEncoding{{SSRC: ssrc, PayloadType: videoPT}},
		},
		AppData: map[string]interface{}{"source": "bot"},
	})
	if err != nil {
		return nil, fmt.Errorf("produce: %w", err)
	}
	log.Info().Str("service", "bot").Str("producerID", produced.ProducerID).Msg("producing")

	return connected, nil
}

func newAPI() (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(me)), nil
}

// prepareTransport gathers the local candidates and returns what the server
// needs to connect to us
func (bot *Bot) prepareTransport() (rtc.ConnectParams, error) {
	var err error

	bot.api, err = newAPI()
	if err != nil {
		return rtc.ConnectParams{}, err
	}

	bot.gatherer, err = bot.api.NewICEGatherer(webrtc.ICEGatherOptions{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return rtc.ConnectParams{}, err
	}
	bot.ice = bot.api.NewICETransport(bot.gatherer)
	bot.dtls, err = bot.api.NewDTLSTransport(bot.ice, nil)
	if err != nil {
		return rtc.ConnectParams{}, err
	}

	gatherFinished := make(chan struct{})
	bot.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherFinished)
		}
	})
	if err := bot.gatherer.Gather(); err != nil {
		return rtc.ConnectParams{}, err
	}
	<-gatherFinished

	candidates, err := bot.gatherer.GetLocalCandidates()
	if err != nil {
		return rtc.ConnectParams{}, err
	}
	iceParams, err := bot.gatherer.GetLocalParameters()
	if err != nil {
		return rtc.ConnectParams{}, err
	}
	dtlsParams, err := bot.dtls.GetLocalParameters()
	if err != nil {
		return rtc.ConnectParams{}, err
	}

	params := rtc.ConnectParams{
		// the server is controlled, we are the DTLS client
		DTLSParameters: rtc.DTLSParameters{Role: "client"},
		ICEParameters: &rtc.ICEParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
		},
	}
	for _, f := range dtlsParams.Fingerprints {
		params.DTLSParameters.Fingerprints = append(params.DTLSParameters.Fingerprints, rtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	for _, c := range candidates {
		params.ICECandidates = append(params.ICECandidates, rtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return params, nil
}

// startTransport blocks until ICE and DTLS are connected
func (bot *Bot) startTransport(remote rtc.TransportParams) error {
	candidates := make([]webrtc.ICECandidate, 0, len(remote.ICECandidates))
	for _, c := range remote.ICECandidates {
		protocol, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return err
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return err
		}
		candidates = append(candidates, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			TCPType:    c.TCPType,
		})
	}
	if err := bot.ice.SetRemoteCandidates(candidates); err != nil {
		return err
	}

	role := webrtc.ICERoleControlling
	err := bot.ice.Start(nil, webrtc.ICEParameters{
		UsernameFragment: remote.ICEParameters.UsernameFragment,
		Password:         remote.ICEParameters.Password,
		ICELite:          remote.ICEParameters.ICELite,
	}, &role)
	if err != nil {
		return err
	}

	dtlsParams := webrtc.DTLSParameters{Role: webrtc.DTLSRoleServer}
	for _, f := range remote.DTLSParameters.Fingerprints {
		dtlsParams.Fingerprints = append(dtlsParams.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return bot.dtls.Start(dtlsParams)
}

// stream sends the IVF file frame at a time, from the beginning again once
// it ends
func (bot *Bot) stream(ctx context.Context, connected <-chan struct{}) error {
	select {
	case <-connected:
	case <-ctx.Done():
		return nil
	}

	log.Info().Str("service", "bot").Str("file", bot.opts.VideoFile).Msg("start main loop")

	for {
		if err := bot.streamOnce(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (bot *Bot) streamOnce(ctx context.Context) error {
	file, err := os.Open(bot.opts.VideoFile)
	if err != nil {
		return err
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return err
	}

	// Pace our sending so we send it at the same speed it should be played back as.
	frameDuration := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := bot.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}

func offersVP8(caps rtc.RTPCapabilities) bool {
	for _, c := range caps.Codecs {
		if c.MimeType == webrtc.MimeTypeVP8 {
			return true
		}
	}
	return false
}
