package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-signal/internal/config"
)

const (
	rtcpPLIInterval            = time.Second * 3
	dtlsRetransmissionInterval = 100 * time.Millisecond
	mtu                        = 1400
	iceDisconnectedTimeout     = 10 * time.Second // compatible for ice-lite with firefox client
	iceFailedTimeout           = 25 * time.Second // pion's default
	iceKeepaliveInterval       = 2 * time.Second  // pion's default
)

// PionEngine relays media in process with pion ORTC primitives: every
// transport is an ICE gatherer + ICE transport + DTLS transport triple.
type PionEngine struct {
	api          *webrtc.API
	iceServers   []webrtc.ICEServer
	capabilities RTPCapabilities

	lock    sync.Mutex
	routers map[string]*pionRouter
	done    chan error
}

func NewPionEngine(conf *config.Config, rtcConf *config.WebRTCConfig) (*PionEngine, error) {
	codecs := enabledCodecs(conf.Peer.EnabledCodecs, rtcConf.Publisher.RTCPFeedback)

	me, registry, err := createMediaEngine(codecs, rtcConf.Publisher)
	if err != nil {
		return nil, err
	}

	se := rtcConf.SettingEngine
	se.DisableMediaEngineCopy(true)
	se.SetDTLSRetransmissionInterval(dtlsRetransmissionInterval)
	se.SetReceiveMTU(mtu)
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(registry),
	)

	return &PionEngine{
		api:          api,
		iceServers:   rtcConf.ICEServers,
		capabilities: capabilitiesOf(codecs, rtcConf.Publisher.RTPHeaderExtension),
		routers:      make(map[string]*pionRouter),
		done:         make(chan error, 1),
	}, nil
}

func (e *PionEngine) CreateRoutingContext(ctx context.Context) (RoutingContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := newPionRouter(e)

	e.lock.Lock()
	e.routers[r.id] = r
	e.lock.Unlock()

	r.OnClose(func(CloseReason) {
		e.lock.Lock()
		delete(e.routers, r.id)
		e.lock.Unlock()
	})

	log.Debug().Str("service", "rtc").Str("router", r.id).Msg("router created")

	return r, nil
}

// Done never fires for the in-process engine: it lives and dies with the server
func (e *PionEngine) Done() <-chan error {
	return e.done
}

func (e *PionEngine) Close() error {
	e.lock.Lock()
	routers := make([]*pionRouter, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.lock.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
	return nil
}
