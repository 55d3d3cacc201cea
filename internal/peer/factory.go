package peer

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/campuscash/backend/internal/media"
)

// Config controls transport construction.
type Config struct {
	ICEServers []webrtc.ICEServer
	// IncludeLoopback gathers 127.0.0.1 host candidates (UDP4 only) so two peers on
	// one host can connect without any other interface.
	IncludeLoopback bool
	// DisconnectedTimeout, FailedTimeout and KeepAlive tune ICE liveness. Zero keeps
	// the defaults below.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAlive           time.Duration
}

const (
	defaultDisconnectedTimeout = 30 * time.Second
	defaultFailedTimeout       = 120 * time.Second
	defaultKeepAlive           = 2 * time.Second
)

// Factory builds Peers that share one pion API and one media source.
type Factory struct {
	api    *webrtc.API
	rtc    webrtc.Configuration
	source media.Source
	logger *zap.Logger
}

// NewFactory registers the default codecs and interceptors and applies cfg.
func NewFactory(cfg Config, source media.Source, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	disconnected, failed, keepAlive := cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAlive
	if disconnected <= 0 {
		disconnected = defaultDisconnectedTimeout
	}
	if failed <= 0 {
		failed = defaultFailedTimeout
	}
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	se.SetICETimeouts(disconnected, failed, keepAlive)
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{
		api:    api,
		rtc:    webrtc.Configuration{ICEServers: cfg.ICEServers},
		source: source,
		logger: logger,
	}, nil
}

// New returns an Idle peer.
func (f *Factory) New() *Peer {
	return &Peer{
		api:     f.api,
		rtc:     f.rtc,
		source:  f.source,
		logger:  f.logger,
		state:   StateIdle,
		streams: make(map[string]*RemoteStream),
	}
}

// ICEServers builds one ICE server per STUN/TURN URL, skipping blanks.
func ICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}
