// Package webrtc implements the signaling Connection adapter on top of pion.
package webrtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/trickle/internal/signaling"
	"github.com/1ureka/trickle/internal/util"
)

// DefaultSTUNServers are public STUN servers for candidate gathering. No
// TURN: deployments that need relaying supply their own servers.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Options configures an Engine.
type Options struct {
	// Configure adjusts the SettingEngine before the API is built (network
	// namespace, port ranges, NAT mapping). The logger factory is always
	// replaced by the pterm bridge.
	Configure func(se *webrtc.SettingEngine)

	// OnDataChannelOpen is called when a session's data channel opens.
	OnDataChannelOpen func(dc *webrtc.DataChannel)
}

// Engine opens pion PeerConnections for signaling sessions.
type Engine struct {
	api    *webrtc.API
	onOpen func(dc *webrtc.DataChannel)
}

var _ signaling.Engine = (*Engine)(nil)

// NewEngine builds a pion API with the default codecs registered.
func NewEngine(opts Options) (*Engine, error) {
	se := webrtc.SettingEngine{}
	if opts.Configure != nil {
		opts.Configure(&se)
	}
	se.LoggerFactory = NewLoggerFactory()

	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(se),
			webrtc.WithMediaEngine(media),
		),
		onOpen: opts.OnDataChannelOpen,
	}, nil
}

// Open creates a PeerConnection for cfg. Receive-only transceivers and the
// data channel are added before any description is created, so the first
// offer already carries them.
func (e *Engine) Open(ctx context.Context, cfg signaling.MediaConfig) (signaling.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(cfg.ICEServers),
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &Connection{pc: pc, log: util.Scoped("webrtc")}

	if err := c.addTransceivers(cfg); err != nil {
		pc.Close()
		return nil, err
	}

	if cfg.DataChannel != "" {
		dc, err := newDataChannel(pc, cfg.DataChannel)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		c.watchDataChannel(dc, e.onOpen)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info("remote %s track (%s)", track.Kind(), track.Codec().MimeType)
	})

	return c, nil
}

func iceServers(servers []signaling.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// newDataChannel creates a pre-negotiated DataChannel (ID 0). Both roles
// create it independently, so neither side depends on OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection, label string) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}
