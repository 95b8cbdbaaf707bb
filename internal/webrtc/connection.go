package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/trickle/internal/signaling"
	"github.com/1ureka/trickle/internal/util"
)

// Connection wraps a single PeerConnection. pion's calls are synchronous;
// ctx is only checked before each call.
type Connection struct {
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	log util.Logger

	openOnce   sync.Once
	openSignal chan struct{}
}

var _ signaling.Connection = (*Connection)(nil)

func (c *Connection) addTransceivers(cfg signaling.MediaConfig) error {
	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}

	if cfg.ReceiveAudio {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if cfg.ReceiveVideo {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

// watchDataChannel closes Ready once dc opens.
func (c *Connection) watchDataChannel(dc *webrtc.DataChannel, onOpen func(*webrtc.DataChannel)) {
	c.dc = dc
	c.openSignal = make(chan struct{})

	dc.OnOpen(func() {
		c.openOnce.Do(func() {
			c.log.Info("data channel %q open", dc.Label())
			close(c.openSignal)
			if onOpen != nil {
				onOpen(dc)
			}
		})
	})
	dc.OnClose(func() {
		c.log.Debug("data channel %q closed", dc.Label())
	})
}

// Ready returns a channel closed when the data channel is open. It is nil
// when the connection has no data channel.
func (c *Connection) Ready() <-chan struct{} {
	return c.openSignal
}

// DataChannel returns the negotiated data channel, if any.
func (c *Connection) DataChannel() *webrtc.DataChannel {
	return c.dc
}

func (c *Connection) CreateOffer(ctx context.Context, opts signaling.OfferOptions) (signaling.Description, error) {
	if err := ctx.Err(); err != nil {
		return signaling.Description{}, err
	}
	sd, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: opts.ICERestart})
	if err != nil {
		return signaling.Description{}, err
	}
	return fromSessionDescription(sd), nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (signaling.Description, error) {
	if err := ctx.Err(); err != nil {
		return signaling.Description{}, err
	}
	sd, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.Description{}, err
	}
	return fromSessionDescription(sd), nil
}

func (c *Connection) SetLocalDescription(ctx context.Context, d signaling.Description) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetLocalDescription(toSessionDescription(d))
}

func (c *Connection) SetRemoteDescription(ctx context.Context, d signaling.Description) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(toSessionDescription(d))
}

// AddICECandidate applies a remote candidate. nil maps to the empty
// candidate, which pion treats as end of candidates.
func (c *Connection) AddICECandidate(ctx context.Context, cand *signaling.Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pc.AddICECandidate(toCandidateInit(cand))
}

func (c *Connection) OnLocalCandidate(fn func(*signaling.Candidate)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			fn(nil)
			return
		}
		fn(fromCandidateInit(cand.ToJSON()))
	})
}

func (c *Connection) OnConnectionStateChange(fn func(signaling.ConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debug("PeerConnection state: %s", s)
		fn(connectionState(s))
	})
}

// Close shuts down the PeerConnection and its data channel.
func (c *Connection) Close() error {
	return c.pc.Close()
}

func toSessionDescription(d signaling.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}

func fromSessionDescription(sd webrtc.SessionDescription) signaling.Description {
	return signaling.Description{Type: signaling.SDPType(sd.Type.String()), SDP: sd.SDP}
}

func toCandidateInit(c *signaling.Candidate) webrtc.ICECandidateInit {
	if c == nil {
		return webrtc.ICECandidateInit{}
	}
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(init webrtc.ICECandidateInit) *signaling.Candidate {
	return &signaling.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func connectionState(s webrtc.PeerConnectionState) signaling.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return signaling.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return signaling.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return signaling.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return signaling.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return signaling.ConnectionStateClosed
	default:
		return signaling.ConnectionStateNew
	}
}
