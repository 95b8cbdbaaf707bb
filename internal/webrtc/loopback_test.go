package webrtc_test

import (
	"context"
	"testing"
	"time"

	"github.com/pion/transport/v4/vnet"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/trickle/internal/signaling"
	"github.com/1ureka/trickle/internal/webrtc"
)

// newVNet returns two hosts on an in-process virtual network.
func newVNet(t *testing.T) (a, b *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: webrtc.NewLoggerFactory(),
	})
	require.NoError(t, err)

	a, err = vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	b, err = vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	require.NoError(t, err)

	require.NoError(t, router.AddNet(a))
	require.NoError(t, router.AddNet(b))
	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })

	return a, b
}

// link delivers every message through the JSON envelope to *peer.
func link(peer **signaling.Orchestrator) signaling.Sender {
	return signaling.SenderFunc(func(ctx context.Context, msg signaling.Message) error {
		frame, err := signaling.Encode(msg)
		if err != nil {
			return err
		}
		decoded, err := signaling.Decode(frame)
		if err != nil {
			return err
		}
		(*peer).HandleMessage(decoded)
		return nil
	})
}

func TestLoopbackNegotiation(t *testing.T) {
	netA, netB := newVNet(t)

	opened := make(chan string, 2)
	newEngine := func(n *vnet.Net, name string) *webrtc.Engine {
		e, err := webrtc.NewEngine(webrtc.Options{
			Configure:         func(se *pionwebrtc.SettingEngine) { se.SetNet(n) },
			OnDataChannelOpen: func(*pionwebrtc.DataChannel) { opened <- name },
		})
		require.NoError(t, err)
		return e
	}

	media := signaling.MediaConfig{DataChannel: "loopback"}

	var initiator, responder *signaling.Orchestrator
	var err error
	initiator, err = signaling.New(signaling.Config{
		SessionID: "loopback",
		Role:      signaling.RoleInitiator,
		Engine:    newEngine(netA, "initiator"),
		Sender:    link(&responder),
		Media:     media,
	})
	require.NoError(t, err)
	responder, err = signaling.New(signaling.Config{
		SessionID: "loopback",
		Role:      signaling.RoleResponder,
		Engine:    newEngine(netB, "responder"),
		Sender:    link(&initiator),
		Media:     media,
	})
	require.NoError(t, err)
	defer initiator.Close()
	defer responder.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, responder.Start(ctx))
	require.NoError(t, initiator.Start(ctx))

	require.Eventually(t, func() bool {
		return initiator.State() == signaling.StateConnected && responder.State() == signaling.StateConnected
	}, 10*time.Second, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		select {
		case <-opened:
		case <-time.After(20 * time.Second):
			t.Fatalf("data channels not open (initiator %s, responder %s)", initiator.State(), responder.State())
		}
	}

	require.NoError(t, initiator.Err())
	require.NoError(t, responder.Err())
}
