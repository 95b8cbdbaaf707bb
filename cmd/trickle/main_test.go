package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/trickle/internal/config"
	"github.com/1ureka/trickle/internal/signaling"
)

func TestNormalizeRelayURL(t *testing.T) {
	testCases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "ws://localhost:8080", want: "ws://localhost:8080"},
		{raw: " http://localhost:8080/ignored ", want: "ws://localhost:8080"},
		{raw: "https://relay.example.org", want: "wss://relay.example.org"},
		{raw: "wss://relay.example.org/ws", want: "wss://relay.example.org"},
		{raw: "ftp://relay.example.org", want: "wss://relay.example.org"},
		{raw: "relay.example.org", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := normalizeRelayURL(tc.raw)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSessionURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws/abc?role=initiator",
		sessionURL("ws://localhost:8080", "abc", signaling.RoleInitiator))
	assert.Equal(t, "wss://relay/ws/a%2Fb?role=responder",
		sessionURL("wss://relay", "a/b", signaling.RoleResponder))
}

func TestFlagsOverrideConfig(t *testing.T) {
	t.Setenv("TRICKLE_RELAY_MAX_MESSAGE_BYTES", "1024")

	a := &app{v: config.NewViper()}
	root := newRootCmd(a)
	relayCmd, _, err := root.Find([]string{"relay"})
	require.NoError(t, err)
	require.NoError(t, relayCmd.ParseFlags([]string{"--listen", ":9999", "--max-pending", "3"}))

	require.NoError(t, root.PersistentPreRunE(relayCmd, nil))

	assert.Equal(t, ":9999", a.cfg.Relay.Listen)
	assert.Equal(t, 3, a.cfg.Relay.MaxPendingFrames)
	assert.EqualValues(t, 1024, a.cfg.Relay.MaxMessageBytes)
	assert.False(t, a.cfg.Log.Debug)
}

func TestSessionCommands(t *testing.T) {
	root := newRootCmd(&app{v: config.NewViper()})

	offer, _, err := root.Find([]string{"offer"})
	require.NoError(t, err)
	assert.NotNil(t, offer.Flags().Lookup("renegotiate-after"))

	answer, _, err := root.Find([]string{"answer"})
	require.NoError(t, err)
	assert.Nil(t, answer.Flags().Lookup("renegotiate-after"))
	assert.NotNil(t, answer.Flags().Lookup("session"))
}
