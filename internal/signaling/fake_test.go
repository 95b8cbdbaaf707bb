package signaling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Compile-time interface checks.
var (
	_ Engine     = (*mockEngine)(nil)
	_ Connection = (*mockConn)(nil)
	_ Sender     = (*mockSender)(nil)
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// mockEngine hands out a single prepared mockConn.
type mockEngine struct {
	conn *mockConn
	err  error

	mu    sync.Mutex
	media []MediaConfig
}

func (e *mockEngine) Open(ctx context.Context, cfg MediaConfig) (Connection, error) {
	e.mu.Lock()
	e.media = append(e.media, cfg)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.conn, nil
}

// mockConn records every adapter call in order as "op detail" strings.
// Calls can be made to fail or to block until released, which simulates an
// outstanding asynchronous operation.
type mockConn struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]error
	gates     map[string]chan struct{}
	offers    int
	answers   int
	offerOpts []OfferOptions
	onLocal   func(*Candidate)
	onState   func(ConnectionState)
	closed    bool

	entered chan string
}

func newMockConn() *mockConn {
	return &mockConn{
		fail:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 64),
	}
}

// failOn makes every later call to op return err.
func (c *mockConn) failOn(op string, err error) {
	c.mu.Lock()
	c.fail[op] = err
	c.mu.Unlock()
}

// block makes the next calls to op wait until release is called.
func (c *mockConn) block(op string) (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.gates[op] = ch
	c.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (c *mockConn) do(op, detail string) error {
	c.mu.Lock()
	if detail != "" {
		c.calls = append(c.calls, op+" "+detail)
	} else {
		c.calls = append(c.calls, op)
	}
	gate := c.gates[op]
	err := c.fail[op]
	c.mu.Unlock()

	if gate != nil {
		c.entered <- op
		<-gate
	}
	return err
}

func (c *mockConn) CreateOffer(ctx context.Context, opts OfferOptions) (Description, error) {
	if err := c.do("createOffer", ""); err != nil {
		return Description{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	c.offerOpts = append(c.offerOpts, opts)
	return Description{Type: SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", c.offers)}, nil
}

func (c *mockConn) CreateAnswer(ctx context.Context) (Description, error) {
	if err := c.do("createAnswer", ""); err != nil {
		return Description{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers++
	return Description{Type: SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", c.answers)}, nil
}

func (c *mockConn) SetLocalDescription(ctx context.Context, d Description) error {
	return c.do("setLocalDescription", d.SDP)
}

func (c *mockConn) SetRemoteDescription(ctx context.Context, d Description) error {
	return c.do("setRemoteDescription", d.SDP)
}

func (c *mockConn) AddICECandidate(ctx context.Context, cand *Candidate) error {
	return c.do("addIceCandidate", candidateLabel(cand))
}

func (c *mockConn) OnLocalCandidate(fn func(*Candidate)) {
	c.mu.Lock()
	c.onLocal = fn
	c.mu.Unlock()
}

func (c *mockConn) OnConnectionStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.calls = append(c.calls, "close")
	c.mu.Unlock()
	return nil
}

// emitLocal simulates the media engine gathering a local candidate.
func (c *mockConn) emitLocal(cand *Candidate) {
	c.mu.Lock()
	fn := c.onLocal
	c.mu.Unlock()
	fn(cand)
}

func (c *mockConn) emitState(s ConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(s)
}

func (c *mockConn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *mockConn) count(call string) int {
	n := 0
	for _, got := range c.Calls() {
		if got == call {
			n++
		}
	}
	return n
}

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) lastOfferOptions() OfferOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offerOpts[len(c.offerOpts)-1]
}

// mockSender records outbound messages.
type mockSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *mockSender) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *mockSender) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func (s *mockSender) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type harness struct {
	o      *Orchestrator
	conn   *mockConn
	engine *mockEngine
	sender *mockSender

	mu         sync.Mutex
	violations []error
}

func newHarness(t *testing.T, role Role, opts ...func(*Config)) *harness {
	t.Helper()

	h := &harness{conn: newMockConn(), sender: &mockSender{}}
	h.engine = &mockEngine{conn: h.conn}

	cfg := Config{
		SessionID: "test-" + string(role),
		Role:      role,
		Engine:    h.engine,
		Sender:    h.sender,
		OnViolation: func(err error) {
			h.mu.Lock()
			h.violations = append(h.violations, err)
			h.mu.Unlock()
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	o, err := New(cfg)
	require.NoError(t, err)
	h.o = o
	t.Cleanup(o.Close)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.Start(context.Background()))
}

func (h *harness) Violations() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.violations...)
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.o.State() == s }, waitFor, tick,
		"state is %s, want %s", h.o.State(), s)
}

// waitCall waits until the connection has recorded call n times.
func (h *harness) waitCall(t *testing.T, call string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.conn.count(call) >= n }, waitFor, tick,
		"calls so far: %v", h.conn.Calls())
}

// barrier queues a marker candidate and waits until the session loop applied
// it, so every event queued before it has been processed.
func (h *harness) barrier(t *testing.T, marker string) {
	t.Helper()
	h.o.HandleMessage(IceCandidate{Candidate: cand(marker)})
	h.waitCall(t, "addIceCandidate "+marker, 1)
}

// connectInitiator starts an initiator and completes the first round with
// answer-1.
func (h *harness) connectInitiator(t *testing.T) {
	t.Helper()
	h.start(t)
	h.waitState(t, StateAwaitingAnswer)
	h.o.HandleMessage(SdpAnswer{Description: answerDesc("answer-1")})
	h.waitState(t, StateConnected)
}

// connectResponder starts a responder and completes the first round with
// offer-1.
func (h *harness) connectResponder(t *testing.T) {
	t.Helper()
	h.start(t)
	h.waitState(t, StateAwaitingOffer)
	h.o.HandleMessage(SdpOffer{Description: offerDesc("offer-1")})
	h.waitState(t, StateConnected)
}

func cand(line string) *Candidate {
	return &Candidate{Candidate: line}
}

func candidateLabel(c *Candidate) string {
	switch {
	case c == nil:
		return "null"
	case c.Candidate == "":
		return "empty"
	default:
		return c.Candidate
	}
}

func offerDesc(sdp string) Description  { return Description{Type: SDPTypeOffer, SDP: sdp} }
func answerDesc(sdp string) Description { return Description{Type: SDPTypeAnswer, SDP: sdp} }
