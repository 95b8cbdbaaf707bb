package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/trickle/internal/metrics"
	"github.com/1ureka/trickle/internal/util"
)

// Config configures an Orchestrator.
type Config struct {
	SessionID string
	Role      Role
	Engine    Engine
	Sender    Sender
	Media     MediaConfig

	// CandidateCacheSize bounds the candidate keys remembered from earlier
	// rounds. The current round is tracked without a bound. Zero means
	// DefaultCandidateCacheSize.
	CandidateCacheSize int

	// DisableRemoteRenegotiation makes a connected responder reject a new
	// offer as a protocol violation instead of starting a new round.
	DisableRemoteRenegotiation bool

	Metrics *metrics.Metrics

	// OnStateChange is called after every transition, outside the session lock.
	OnStateChange func(from, to State)

	// OnViolation is called for every discarded protocol violation.
	OnViolation func(err error)
}

// Orchestrator runs the signaling state machine of one session. Events are
// accepted from any goroutine and processed one at a time, in arrival order,
// by the session loop.
type Orchestrator struct {
	id     string
	role   Role
	engine Engine
	sender Sender
	media  MediaConfig

	disableRemoteRenegotiation bool

	metrics       *metrics.Metrics
	log           util.Logger
	onStateChange func(from, to State)
	onViolation   func(error)

	inbox  *inbox
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the session loop.
	filter           *candidateFilter
	offerOutstanding bool
	localClosed      bool
	appliedRemote    map[uint64]struct{}

	mu        sync.Mutex
	state     State
	started   bool
	round     int
	localSet  bool
	remoteSet bool
	pending   candidateQueue
	conn      Connection
	err       error
}

// New creates an idle Orchestrator. Start begins the negotiation.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, errors.New("signaling: engine is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("signaling: sender is required")
	}
	if cfg.Role != RoleInitiator && cfg.Role != RoleResponder {
		return nil, fmt.Errorf("signaling: invalid role %q", cfg.Role)
	}

	filter, err := newCandidateFilter(cfg.CandidateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("signaling: candidate cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		id:                         cfg.SessionID,
		role:                       cfg.Role,
		engine:                     cfg.Engine,
		sender:                     cfg.Sender,
		media:                      cfg.Media,
		disableRemoteRenegotiation: cfg.DisableRemoteRenegotiation,
		metrics:                    cfg.Metrics,
		log:                        util.Scoped(cfg.SessionID),
		onStateChange:              cfg.OnStateChange,
		onViolation:                cfg.OnViolation,
		inbox:                      newInbox(),
		ctx:                        ctx,
		cancel:                     cancel,
		done:                       make(chan struct{}),
		filter:                     filter,
		appliedRemote:              make(map[uint64]struct{}),
		state:                      StateIdle,
		round:                      1,
	}, nil
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.id }

// Role returns the side of the negotiation this session plays.
func (o *Orchestrator) Role() Role { return o.role }

// State returns the current negotiation state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Done is closed once the session reaches Closed.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Err returns the error that closed the session, or nil after a clean close.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Snapshot returns the session's negotiation progress.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		ID:                   o.id,
		Role:                 o.role,
		State:                o.state,
		Round:                o.round,
		LocalDescriptionSet:  o.localSet,
		RemoteDescriptionSet: o.remoteSet,
		PendingCandidates:    o.pending.len(),
	}
}

// Start launches the session loop. The initiator opens its connection and
// sends the offer; the responder opens its connection and waits for one.
// Cancelling ctx closes the session.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.state == StateClosed:
		o.mu.Unlock()
		return ErrClosed
	case o.started:
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.mu.Unlock()

	o.metrics.SessionOpened(string(o.role))
	o.log.Debug("starting as %s", o.role)

	go o.watch(ctx)
	go o.run()
	return nil
}

// HandleMessage queues an inbound message. It never blocks; messages for a
// closed session are discarded.
func (o *Orchestrator) HandleMessage(msg Message) {
	o.enqueue(event{kind: eventMessage, msg: msg})
}

// Renegotiate starts a new negotiation round from Connected. Only the
// initiator can renegotiate.
func (o *Orchestrator) Renegotiate(opts OfferOptions) error {
	if o.role != RoleInitiator {
		return ErrNotInitiator
	}
	switch s := o.State(); s {
	case StateConnected:
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, s)
	}
	o.enqueue(event{kind: eventRenegotiate, offerOpts: opts})
	return nil
}

// Close tears the session down. Outstanding adapter calls are cancelled and
// their results ignored. Safe to call more than once and from any goroutine.
func (o *Orchestrator) Close() {
	o.closeWith(nil)
}

// CloseWithError tears the session down and records err as the cause.
func (o *Orchestrator) CloseWithError(err error) {
	o.closeWith(err)
}

func (o *Orchestrator) closeWith(err error) {
	o.mu.Lock()
	from := o.state
	if from == StateClosed {
		o.mu.Unlock()
		return
	}
	o.state = StateClosed
	o.err = err
	started := o.started
	conn := o.conn
	pending := len(o.pending.drain())
	o.mu.Unlock()

	o.cancel()
	dropped := o.inbox.discard()

	if conn != nil {
		if cerr := conn.Close(); cerr != nil {
			o.log.Debug("close connection: %v", cerr)
		}
	}

	if err != nil {
		o.log.Error("session closed: %v", err)
	} else {
		o.log.Info("session closed")
	}
	if dropped > 0 || pending > 0 {
		o.log.Debug("discarded %d queued events and %d pending candidates", dropped, pending)
	}

	if started {
		reason := "ok"
		if k := KindOf(err); k != "" {
			reason = string(k)
		}
		o.metrics.SessionClosed(reason)
	}

	o.notify(from, StateClosed)
	close(o.done)
}

// watch closes the session when the caller's context ends.
func (o *Orchestrator) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		o.log.Debug("context done: %v", ctx.Err())
		o.Close()
	case <-o.done:
	}
}

// run is the session loop. It opens the connection, then drains the inbox
// until the session closes.
func (o *Orchestrator) run() {
	o.open()

	for {
		for !o.isClosed() {
			e, ok := o.inbox.pop()
			if !ok {
				break
			}
			o.dispatch(e)
		}

		select {
		case <-o.inbox.ready():
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) open() {
	conn, err := o.engine.Open(o.ctx, o.media)
	if !o.check(err, KindMediaEngine, "open") {
		if err == nil && conn != nil {
			conn.Close()
		}
		return
	}
	if !o.commit(func() { o.conn = conn }) {
		conn.Close()
		return
	}

	conn.OnLocalCandidate(func(c *Candidate) {
		o.enqueue(event{kind: eventLocalCandidate, candidate: c})
	})
	conn.OnConnectionStateChange(func(s ConnectionState) {
		o.enqueue(event{kind: eventConnectionState, connState: s})
	})

	if o.role == RoleInitiator {
		o.offer(OfferOptions{}, StateNegotiating, StateAwaitingAnswer)
		return
	}
	o.transition(StateAwaitingOffer)
}

func (o *Orchestrator) dispatch(e event) {
	switch e.kind {
	case eventMessage:
		o.handleMessage(e.msg)
	case eventLocalCandidate:
		o.handleLocalCandidate(e.candidate)
	case eventConnectionState:
		o.handleConnectionState(e.connState)
	case eventRenegotiate:
		o.handleRenegotiate(e.offerOpts)
	}
}

func (o *Orchestrator) handleMessage(msg Message) {
	if msg == nil {
		o.violation("nil message")
		return
	}
	o.metrics.Message(metrics.DirectionIn, string(msg.Type()))

	switch m := msg.(type) {
	case SdpOffer:
		o.handleOffer(m.Description)
	case SdpAnswer:
		o.handleAnswer(m.Description)
	case IceCandidate:
		o.handleRemoteCandidate(m.Candidate)
	default:
		o.violation("unsupported message %T", msg)
	}
}

// handleRemoteCandidate applies c when the remote description is set and
// queues it otherwise.
func (o *Orchestrator) handleRemoteCandidate(c *Candidate) {
	if o.filter.duplicate(c) {
		o.log.Debug("duplicate candidate dropped")
		o.metrics.DuplicateDropped("candidate")
		return
	}

	queued := false
	if !o.commit(func() {
		if !o.remoteSet {
			o.pending.push(c)
			queued = true
		}
	}) {
		return
	}

	if queued {
		o.log.Debug("candidate queued until the remote description is set")
		o.metrics.CandidateBuffered()
		return
	}
	o.applyCandidates([]*Candidate{c})
}

// applyRemote marks the remote description as set and replays the queued
// candidates in arrival order.
func (o *Orchestrator) applyRemote(d Description) bool {
	o.appliedRemote[descriptionKey(d)] = struct{}{}

	var queued []*Candidate
	if !o.commit(func() {
		o.remoteSet = true
		queued = o.pending.drain()
	}) {
		return false
	}

	if len(queued) > 0 {
		o.log.Debug("applying %d queued candidates", len(queued))
	}
	return o.applyCandidates(queued)
}

func (o *Orchestrator) applyCandidates(cs []*Candidate) bool {
	for _, c := range cs {
		err := o.conn.AddICECandidate(o.ctx, c)
		if !o.check(err, KindCandidateRejected, "addIceCandidate") {
			return false
		}
	}
	return true
}

// handleLocalCandidate forwards a gathered candidate. The nil end-of-candidates
// marker is forwarded once and closes the local stream until the next round.
func (o *Orchestrator) handleLocalCandidate(c *Candidate) {
	if o.localClosed {
		o.log.Debug("local candidate after end of candidates dropped")
		return
	}
	if c == nil {
		o.localClosed = true
	}
	o.send(IceCandidate{Candidate: c})
}

func (o *Orchestrator) handleConnectionState(s ConnectionState) {
	switch s {
	case ConnectionStateConnected:
		o.log.Info("media connection established")
	case ConnectionStateFailed:
		o.closeWith(newError(KindMediaEngine, "connection", ErrConnectionFailed))
	case ConnectionStateClosed:
		o.closeWith(newError(KindMediaEngine, "connection", ErrConnectionClosed))
	default:
		o.log.Debug("connection state: %s", s)
	}
}

// beginRound starts a new negotiation round. Flags are reset, stale queued
// candidates are dropped, the filter retires this round's keys and the local
// candidate stream is reopened.
func (o *Orchestrator) beginRound() bool {
	var from State
	var round int
	if !o.commit(func() {
		from = o.state
		o.state = StateRenegotiating
		o.round++
		round = o.round
		o.localSet, o.remoteSet = false, false
		o.pending.drain()
	}) {
		return false
	}

	o.filter.reset()
	o.localClosed = false
	o.offerOutstanding = false

	o.metrics.Renegotiation()
	o.log.Info("starting negotiation round %d", round)
	o.notify(from, StateRenegotiating)
	return true
}

func (o *Orchestrator) send(msg Message) bool {
	err := o.sender.Send(o.ctx, msg)
	if !o.check(err, KindTransportFailure, "send "+string(msg.Type())) {
		return false
	}
	o.metrics.Message(metrics.DirectionOut, string(msg.Type()))
	return true
}

// check reports whether the loop may continue after an adapter or transport
// call that returned err. A failure closes the session; a result that
// arrives after Close is ignored.
func (o *Orchestrator) check(err error, kind Kind, op string) bool {
	if o.isClosed() {
		if err != nil {
			o.log.Debug("%s finished after close: %v", op, err)
		}
		return false
	}
	if err != nil {
		o.closeWith(newError(kind, op, err))
		return false
	}
	return true
}

func (o *Orchestrator) violation(format string, args ...interface{}) {
	err := protocolViolation("handle", format, args...)
	o.log.Warn("%v", err)
	o.metrics.ProtocolViolation()
	if o.onViolation != nil {
		o.onViolation(err)
	}
}

// commit applies fn under the session lock unless the session is closed.
func (o *Orchestrator) commit(fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateClosed {
		return false
	}
	fn()
	return true
}

func (o *Orchestrator) transition(to State) bool {
	o.mu.Lock()
	from := o.state
	if from == StateClosed {
		o.mu.Unlock()
		return false
	}
	o.state = to
	o.mu.Unlock()

	if from != to {
		o.notify(from, to)
	}
	return true
}

func (o *Orchestrator) notify(from, to State) {
	o.log.Debug("%s -> %s", from, to)
	if o.onStateChange != nil {
		o.onStateChange(from, to)
	}
}

func (o *Orchestrator) enqueue(e event) {
	if o.isClosed() {
		return
	}
	o.inbox.push(e)
}

func (o *Orchestrator) isClosed() bool {
	return o.State() == StateClosed
}

func descriptionKey(d Description) uint64 {
	return util.Hash(string(d.Type), d.SDP)
}
