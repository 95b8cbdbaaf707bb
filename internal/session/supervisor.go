// Package session owns the orchestrators of a process: one per session id,
// each fed by its own signaling channel.
package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/trickle/internal/metrics"
	"github.com/1ureka/trickle/internal/signaling"
	"github.com/1ureka/trickle/internal/transport"
	"github.com/1ureka/trickle/internal/util"
)

var (
	ErrSessionExists  = errors.New("session already exists")
	ErrUnknownSession = errors.New("unknown session")
	ErrShutdown       = errors.New("supervisor shut down")
)

// Options holds the defaults applied to every session.
type Options struct {
	Media                      signaling.MediaConfig
	CandidateCacheSize         int
	DisableRemoteRenegotiation bool

	Metrics *metrics.Metrics
	Stats   *util.Stats

	// OnStateChange is called for every transition of every session.
	OnStateChange func(id string, from, to signaling.State)

	// OnSessionEnd is called once per session after it has been removed;
	// err is nil after a clean close.
	OnSessionEnd func(id string, err error)
}

// Supervisor creates, routes to and tears down orchestrators.
type Supervisor struct {
	engine signaling.Engine
	opts   Options
	stats  *util.Stats

	mu       sync.Mutex
	sessions map[string]*entry
	shutdown bool
	wg       sync.WaitGroup
}

type entry struct {
	id      string
	orch    *signaling.Orchestrator
	channel transport.Channel
	cancel  context.CancelFunc
	log     util.Logger
	done    chan struct{} // closed once the session is removed

	// Set under Supervisor.mu once the entry is in the map. Hooks of a
	// rejected session stay silent.
	registered bool
}

func NewSupervisor(engine signaling.Engine, opts Options) *Supervisor {
	stats := opts.Stats
	if stats == nil {
		stats = &util.Stats{}
	}
	return &Supervisor{
		engine:   engine,
		opts:     opts,
		stats:    stats,
		sessions: make(map[string]*entry),
	}
}

func (s *Supervisor) Stats() *util.Stats { return s.stats }

// Open starts a session with role on ch. An empty id is replaced by a fresh
// UUID. media overrides the default media configuration when non-nil. The
// session ends when ctx is cancelled, the channel closes, or the
// orchestrator fails.
func (s *Supervisor) Open(ctx context.Context, id string, role signaling.Role, ch transport.Channel, media *signaling.MediaConfig) (*signaling.Orchestrator, error) {
	if id == "" {
		id = uuid.NewString()
	}
	cfgMedia := s.opts.Media
	if media != nil {
		cfgMedia = *media
	}

	s.mu.Lock()
	err := s.admit(id)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e := &entry{id: id, channel: ch, log: util.Scoped(id), done: make(chan struct{})}

	orch, err := signaling.New(signaling.Config{
		SessionID:                  id,
		Role:                       role,
		Engine:                     s.engine,
		Sender:                     s.sender(ch),
		Media:                      cfgMedia,
		CandidateCacheSize:         s.opts.CandidateCacheSize,
		DisableRemoteRenegotiation: s.opts.DisableRemoteRenegotiation,
		Metrics:                    s.opts.Metrics,
		OnViolation:                func(error) { s.stats.AddViolation() },
		OnStateChange: func(from, to signaling.State) {
			if e.registered && s.opts.OnStateChange != nil {
				s.opts.OnStateChange(id, from, to)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	e.orch = orch

	// Another Open may have taken id, or Shutdown run, while New was busy.
	s.mu.Lock()
	if err := s.admit(id); err != nil {
		s.mu.Unlock()
		orch.Close()
		return nil, err
	}
	e.registered = true
	s.sessions[id] = e
	s.wg.Add(2)
	s.mu.Unlock()

	s.stats.AddSession()
	e.log.Info("session opened as %s", role)

	sctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	go s.reap(e)
	if err := orch.Start(sctx); err != nil {
		orch.CloseWithError(err)
	}
	go s.readLoop(sctx, e)

	return orch, nil
}

// admit reports whether a session named id may be added. Callers hold s.mu.
func (s *Supervisor) admit(id string) error {
	switch {
	case s.shutdown:
		return ErrShutdown
	case s.sessions[id] != nil:
		return ErrSessionExists
	}
	return nil
}

func (s *Supervisor) sender(ch transport.Channel) signaling.Sender {
	return signaling.SenderFunc(func(ctx context.Context, msg signaling.Message) error {
		frame, err := signaling.Encode(msg)
		if err != nil {
			return err
		}
		if err := ch.Send(ctx, frame); err != nil {
			return err
		}
		s.stats.AddSent()
		return nil
	})
}

// readLoop feeds frames from the channel to the orchestrator until either
// side ends.
func (s *Supervisor) readLoop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	for {
		frame, err := e.channel.Recv(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				e.log.Info("signaling channel closed by peer")
				e.orch.Close()
			default:
				e.orch.CloseWithError(&signaling.Error{Kind: signaling.KindTransportFailure, Op: "recv", Err: err})
			}
			return
		}

		s.stats.AddRecv()
		s.deliver(e, frame)
	}
}

// deliver decodes a frame at the boundary. Malformed frames are dropped.
func (s *Supervisor) deliver(e *entry, frame []byte) {
	msg, err := signaling.Decode(frame)
	if err != nil {
		e.log.Warn("dropping frame: %v", err)
		s.stats.AddViolation()
		s.opts.Metrics.ProtocolViolation()
		return
	}
	e.orch.HandleMessage(msg)
}

// reap waits for the orchestrator to close, then releases the channel and
// the map entry.
func (s *Supervisor) reap(e *entry) {
	defer s.wg.Done()

	<-e.orch.Done()
	e.cancel()
	if err := e.channel.Close(); err != nil {
		e.log.Debug("close channel: %v", err)
	}

	s.mu.Lock()
	if s.sessions[e.id] == e {
		delete(s.sessions, e.id)
	}
	s.mu.Unlock()

	s.stats.RemoveSession()
	close(e.done)

	if s.opts.OnSessionEnd != nil {
		s.opts.OnSessionEnd(e.id, e.orch.Err())
	}
}

func (s *Supervisor) lookup(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return e, nil
}

// Route decodes and delivers a frame for a session whose channel is read
// elsewhere.
func (s *Supervisor) Route(id string, frame []byte) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.stats.AddRecv()
	s.deliver(e, frame)
	return nil
}

func (s *Supervisor) Renegotiate(id string, opts signaling.OfferOptions) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	return e.orch.Renegotiate(opts)
}

// Close tears a session down and waits until it has been removed.
func (s *Supervisor) Close(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.orch.Close()
	<-e.done
	return nil
}

func (s *Supervisor) Get(id string) (*signaling.Orchestrator, bool) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, false
	}
	return e.orch, true
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes every session and waits for their goroutines. Later calls
// to Open fail with ErrShutdown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.orch.Close()
	}
	s.wg.Wait()
}
