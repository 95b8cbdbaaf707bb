// Package relay is a WebSocket rendezvous for signaling. Each session id
// names a room with one slot per role; frames are forwarded verbatim to the
// other role.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/1ureka/trickle/internal/metrics"
	"github.com/1ureka/trickle/internal/signaling"
	"github.com/1ureka/trickle/internal/util"
)

const (
	DefaultMaxMessageBytes  = 64 * 1024
	DefaultMaxPendingFrames = 64

	writeWait = 5 * time.Second
)

// Close reasons sent to participants.
const (
	reasonRoleTaken   = "role already connected"
	reasonPeerLeft    = "peer left"
	reasonBufferFull  = "too many frames before peer joined"
	reasonServerClose = "relay shutting down"
)

type Options struct {
	// MaxMessageBytes bounds one inbound frame.
	MaxMessageBytes int64
	// MaxPendingFrames bounds the frames buffered for a role that has not
	// joined yet.
	MaxPendingFrames int

	Metrics *metrics.Metrics
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

// Server pairs participants by session id.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	router   *gin.Engine

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

type room struct {
	id      string
	peers   map[signaling.Role]*participant
	pending map[signaling.Role][][]byte // keyed by recipient
}

type participant struct {
	role signaling.Role
	conn *websocket.Conn
	log  util.Logger

	wmu sync.Mutex
}

func New(opts Options) *Server {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.MaxPendingFrames <= 0 {
		opts.MaxPendingFrames = DefaultMaxPendingFrames
	}

	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.GET("/ws/:session", s.handleWS)
	r.GET("/healthz", s.handleHealth)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(opts.Gatherer)))
	}
	s.router = r

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Rooms returns the number of open rooms.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// ListenAndServe serves on addr until ctx is cancelled, then closes every
// participant.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{Handler: s.router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.Close()
	}()

	util.LogInfo("relay listening on %s", listener.Addr())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects every participant and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var all []*participant
	for id, r := range s.rooms {
		for _, p := range r.peers {
			all = append(all, p)
		}
		delete(s.rooms, id)
		s.opts.Metrics.RoomClosed()
	}
	s.mu.Unlock()

	for _, p := range all {
		p.close(websocket.CloseGoingAway, reasonServerClose)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": s.Rooms()})
}

func (s *Server) handleWS(c *gin.Context) {
	id := c.Param("session")
	role, err := signaling.ParseRole(c.Query("role"))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogDebug("[%s] upgrade failed: %v", id, err)
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	p := &participant{role: role, conn: conn, log: util.Scoped(id + "/" + string(role))}
	r, err := s.join(id, p)
	if err != nil {
		p.close(websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer conn.Close()
	p.log.Info("joined")

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Warn("read: %v", err)
			}
			break
		}
		if !s.forward(r, p, frame) {
			p.close(websocket.ClosePolicyViolation, reasonBufferFull)
			break
		}
	}

	s.leave(r, p)
	p.log.Info("left")
}

// join places p in the room for id and flushes the frames buffered for it.
// The flush holds p's write lock so later forwards cannot overtake it.
func (s *Server) join(id string, p *participant) (*room, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New(reasonServerClose)
	}

	r, ok := s.rooms[id]
	if !ok {
		r = &room{
			id:      id,
			peers:   make(map[signaling.Role]*participant, 2),
			pending: make(map[signaling.Role][][]byte, 2),
		}
		s.rooms[id] = r
		s.opts.Metrics.RoomOpened()
	}
	if r.peers[p.role] != nil {
		s.mu.Unlock()
		return nil, errors.New(reasonRoleTaken)
	}

	r.peers[p.role] = p
	backlog := r.pending[p.role]
	delete(r.pending, p.role)

	p.wmu.Lock()
	s.mu.Unlock()
	defer p.wmu.Unlock()

	if len(backlog) > 0 {
		p.log.Debug("flushing %d buffered frames", len(backlog))
	}
	for _, frame := range backlog {
		if err := p.writeLocked(frame); err != nil {
			p.log.Debug("flush: %v", err)
			break
		}
		s.opts.Metrics.FrameForwarded()
	}
	return r, nil
}

// forward delivers frame to the other role or buffers it until that role
// joins. It reports false when the buffer is full.
func (s *Server) forward(r *room, from *participant, frame []byte) bool {
	to := from.role.Peer()

	s.mu.Lock()
	peer := r.peers[to]
	if peer == nil {
		if len(r.pending[to]) >= s.opts.MaxPendingFrames {
			s.mu.Unlock()
			from.log.Warn("%s has not joined and %d frames are already buffered", to, s.opts.MaxPendingFrames)
			return false
		}
		r.pending[to] = append(r.pending[to], frame)
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	if err := peer.write(frame); err != nil {
		from.log.Debug("forward to %s: %v", to, err)
		return true
	}
	s.opts.Metrics.FrameForwarded()
	return true
}

// leave removes p and the room. The remaining participant, if any, is told
// that its peer left.
func (s *Server) leave(r *room, p *participant) {
	s.mu.Lock()
	if r.peers[p.role] != p {
		s.mu.Unlock()
		return
	}
	delete(r.peers, p.role)
	peer := r.peers[p.role.Peer()]
	delete(r.peers, p.role.Peer())
	removed := s.rooms[r.id] == r
	if removed {
		delete(s.rooms, r.id)
	}
	s.mu.Unlock()

	if removed {
		s.opts.Metrics.RoomClosed()
	}
	if peer != nil {
		peer.close(websocket.CloseGoingAway, reasonPeerLeft)
	}
}

func (p *participant) write(frame []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.writeLocked(frame)
}

func (p *participant) writeLocked(frame []byte) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

func (p *participant) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	p.conn.Close()
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		util.LogDebug("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
