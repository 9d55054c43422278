package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/gorelay/internal/protocol"
)

// State is a session's position in its lifecycle.
type State int32

const (
	// StateConnecting is the initial state, before credentials are checked.
	StateConnecting State = iota
	// StateAuthenticated means the session has an identity and is registered.
	StateAuthenticated
	// StateRejected is terminal: credential verification failed.
	StateRejected
	// StateClosed is terminal: the session has been torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client connection from upgrade to disconnect. Inbound
// frames are handled in arrival order by readPump; outbound events are
// queued on send and written in order by writePump.
type Session struct {
	id       string
	identity string
	addr     string
	conn     *websocket.Conn
	send     chan []byte
	srv      *Server
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

func newSession(srv *Server, addr string) *Session {
	id := uuid.NewString()
	rl := srv.cfg.RateLimit
	return &Session{
		id:      id,
		addr:    addr,
		send:    make(chan []byte, srv.cfg.Server.SendBuffer),
		srv:     srv,
		limiter: rate.NewLimiter(rate.Limit(float64(rl.Burst)/rl.RefillInterval.Seconds()), rl.Burst),
		logger: srv.logger.With(
			zap.String("session_id", id),
			zap.String("remote_addr", addr),
		),
		state: StateConnecting,
	}
}

// ID returns the session's unique handle.
func (s *Session) ID() string {
	return s.id
}

// Identity returns the authenticated identity, or "" before authentication.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// authenticate verifies the credential presented at connect time and binds
// the resulting identity. On failure the session becomes Rejected.
func (s *Session) authenticate(token, claimed string) error {
	identity, err := s.srv.verifier.Verify(token, claimed)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		return ErrSessionClosed
	}
	if err != nil {
		s.state = StateRejected
		return err
	}
	s.identity = identity
	s.logger = s.logger.With(zap.String("identity", identity))
	return nil
}

// activate attaches the upgraded connection, registers the identity and
// starts the pumps. It reports false if the server is shutting down.
func (s *Session) activate(conn *websocket.Conn) bool {
	conn.SetReadLimit(s.srv.cfg.Server.MaxMessageSize)

	s.mu.Lock()
	if s.state != StateConnecting || s.identity == "" {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.state = StateAuthenticated
	s.mu.Unlock()

	s.srv.registry.Register(s.identity, s)

	if !s.srv.hub.attach(s) {
		s.Close()
		s.closeConnection()
		return false
	}

	s.logger.Info("session authenticated")
	return true
}

// Push encodes ev and queues it for delivery. It never blocks: a session
// whose queue is full is treated as a slow consumer and closed.
func (s *Session) Push(ev protocol.Outbound) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	select {
	case s.send <- data:
		s.mu.Unlock()
		return nil
	default:
	}
	s.mu.Unlock()

	s.logger.Warn("send buffer full, closing slow session",
		zap.Int("buffer", cap(s.send)),
	)
	s.Close()
	return ErrSendBufferFull
}

// Close tears the session down exactly once: the identity is released if it
// still points here, the hub forgets the session and the outbound queue is
// closed so writePump can say goodbye and drop the connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		was := s.state
		if was != StateRejected {
			s.state = StateClosed
		}
		if was == StateAuthenticated {
			close(s.send)
		}
		s.mu.Unlock()

		if was != StateAuthenticated {
			return
		}

		s.srv.registry.Unregister(s.identity, s)
		s.srv.hub.detach(s)
		s.logger.Info("session closed")
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("error setting initial read deadline", zap.Error(err))
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.logger.Warn("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError records why the read loop stopped.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("message exceeded maximum size",
			zap.Int64("max_message_size", s.srv.cfg.Server.MaxMessageSize),
		)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.logger.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.logger.Info("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		s.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		s.logger.Warn("websocket read error", zap.Error(err))
	}
}

// allowFrame applies the per-session rate limit.
func (s *Session) allowFrame() bool {
	if s.limiter.Allow() {
		return true
	}
	s.logger.Warn("rate limit exceeded, discarding message",
		zap.Int("burst", s.srv.cfg.RateLimit.Burst),
		zap.Duration("refill_interval", s.srv.cfg.RateLimit.RefillInterval),
	)
	return false
}

// handleFrame decodes one inbound frame and dispatches it. The sender of a
// private message is always the session's own identity.
func (s *Session) handleFrame(raw []byte) {
	ev, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Warn("dropping invalid event", zap.Error(err))
		return
	}

	switch ev.Type {
	case protocol.TypePrivateMessage:
		if ev.Sender != "" && ev.Sender != s.identity {
			s.logger.Warn("ignoring client-supplied sender",
				zap.String("claimed_sender", ev.Sender),
			)
		}
		outcome := s.srv.router.Route(s.identity, ev.Recipient, ev.Message)
		s.logger.Debug("private message handled",
			zap.String("recipient", ev.Recipient),
			zap.Stringer("outcome", outcome),
		)
	case protocol.TypeServerMessage:
		s.logger.Debug("received message to server", zap.String("message", ev.Message))
		if err := s.Push(s.srv.router.Echo(ev.Message)); err != nil {
			s.logger.Warn("could not queue server reply", zap.Error(err))
		}
	}
}

func (s *Session) readPump() {
	defer s.Close()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}

		if !s.allowFrame() {
			continue
		}

		s.handleFrame(raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
		s.Close()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-s.send:
		return s.handleMessage(message, ok)
	case <-ticker.C:
		return s.handlePing()
	}
}

// closeConnection closes the websocket, ignoring errors caused by the peer
// having gone already.
func (s *Session) closeConnection() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("error closing connection", zap.Error(err))
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (s *Session) handleMessage(message []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Warn("error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return s.writeCloseMessage()
	}

	return s.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (s *Session) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug("error writing close message", zap.Error(err))
	}
	return false
}

// writeTextMessage writes message plus anything already queued behind it as
// one frame, newline separated.
func (s *Session) writeTextMessage(message []byte) bool {
	w, err := s.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		s.logger.Warn("error creating writer", zap.Error(err))
		return false
	}

	if !s.writeChunk(w, message) {
		return false
	}

	n := len(s.send)
	for i := 0; i < n; i++ {
		queued, ok := <-s.send
		if !ok {
			break
		}
		if !s.writeChunk(w, []byte{'\n'}) || !s.writeChunk(w, queued) {
			return false
		}
	}

	if err := w.Close(); err != nil {
		s.logger.Warn("error closing writer", zap.Error(err))
		return false
	}
	return true
}

func (s *Session) writeChunk(w io.Writer, data []byte) bool {
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("error writing message", zap.Error(err))
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger.Warn("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.logger.Warn("error writing ping message", zap.Error(err))
		return false
	}
	return true
}
