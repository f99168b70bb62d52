package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	// defaultWriteTimeout is the max time to wait for a single write to complete.
	defaultWriteTimeout = 5 * time.Second

	// defaultMaxPending bounds the buffer held while a session is connecting.
	defaultMaxPending = 256

	// defaultMaxQueue bounds the live output queue of a ready session.
	defaultMaxQueue = 1024
)

// Reasons a session was closed, used in logs and metrics.
const (
	reasonPeerClosed = "peer_closed"
	reasonReadError  = "read_error"
	reasonWriteError = "write_error"
	reasonOverflow   = "overflow"
	reasonIdle       = "idle"
	reasonShutdown   = "shutdown"
	reasonCapacity   = "capacity"
	reasonBadFrame   = "bad_frame"
)

// State is a session's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// SessionConfig bounds per-session buffering and I/O.
type SessionConfig struct {
	WriteTimeout time.Duration
	// MaxPending is the most payloads held before the session is ready.
	MaxPending int
	// MaxQueue is the most payloads waiting to be written once ready.
	MaxQueue int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxPending <= 0 {
		c.MaxPending = defaultMaxPending
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = defaultMaxQueue
	}
	return c
}

// Session is one connected client. It owns its connection and output queue;
// membership in the broadcast set belongs to the Hub, which the session only
// reaches through its onClose callback.
//
// Payloads are written by a single writer goroutine, one at a time, in the
// order they were enqueued. Payloads enqueued before the session is ready are
// held back and written first once it becomes ready.
type Session struct {
	id      string
	conn    Conn
	cfg     SessionConfig
	log     zerolog.Logger
	onClose func(s *Session, reason string)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	pending [][]byte
	queue   [][]byte
	// backlog counts the payloads at the head of queue that were placed there
	// by markReady. They do not count against MaxQueue.
	backlog int

	wake          chan struct{}
	writerStarted atomic.Bool
	writerDone    chan struct{}
	closeOnce     sync.Once
	lastActive    atomic.Int64
}

func newSession(parent context.Context, conn Conn, cfg SessionConfig, log zerolog.Logger, onClose func(*Session, string)) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:         id,
		conn:       conn,
		cfg:        cfg.withDefaults(),
		log:        log.With().Str("session", id).Logger(),
		onClose:    onClose,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateConnecting,
		wake:       make(chan struct{}, 1),
		writerDone: make(chan struct{}),
	}
	s.touch()
	return s
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enqueue schedules payload for delivery. It never blocks on I/O. Payloads
// sent to a closed session are dropped. A session whose buffer is full is
// closed rather than allowed to lose or reorder payloads.
func (s *Session) Enqueue(payload []byte) {
	s.mu.Lock()
	switch s.state {
	case StateConnecting:
		if len(s.pending) >= s.cfg.MaxPending {
			s.mu.Unlock()
			s.log.Warn().Int("pending", s.cfg.MaxPending).Msg("pending buffer full, closing session")
			s.closeWith(websocket.StatusTryAgainLater, "pending buffer full", reasonOverflow)
			return
		}
		s.pending = append(s.pending, payload)
		s.mu.Unlock()
	case StateReady:
		if len(s.queue)-s.backlog >= s.cfg.MaxQueue {
			s.mu.Unlock()
			s.log.Warn().Int("queued", s.cfg.MaxQueue).Msg("output queue full, closing slow session")
			s.closeWith(websocket.StatusTryAgainLater, "output queue full", reasonOverflow)
			return
		}
		wasEmpty := len(s.queue) == 0
		s.queue = append(s.queue, payload)
		s.mu.Unlock()
		if wasEmpty {
			s.signal()
		}
	default:
		s.mu.Unlock()
	}
}

// markReady performs the one-time Connecting to Ready transition. The pending
// buffer goes first, then the replay payloads, then anything enqueued later.
// It reports false if the session was not connecting.
func (s *Session) markReady(replay [][]byte) bool {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return false
	}
	queue := make([][]byte, 0, len(s.pending)+len(replay))
	queue = append(queue, s.pending...)
	queue = append(queue, replay...)
	s.queue = queue
	s.backlog = len(queue)
	s.pending = nil
	s.state = StateReady
	n := len(s.queue)
	s.mu.Unlock()

	s.writerStarted.Store(true)
	go s.writeLoop()
	if n > 0 {
		s.signal()
	}
	return true
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// writeLoop drains the queue until the session closes. The head stays in the
// queue while it is being written so Enqueue can tell whether a flush is
// already under way.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.state != StateReady || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			head := s.queue[0]
			s.mu.Unlock()

			if err := s.write(head); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Debug().Err(err).Msg("write failed")
				}
				s.closeWith(websocket.StatusInternalError, "write failed", reasonWriteError)
				return
			}

			s.mu.Lock()
			if len(s.queue) > 0 {
				s.queue[0] = nil
				s.queue = s.queue[1:]
				if s.backlog > 0 {
					s.backlog--
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Session) write(payload []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

// readLoop hands every inbound payload to handle until the connection fails
// or the session is closed. Only UTF-8 text frames are accepted; anything else
// closes the session so it is never relayed to peers.
func (s *Session) readLoop(handle func(ctx context.Context, s *Session, payload []byte)) {
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			reason := reasonReadError
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				reason = reasonPeerClosed
			}
			if s.ctx.Err() == nil {
				s.log.Debug().Err(err).Str("reason", reason).Msg("read loop ended")
			}
			s.closeWith(websocket.StatusNormalClosure, "", reason)
			return
		}
		if typ != websocket.MessageText {
			s.log.Debug().Int("type", int(typ)).Msg("non-text frame, closing session")
			s.closeWith(websocket.StatusUnsupportedData, "text frames only", reasonBadFrame)
			return
		}
		if !utf8.Valid(data) {
			s.log.Debug().Int("bytes", len(data)).Msg("invalid UTF-8, closing session")
			s.closeWith(websocket.StatusInvalidFramePayloadData, "invalid UTF-8", reasonBadFrame)
			return
		}
		s.touch()
		handle(s.ctx, s, data)
	}
}

// Close closes the session. It is safe to call more than once and from
// several goroutines.
func (s *Session) Close() {
	s.closeWith(websocket.StatusNormalClosure, "", reasonPeerClosed)
}

func (s *Session) closeWith(code websocket.StatusCode, reason, why string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.pending = nil
		s.queue = nil
		s.backlog = 0
		s.mu.Unlock()

		s.cancel()
		// The close handshake can take seconds; callers such as Enqueue
		// must not wait for it.
		go func() { _ = s.conn.Close(code, reason) }()

		if s.onClose != nil {
			s.onClose(s, why)
		}
	})
}

// wait blocks until the writer goroutine, if it was started, has exited.
func (s *Session) wait() {
	if s.writerStarted.Load() {
		<-s.writerDone
	}
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActive.Load()))
}
