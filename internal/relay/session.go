package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

// State tracks a session's lifecycle. Transitions are monotonic:
// Connecting -> Joined -> Closing -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// BackpressurePolicy decides what happens when a session's outbound queue is
// full: close the slow client, or drop the frame and keep the connection.
type BackpressurePolicy string

const (
	BackpressureDisconnect BackpressurePolicy = "disconnect"
	BackpressureDrop       BackpressurePolicy = "drop"
)

// Conn is the subset of *websocket.Conn a session writes through. The
// session never reads: inbound frames are the connection gateway's concern,
// and closing the raw transport funnels through Session.Close.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const (
	DefaultSendQueueBytes = 256 * 1024
	DefaultWriteWait      = 1 * time.Second
)

type SessionConfig struct {
	Conn   Conn
	RoomID string

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// SendQueueBytes bounds the outbound buffer; <= 0 uses DefaultSendQueueBytes.
	SendQueueBytes int
	WriteWait      time.Duration
	// PingInterval <= 0 disables server pings (tests).
	PingInterval time.Duration

	BackpressurePolicy BackpressurePolicy
}

// Session is a single bound client connection. All outbound traffic goes
// through Send, which enqueues without blocking; a dedicated goroutine
// drains the queue onto the socket.
type Session struct {
	id     string
	roomID string
	conn   Conn

	log     *slog.Logger
	metrics *metrics.Metrics

	queue        *sendQueue
	writeWait    time.Duration
	pingInterval time.Duration
	policy       BackpressurePolicy

	mu      sync.Mutex
	state   State
	onClose func()
	done    chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.SendQueueBytes <= 0 {
		cfg.SendQueueBytes = DefaultSendQueueBytes
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.BackpressurePolicy == "" {
		cfg.BackpressurePolicy = BackpressureDisconnect
	}

	return &Session{
		id:           newSessionID(),
		roomID:       cfg.RoomID,
		conn:         cfg.Conn,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		queue:        newSendQueue(cfg.SendQueueBytes),
		writeWait:    cfg.WriteWait,
		pingInterval: cfg.PingInterval,
		policy:       cfg.BackpressurePolicy,
		state:        StateConnecting,
		done:         make(chan struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) RoomID() string { return s.roomID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// BufferedBytes reports the session's outbound queue occupancy, the
// backpressure signal surfaced to callers and metrics.
func (s *Session) BufferedBytes() int { return s.queue.BufferedBytes() }

func (s *Session) DroppedFrames() uint64 { return s.queue.DropCount() }

// MarkJoined records that the registry join succeeded. Inbound frames must
// not be routed before this.
func (s *Session) MarkJoined() {
	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateJoined
	}
	s.mu.Unlock()
}

// AddOnClose registers a callback to run when the session closes. Callbacks
// chain in registration order and run exactly once. If the session is
// already closed, fn runs synchronously.
func (s *Session) AddOnClose(fn func()) {
	if fn == nil {
		return
	}

	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		fn()
		return
	}

	prev := s.onClose
	s.onClose = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
	s.mu.Unlock()
}

// Start launches the write and keepalive goroutines. Call once, after the
// session is registered.
func (s *Session) Start() {
	go s.writeLoop()
	if s.pingInterval > 0 {
		go s.pingLoop()
	}
}

// Send enqueues frame for delivery. It never blocks; when the queue's byte
// budget is exhausted the configured backpressure policy applies and
// ErrSlowConsumer is returned.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	if s.queue.Enqueue(frame) {
		return nil
	}

	s.metrics.MessagesDropped.WithLabelValues(metrics.DropReasonBackpressure).Inc()
	switch s.policy {
	case BackpressureDrop:
		s.log.Warn("send queue full, dropping frame",
			"session_id", s.id,
			"room_id", s.roomID,
			"buffered_bytes", s.queue.BufferedBytes(),
		)
	default:
		s.metrics.BackpressureDisconnects.Inc()
		s.log.Warn("send queue full, disconnecting slow client",
			"session_id", s.id,
			"room_id", s.roomID,
			"buffered_bytes", s.queue.BufferedBytes(),
		)
		// Closing here would run teardown on the caller's goroutine while it
		// may be iterating room members; hand it off.
		go s.Close()
	}
	return ErrSlowConsumer
}

// Close tears the session down exactly once: any number of concurrent
// triggers (read error, write error, ping failure, shutdown) collapse into
// one queue close, one transport close, and one onClose chain invocation.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state >= StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	onClose := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	s.queue.Close()

	if s.conn != nil {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.writeWait),
		)
		_ = s.conn.Close()
	}

	if onClose != nil {
		onClose()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	close(s.done)
}

func (s *Session) writeLoop() {
	for {
		frame, ok := s.queue.Dequeue()
		if !ok {
			return
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.log.Debug("write failed", "session_id", s.id, "err", err)
			s.Close()
			return
		}
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
			if err != nil {
				s.Close()
				return
			}
		}
	}
}
