package signaling

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
)

const (
	DefaultRoomName             = "default"
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultWriteWait            = 1 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
)

type Config struct {
	Registry *relay.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// DefaultRoom is joined when the request path is empty ("/").
	DefaultRoom string

	// AllowedOrigins restricts browser connections. Empty allows any origin;
	// "*" is an explicit wildcard entry.
	AllowedOrigins []string

	// MaxSessions caps concurrent sessions; <= 0 is unlimited.
	MaxSessions int

	IdleTimeout  time.Duration
	PingInterval time.Duration
	WriteWait    time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	SendQueueBytes     int
	BackpressurePolicy relay.BackpressurePolicy
}

// Server is the connection gateway: it upgrades inbound requests, derives
// the room identifier from the request path, binds a new session into the
// room, and drives the per-connection read loop. Non-upgrade requests get a
// plain-text count of active rooms.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *relay.Registry
	router   *Router
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Registry == nil {
		cfg.Registry = relay.NewRegistry(cfg.Logger, cfg.Metrics)
	}
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = DefaultRoomName
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
	}
	s.router = NewRouter(cfg.Registry, cfg.Metrics, cfg.Logger)
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.originAllowed,
	}
	return s
}

// Registry exposes the room registry for observability surfaces.
func (s *Server) Registry() *relay.Registry { return s.registry }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		s.serveStatus(w, r)
		return
	}
	s.serveWebSocket(w, r)
}

// serveStatus reports the active room count. Purely observational.
func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if s.isClosed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "active rooms: %d\n", s.registry.RoomCount())
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.isClosed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	roomID := roomIDFromPath(r.URL.Path, s.cfg.DefaultRoom)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	if s.cfg.MaxSessions > 0 && s.registry.SessionCount() >= s.cfg.MaxSessions {
		s.writeClose(conn, websocket.ClosePolicyViolation, "too many sessions")
		_ = conn.Close()
		return
	}

	sess := relay.NewSession(relay.SessionConfig{
		Conn:               conn,
		RoomID:             roomID,
		Logger:             s.log,
		Metrics:            s.metrics,
		SendQueueBytes:     s.cfg.SendQueueBytes,
		WriteWait:          s.cfg.WriteWait,
		PingInterval:       s.cfg.PingInterval,
		BackpressurePolicy: s.cfg.BackpressurePolicy,
	})

	// Teardown is wired before the join so any close path, however
	// triggered, leaves the registry consistent and notifies the room.
	sess.AddOnClose(func() {
		if s.registry.Leave(roomID, sess.ID()) {
			s.broadcastControl(roomID, sess.ID(), peerLeftFrame(sess.ID(), time.Now()))
			s.log.Info("peer left", "session_id", sess.ID(), "room_id", roomID)
		}
	})

	s.registry.Join(roomID, sess)
	sess.MarkJoined()
	sess.Start()

	_ = sess.Send(connectedFrame(sess.ID()))
	s.broadcastControl(roomID, sess.ID(), peerJoinedFrame(sess.ID(), time.Now()))
	s.log.Info("peer joined", "session_id", sess.ID(), "room_id", roomID, "remote_addr", r.RemoteAddr)

	s.readLoop(conn, sess)
}

// readLoop processes inbound frames sequentially, preserving per-sender
// delivery order. It owns the read side of the connection; any exit funnels
// into the session's single teardown path.
func (s *Server) readLoop(conn *websocket.Conn, sess *relay.Session) {
	defer sess.Close()

	limiter := ratelimit.NewTokenBucket(nil,
		int64(s.cfg.MaxMessagesPerSecond),
		int64(s.cfg.MaxMessagesPerSecond),
	)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", "session_id", sess.ID(), "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if msgType != websocket.TextMessage {
			s.writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !limiter.Allow(1) {
			s.metrics.MessagesDropped.WithLabelValues(metrics.DropReasonRateLimited).Inc()
			s.writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		s.router.Route(sess, data)
	}
}

// broadcastControl delivers a server-synthesized frame to every room member
// except the one identified by excludeID.
func (s *Server) broadcastControl(roomID, excludeID string, frame []byte) {
	for _, member := range s.registry.MembersOf(roomID) {
		if member.ID() == excludeID {
			continue
		}
		_ = member.Send(frame)
	}
}

// Close refuses new connections and tears down every active session.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.registry.CloseAll()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.cfg.WriteWait),
	)
}

func (s *Server) originAllowed(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	raw := r.Header.Get("Origin")
	if raw == "" {
		// Non-browser clients don't send Origin.
		return true
	}
	got := strings.ToLower(raw)
	if got != "null" {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return false
		}
		got = strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == got {
			return true
		}
	}
	return false
}

// roomIDFromPath derives the room identifier from the request path, minus
// the leading slash. An empty path joins the default room.
func roomIDFromPath(path, defaultRoom string) string {
	id := strings.TrimPrefix(path, "/")
	if id == "" {
		return defaultRoom
	}
	return id
}
