package signaling

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startGateway(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func dialRoom(t *testing.T, ts *httptest.Server, room string) (*websocket.Conn, string) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + room
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %q: %v", room, err)
	}
	t.Cleanup(func() { _ = c.Close() })

	msg := readEnvelope(t, c)
	if msg["type"] != "connected" {
		t.Fatalf("first frame type=%v, want connected (%v)", msg["type"], msg)
	}
	clientID, _ := msg["clientId"].(string)
	if clientID == "" {
		t.Fatalf("connected frame missing clientId: %v", msg)
	}
	return c, clientID
}

func readEnvelope(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return msg
}

func expectNoMessage(t *testing.T, c *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(wait))
	if _, data, err := c.ReadMessage(); err == nil {
		t.Fatalf("unexpected message: %s", data)
	}
}

func TestGateway_ConnectAssignsUniqueIDs(t *testing.T) {
	_, ts := startGateway(t, Config{})

	_, idA := dialRoom(t, ts, "alpha")
	_, idB := dialRoom(t, ts, "alpha")
	if idA == idB {
		t.Fatalf("both clients got id %q", idA)
	}
}

func TestGateway_PeerJoinedNotifiesExistingMembers(t *testing.T) {
	_, ts := startGateway(t, Config{})

	a, _ := dialRoom(t, ts, "alpha")
	_, idB := dialRoom(t, ts, "alpha")

	msg := readEnvelope(t, a)
	if msg["type"] != "peer-joined" {
		t.Fatalf("type=%v, want peer-joined (%v)", msg["type"], msg)
	}
	if msg["peerId"] != idB {
		t.Fatalf("peerId=%v, want %v", msg["peerId"], idB)
	}
	if _, ok := msg["timestamp"].(float64); !ok {
		t.Fatalf("peer-joined missing timestamp: %v", msg)
	}
}

func TestGateway_DirectedOfferReachesOnlyTarget(t *testing.T) {
	_, ts := startGateway(t, Config{})

	a, idA := dialRoom(t, ts, "alpha")
	b, idB := dialRoom(t, ts, "alpha")
	c, _ := dialRoom(t, ts, "alpha")

	// Drain join notifications.
	readEnvelope(t, a) // b joined
	readEnvelope(t, a) // c joined
	readEnvelope(t, b) // c joined

	frame := fmt.Sprintf(`{"type":"offer","sender":%q,"target":%q,"payload":{"sdp":"v=0 fake"}}`, idA, idB)
	if err := a.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != frame {
		t.Fatalf("delivered=%s, want verbatim %s", data, frame)
	}

	expectNoMessage(t, c, 200*time.Millisecond)
}

func TestGateway_BroadcastExcludesSender(t *testing.T) {
	_, ts := startGateway(t, Config{})

	a, idA := dialRoom(t, ts, "alpha")
	b, _ := dialRoom(t, ts, "alpha")
	c, _ := dialRoom(t, ts, "alpha")

	readEnvelope(t, a)
	readEnvelope(t, a)
	readEnvelope(t, b)

	frame := fmt.Sprintf(`{"type":"broadcast","sender":%q,"payload":{"note":"hi"}}`, idA)
	if err := a.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, peer := range []*websocket.Conn{b, c} {
		_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := peer.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != frame {
			t.Fatalf("delivered=%s, want %s", data, frame)
		}
	}

	expectNoMessage(t, a, 200*time.Millisecond)
}

func TestGateway_UnknownTargetYieldsErrorControl(t *testing.T) {
	_, ts := startGateway(t, Config{})

	a, idA := dialRoom(t, ts, "alpha")

	frame := fmt.Sprintf(`{"type":"ice-candidate","sender":%q,"target":"nobody","payload":{}}`, idA)
	if err := a.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readEnvelope(t, a)
	if msg["type"] != "error" {
		t.Fatalf("type=%v, want error (%v)", msg["type"], msg)
	}
	if msg["code"] != "target-not-found" {
		t.Fatalf("code=%v, want target-not-found", msg["code"])
	}
}

func TestGateway_PeerLeftOnDisconnect(t *testing.T) {
	gw, ts := startGateway(t, Config{})

	a, _ := dialRoom(t, ts, "alpha")
	b, idB := dialRoom(t, ts, "alpha")

	readEnvelope(t, a) // peer-joined for b

	_ = b.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = b.Close()

	msg := readEnvelope(t, a)
	if msg["type"] != "peer-left" {
		t.Fatalf("type=%v, want peer-left (%v)", msg["type"], msg)
	}
	if msg["peerId"] != idB {
		t.Fatalf("peerId=%v, want %v", msg["peerId"], idB)
	}

	// Exactly once: no duplicate notification follows.
	expectNoMessage(t, a, 200*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for gw.Registry().SessionCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("sessionCount=%d, want 1", gw.Registry().SessionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_RoomsAreIsolated(t *testing.T) {
	_, ts := startGateway(t, Config{})

	a, idA := dialRoom(t, ts, "alpha")
	b, _ := dialRoom(t, ts, "beta")

	// No cross-room join notification.
	expectNoMessage(t, a, 200*time.Millisecond)

	frame := fmt.Sprintf(`{"type":"broadcast","sender":%q,"payload":{}}`, idA)
	if err := a.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectNoMessage(t, b, 200*time.Millisecond)
}

func TestGateway_EmptyPathJoinsDefaultRoom(t *testing.T) {
	gw, ts := startGateway(t, Config{DefaultRoom: "lobby"})

	_, _ = dialRoom(t, ts, "")

	deadline := time.Now().Add(2 * time.Second)
	for len(gw.Registry().MembersOf("lobby")) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("default room not joined, members=%d", len(gw.Registry().MembersOf("lobby")))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_RoomDeletedWhenLastMemberLeaves(t *testing.T) {
	gw, ts := startGateway(t, Config{})

	a, _ := dialRoom(t, ts, "ephemeral")
	if got := gw.Registry().RoomCount(); got != 1 {
		t.Fatalf("roomCount=%d, want 1", got)
	}

	_ = a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for gw.Registry().RoomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("room not deleted after last member left")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_MaxSessionsRejectsExtraClients(t *testing.T) {
	_, ts := startGateway(t, Config{MaxSessions: 1})

	_, _ = dialRoom(t, ts, "alpha")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/alpha"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	if err == nil {
		t.Fatalf("expected close for session over the cap")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestGateway_BinaryFrameClosesConnection(t *testing.T) {
	_, ts := startGateway(t, Config{})

	a, _ := dialRoom(t, ts, "alpha")
	if err := a.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	if err == nil {
		t.Fatalf("expected close after binary frame")
	}
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("expected unsupported data close, got %v", err)
	}
}

func TestGateway_RateLimitClosesFloodingClient(t *testing.T) {
	_, ts := startGateway(t, Config{MaxMessagesPerSecond: 5})

	a, idA := dialRoom(t, ts, "alpha")

	frame := fmt.Sprintf(`{"type":"broadcast","sender":%q,"payload":{}}`, idA)
	for i := 0; i < 20; i++ {
		if err := a.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			break
		}
	}

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	var err error
	for err == nil {
		_, _, err = a.ReadMessage()
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestGateway_OriginEnforcedOnUpgrade(t *testing.T) {
	_, ts := startGateway(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/alpha"

	dialer := websocket.Dialer{}
	_, resp, err := dialer.Dial(wsURL, map[string][]string{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatalf("expected dial to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Fatalf("expected 403 handshake response, got %v", resp)
	}

	c, _, err := dialer.Dial(wsURL, map[string][]string{"Origin": {"https://app.example.com"}})
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	_ = c.Close()
}

func TestGateway_IdleTimeoutClosesWithoutPong(t *testing.T) {
	idleTimeout := 500 * time.Millisecond
	pingInterval := 50 * time.Millisecond

	_, ts := startGateway(t, Config{
		IdleTimeout:  idleTimeout,
		PingInterval: pingInterval,
	})

	c, _ := dialRoom(t, ts, "alpha")

	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		// Intentionally do not respond with pong.
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-pingSeen:
	case err := <-errCh:
		t.Fatalf("connection closed before receiving ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server ping")
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected server to close the websocket")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server to close idle websocket")
	}
}

func TestGateway_PongKeepsConnectionOpenBeyondIdleTimeout(t *testing.T) {
	idleTimeout := 500 * time.Millisecond
	pingInterval := 50 * time.Millisecond

	_, ts := startGateway(t, Config{
		IdleTimeout:  idleTimeout,
		PingInterval: pingInterval,
	})

	c, _ := dialRoom(t, ts, "alpha")

	c.SetPingHandler(func(appData string) error {
		// Respond with pong so the server extends the read deadline.
		return c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(1*time.Second))
	})

	errCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	// Wait longer than the idle timeout. The read goroutine processes ping
	// frames and responds with pong.
	time.Sleep(idleTimeout + 2*pingInterval)

	select {
	case err := <-errCh:
		t.Fatalf("unexpected close before idle timeout elapsed: %v", err)
	default:
	}

	_ = c.Close()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for read goroutine to exit")
	}
}

func TestGateway_CloseDisconnectsAllSessions(t *testing.T) {
	gw, ts := startGateway(t, Config{})

	a, _ := dialRoom(t, ts, "alpha")
	b, _ := dialRoom(t, ts, "beta")

	gw.Close()

	for _, c := range []*websocket.Conn{a, b} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var err error
		for err == nil {
			_, _, err = c.ReadMessage()
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for gw.Registry().SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessionCount=%d, want 0 after close", gw.Registry().SessionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
