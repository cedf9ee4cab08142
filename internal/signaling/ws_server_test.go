package signaling

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRoomIDFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/", "lobby"},
		{"", "lobby"},
		{"/game-42", "game-42"},
		{"/rooms/nested", "rooms/nested"},
		{"/Game", "Game"},
	}
	for _, tc := range cases {
		if got := roomIDFromPath(tc.path, "lobby"); got != tc.want {
			t.Fatalf("roomIDFromPath(%q)=%q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestOriginAllowed(t *testing.T) {
	srv := NewServer(Config{
		Logger:         discardLogger(),
		AllowedOrigins: []string{"https://app.example.com", "null"},
	})

	cases := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"HTTPS://APP.EXAMPLE.COM", true},
		{"null", true},
		{"https://evil.example.com", false},
		{"http://app.example.com", false},
		{"garbage", false},
		{"", true}, // non-browser clients
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := srv.originAllowed(r); got != tc.want {
			t.Fatalf("originAllowed(%q)=%v, want %v", tc.origin, got, tc.want)
		}
	}
}

func TestOriginAllowed_EmptyListAllowsAll(t *testing.T) {
	srv := NewServer(Config{Logger: discardLogger()})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://anywhere.example.com")
	if !srv.originAllowed(r) {
		t.Fatalf("empty allowlist should accept any origin")
	}
}

func TestOriginAllowed_Wildcard(t *testing.T) {
	srv := NewServer(Config{
		Logger:         discardLogger(),
		AllowedOrigins: []string{"*"},
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://anywhere.example.com")
	if !srv.originAllowed(r) {
		t.Fatalf("wildcard allowlist should accept any origin")
	}
}

func TestServeStatusReportsRoomCount(t *testing.T) {
	srv := NewServer(Config{Logger: discardLogger()})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusOK)
	}
	if got, want := rec.Body.String(), "active rooms: 0\n"; got != want {
		t.Fatalf("body=%q, want %q", got, want)
	}
}

func TestServeStatusAfterClose(t *testing.T) {
	srv := NewServer(Config{Logger: discardLogger()})
	srv.Close()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
