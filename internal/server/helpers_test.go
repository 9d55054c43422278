package server

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/config"
	"github.com/Tyrowin/gorelay/internal/protocol"
)

const (
	testSecret  = "relay-test-secret"
	testOrigin  = "http://localhost:8080"
	readTimeout = 2 * time.Second
)

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Port:            ":0",
			AllowedOrigins:  []string{testOrigin},
			MaxMessageSize:  4096,
			SendBuffer:      256,
			ShutdownTimeout: 5 * time.Second,
		},
		RateLimit: config.RateLimitConfig{Burst: 1000, RefillInterval: time.Second},
		Auth:      config.AuthConfig{JWTSecret: testSecret},
		Logging:   config.LoggingConfig{Level: "debug", Format: "console"},
	}
}

type testRelay struct {
	srv   *Server
	http  *httptest.Server
	wsURL string
}

// startRelay runs a relay behind httptest. customize may adjust the config
// before the server is built.
func startRelay(t *testing.T, logger *zap.Logger, customize func(cfg *config.Config)) *testRelay {
	t.Helper()
	cfg := testConfig()
	if customize != nil {
		customize(&cfg)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	srv := New(cfg, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.hub.Shutdown(2 * time.Second)
		ts.Close()
	})

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"

	return &testRelay{srv: srv, http: ts, wsURL: u.String()}
}

func (r *testRelay) token(t *testing.T, identity string) string {
	t.Helper()
	token, err := r.srv.verifier.Generate(identity, time.Hour)
	require.NoError(t, err)
	return token
}

// dial opens a raw session request. The response is returned even when the
// handshake fails so callers can inspect rejections.
func (r *testRelay) dial(token, username string, header http.Header) (*websocket.Conn, *http.Response, error) {
	u, _ := url.Parse(r.wsURL)
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if username != "" {
		q.Set("username", username)
	}
	u.RawQuery = q.Encode()

	if header == nil {
		header = http.Header{}
		header.Set("Origin", testOrigin)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	return dialer.Dial(u.String(), header)
}

type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []protocol.Outbound
}

// connect authenticates as identity and waits until the session is serving,
// which also means the identity is registered.
func (r *testRelay) connect(t *testing.T, identity string) *wsClient {
	t.Helper()
	conn, resp, err := r.dial(r.token(t, identity), "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{t: t, conn: conn}
	c.sync()
	return c
}

func (c *wsClient) send(ev map[string]string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(ev))
}

func (c *wsClient) sendPrivate(recipient, message string) {
	c.t.Helper()
	c.send(map[string]string{"type": "private-message", "recipient": recipient, "message": message})
}

func (c *wsClient) sendServer(message string) {
	c.t.Helper()
	c.send(map[string]string{"type": "server-message", "message": message})
}

// next returns the next outbound event, splitting coalesced frames.
func (c *wsClient) next() protocol.Outbound {
	c.t.Helper()
	for len(c.pending) == 0 {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(line) == 0 {
				continue
			}
			var ev protocol.Outbound
			require.NoError(c.t, json.Unmarshal(line, &ev))
			c.pending = append(c.pending, ev)
		}
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev
}

// sync round-trips a server message. Because each session's outbound queue
// is FIFO, anything delivered to this client before the call is read first
// and returned.
func (c *wsClient) sync() []protocol.Outbound {
	c.t.Helper()
	c.sendServer("sync")
	var before []protocol.Outbound
	for {
		ev := c.next()
		if ev.Type == protocol.TypeServerReply && ev.Message == "Server received: sync" {
			return before
		}
		before = append(before, ev)
	}
}

// expectClosed waits for the server to end the session.
func (c *wsClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			c.t.Fatalf("session was not closed by the server")
		}
		return
	}
}

// expectNoMessage must be the last read on a connection: gorilla does not
// allow reads after a deadline expires.
func (c *wsClient) expectNoMessage(timeout time.Duration) {
	c.t.Helper()
	require.Empty(c.t, c.pending)
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(timeout)))
	_, _, err := c.conn.ReadMessage()
	require.Error(c.t, err, "expected no message")
	netErr, ok := err.(net.Error)
	require.True(c.t, ok && netErr.Timeout(), "unexpected error while waiting for absence of message: %v", err)
}
