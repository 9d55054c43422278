package server

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gorelay/internal/config"
	"github.com/Tyrowin/gorelay/internal/protocol"
)

func TestRouting_PrivateMessageDelivered(t *testing.T) {
	relay := startRelay(t, nil, nil)
	alice := relay.connect(t, "alice")
	bob := relay.connect(t, "bob")
	carol := relay.connect(t, "carol")

	alice.sendPrivate("bob", "hi bob")

	got := bob.next()
	assert.Equal(t, protocol.TypePrivateMessage, got.Type)
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "hi bob", got.Message)

	assert.Empty(t, alice.sync(), "sender gets no acknowledgement")
	assert.Empty(t, carol.sync(), "bystanders get nothing")
}

// TestRouting_SenderCannotBeSpoofed sends a frame naming someone else as the
// sender. The relay stamps the authenticated identity instead.
func TestRouting_SenderCannotBeSpoofed(t *testing.T) {
	relay := startRelay(t, nil, nil)
	alice := relay.connect(t, "alice")
	bob := relay.connect(t, "bob")

	alice.send(map[string]string{
		"type":      "private-message",
		"sender":    "carol",
		"recipient": "bob",
		"message":   "trust me",
	})

	got := bob.next()
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "trust me", got.Message)
}

func TestRouting_RecipientOfflineIsSilent(t *testing.T) {
	relay := startRelay(t, nil, nil)
	alice := relay.connect(t, "alice")
	bob := relay.connect(t, "bob")

	alice.sendPrivate("dave", "anyone home?")
	alice.sendPrivate("Bob", "identities are case sensitive")

	assert.Empty(t, alice.sync(), "no error event for an offline recipient")
	assert.Empty(t, bob.sync())
}

func TestRouting_MessageToSelf(t *testing.T) {
	relay := startRelay(t, nil, nil)
	alice := relay.connect(t, "alice")

	alice.sendPrivate("alice", "note to self")

	got := alice.next()
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "note to self", got.Message)
}

func TestRouting_ServerEcho(t *testing.T) {
	relay := startRelay(t, nil, nil)
	alice := relay.connect(t, "alice")
	bob := relay.connect(t, "bob")

	for _, typ := range []string{"server-message", "message-server"} {
		alice.send(map[string]string{"type": typ, "message": "ping"})
		got := alice.next()
		assert.Equal(t, protocol.TypeServerReply, got.Type, typ)
		assert.Equal(t, "Server received: ping", got.Message, typ)
		assert.Empty(t, got.Sender)
	}

	alice.sendServer("")
	assert.Equal(t, "Server received: ", alice.next().Message)

	assert.Empty(t, bob.sync(), "echo goes only to the requester")
}

// TestRouting_OrderPreservedPerPair sends a burst from one session to
// another and expects it to arrive in send order.
func TestRouting_OrderPreservedPerPair(t *testing.T) {
	relay := startRelay(t, nil, nil)
	alice := relay.connect(t, "alice")
	bob := relay.connect(t, "bob")

	const n = 100
	for i := 0; i < n; i++ {
		alice.sendPrivate("bob", fmt.Sprintf("msg-%03d", i))
	}
	for i := 0; i < n; i++ {
		got := bob.next()
		require.Equal(t, fmt.Sprintf("msg-%03d", i), got.Message)
	}
}

func TestRouting_ConcurrentSenders(t *testing.T) {
	relay := startRelay(t, nil, nil)
	bob := relay.connect(t, "bob")

	const senders = 5
	const perSender = 20
	clients := make([]*wsClient, senders)
	for i := range clients {
		clients[i] = relay.connect(t, fmt.Sprintf("user-%d", i))
	}

	done := make(chan struct{}, senders)
	for i, c := range clients {
		go func(i int, c *wsClient) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < perSender; j++ {
				msg := fmt.Sprintf(`{"type":"private-message","recipient":"bob","message":"%d-%d"}`, i, j)
				if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}(i, c)
	}
	for range clients {
		<-done
	}

	next := make(map[string]int)
	for k := 0; k < senders*perSender; k++ {
		got := bob.next()
		var i, j int
		_, err := fmt.Sscanf(got.Message, "%d-%d", &i, &j)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("user-%d", i), got.Sender)
		require.Equal(t, next[got.Sender], j, "messages from %s out of order", got.Sender)
		next[got.Sender]++
	}
}

func TestRouting_InvalidFramesAreDropped(t *testing.T) {
	relay := startRelay(t, nil, nil)
	alice := relay.connect(t, "alice")
	bob := relay.connect(t, "bob")

	for _, raw := range []string{
		"not json",
		`{"type":"private-message","message":"no recipient"}`,
		`{"type":"broadcast","message":"nope"}`,
		`{"type":"private-message","recipient":"bob","message":42}`,
	} {
		require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
	}

	assert.Empty(t, alice.sync(), "session survives invalid frames")
	assert.Empty(t, bob.sync())
}

func TestRouting_RateLimitDropsExcess(t *testing.T) {
	relay := startRelay(t, nil, func(cfg *config.Config) {
		cfg.RateLimit.Burst = 2
		cfg.RateLimit.RefillInterval = time.Hour
	})

	conn, resp, err := relay.dial(relay.token(t, "alice"), "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	alice := &wsClient{t: t, conn: conn}

	for i := 0; i < 4; i++ {
		alice.sendServer(fmt.Sprintf("ping-%d", i))
	}
	assert.Equal(t, "Server received: ping-0", alice.next().Message)
	assert.Equal(t, "Server received: ping-1", alice.next().Message)
	alice.expectNoMessage(300 * time.Millisecond)
}

func TestRouting_OversizedFrameClosesSession(t *testing.T) {
	relay := startRelay(t, nil, func(cfg *config.Config) {
		cfg.Server.MaxMessageSize = 256
	})
	alice := relay.connect(t, "alice")

	big := strings.Repeat("x", 1024)
	_ = alice.conn.WriteJSON(map[string]string{"type": "server-message", "message": big})
	alice.expectClosed()

	assert.Eventually(t, func() bool {
		_, ok := relay.srv.Registry().Resolve("alice")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
