package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/go-relay/internal/engine"
	"github.com/a-essam23/go-relay/internal/router"
	"github.com/a-essam23/go-relay/internal/server"
	"github.com/a-essam23/go-relay/internal/server/middleware"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/logging"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readTimeout = 5 * time.Second

type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ConnectionLimit: config.ConnectionLimitConfig{Mode: "reject"},
		},
		Transport: config.TransportConfig{WriteTimeout: time.Second, SendBuffer: 64},
		Relay:     config.RelayConfig{StrictMembership: true, EchoToSender: true},
		Store:     config.StoreConfig{Driver: "memory"},
		History:   config.HistoryConfig{Enabled: true, Table: "messages", Buffer: 64},
		Metrics:   config.MetricsConfig{Enabled: true},
	}
}

func startApp(t *testing.T, cfg *config.Config) (*server.App, *httptest.Server) {
	t.Helper()
	ctx := context.Background()
	app := server.NewApp(logging.Discard(), ctx, cfg)
	require.NoError(t, app.Start(ctx))
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		assert.NoError(t, app.Shutdown())
		srv.Close()
	})
	return app, srv
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	c := &client{t: t, conn: conn}
	hello := c.read()
	require.Equal(t, engine.EventConnected, hello.Event)
	var payload struct {
		ConnectionID string `json:"connectionId"`
	}
	require.NoError(t, json.Unmarshal(hello.Payload, &payload))
	c.id = payload.ConnectionID
	return c
}

func (c *client) send(raw string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, []byte(raw)))
}

func (c *client) read() frame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	var f frame
	require.NoError(c.t, json.Unmarshal(data, &f))
	return f
}

// stream reads frames in the background until the connection ends. A pending
// read is what lets the client answer server pings.
func (c *client) stream() <-chan frame {
	out := make(chan frame, 16)
	go func() {
		defer close(out)
		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil {
				out <- f
			}
		}
	}()
	return out
}

func (c *client) expect(event string) map[string]any {
	c.t.Helper()
	f := c.read()
	require.Equal(c.t, event, f.Event, "payload: %s", f.Payload)
	var payload map[string]any
	require.NoError(c.t, json.Unmarshal(f.Payload, &payload))
	return payload
}

func (c *client) join(roomID string) {
	c.t.Helper()
	c.send(`{"event":"join-room","payload":{"roomId":"` + roomID + `"}}`)
	assert.Equal(c.t, roomID, c.expect(engine.EventRoomJoined)["roomId"])
}

func TestRelayEndToEnd(t *testing.T) {
	app, srv := startApp(t, testConfig())

	a := dial(t, srv, nil)
	b := dial(t, srv, nil)
	c := dial(t, srv, nil)
	require.NotEqual(t, a.id, b.id)

	a.join("general")
	b.join("general")

	a.send(`{"event":"chat-message","payload":{"roomId":"general","content":"hello"}}`)
	for _, member := range []*client{a, b} {
		msg := member.expect(engine.EventChatMessage)
		assert.Equal(t, "general", msg["roomId"])
		assert.Equal(t, a.id, msg["senderId"])
		assert.Equal(t, "hello", msg["content"])
		assert.NotEmpty(t, msg["timestamp"])
	}

	// outsiders are answered privately
	c.send(`{"event":"chat-message","payload":{"roomId":"general","content":"let me in"}}`)
	errPayload := c.expect(engine.EventError)
	assert.Equal(t, router.CodeNotAMember, errPayload["code"])
	assert.Equal(t, "general", errPayload["roomId"])

	// a's next frame is its own follow-up, not c's rejection
	a.send(`{"event":"chat-message","payload":{"roomId":"general","content":"second"}}`)
	assert.Equal(t, "second", a.expect(engine.EventChatMessage)["content"])
	assert.Equal(t, "second", b.expect(engine.EventChatMessage)["content"])

	c.send(`{"event":"nope"}`)
	assert.Equal(t, router.CodeUnknownEvent, c.expect(engine.EventError)["code"])
	c.send(`not json`)
	assert.Equal(t, router.CodeMalformedEvent, c.expect(engine.EventError)["code"])

	// disconnect removes b from the room
	_ = b.conn.Close(websocket.StatusNormalClosure, "bye")
	require.Eventually(t, func() bool {
		return len(app.StateManager().MembersOf("general")) == 1
	}, readTimeout, 10*time.Millisecond)

	a.send(`{"event":"leave-room","payload":"general"}`)
	assert.Equal(t, "general", a.expect(engine.EventRoomLeft)["roomId"])
	assert.Empty(t, app.StateManager().MembersOf("general"))
	assert.Equal(t, 0, app.StateManager().RoomCount())
}

func TestRESTPublishAndHistory(t *testing.T) {
	_, srv := startApp(t, testConfig())
	a := dial(t, srv, nil)
	a.join("general")

	a.send(`{"event":"chat-message","payload":{"roomId":"general","content":"from socket"}}`)
	a.expect(engine.EventChatMessage)

	resp, err := http.Post(srv.URL+"/api/chat/room/general", "application/json", bytes.NewBufferString(`{"content":"from http"}`))
	require.NoError(t, err)
	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "general", created["roomId"])
	assert.Equal(t, 1.0, created["recipients"])

	msg := a.expect(engine.EventChatMessage)
	assert.Equal(t, "from http", msg["content"])
	assert.Equal(t, uuid.Nil.String(), msg["senderId"])

	var history []map[string]any
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/chat/room/general")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		history = nil
		return json.NewDecoder(resp.Body).Decode(&history) == nil && len(history) == 2
	}, readTimeout, 10*time.Millisecond)
	assert.Equal(t, "from socket", history[0]["content"])
	assert.Equal(t, "from http", history[1]["content"])

	resp, err = http.Get(srv.URL + "/api/chat/room/general?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/chat/room/general", "application/json", bytes.NewBufferString(`{"content":"  "}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPITestAndMetrics(t *testing.T) {
	_, srv := startApp(t, testConfig())
	dial(t, srv, nil)

	resp, err := http.Get(srv.URL + "/api/test")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"message":"API is working!"}`, string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gorelay_connections_active 1")
}

func TestHistoryDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.History.Enabled = false
	_, srv := startApp(t, cfg)

	resp, err := http.Get(srv.URL + "/api/chat/room/general")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAuthenticatedConnections(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Auth.JWTSecret = "s3cret"
	cfg.Server.ConnectionLimit = config.ConnectionLimitConfig{MaxPerUser: 1, Mode: "reject"}
	app, srv := startApp(t, cfg)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := middleware.IssueToken("s3cret", "alice", "Alice", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	first := dial(t, srv, header)
	connID, err := uuid.Parse(first.id)
	require.NoError(t, err)
	conn, ok := app.StateManager().GetConnection(connID)
	require.True(t, ok)
	assert.Equal(t, "alice", conn.UserID)

	_, resp, err = websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestShutdownClosesConnections(t *testing.T) {
	ctx := context.Background()
	app := server.NewApp(logging.Discard(), ctx, testConfig())
	require.NoError(t, app.Start(ctx))
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	a := dial(t, srv, nil)
	a.join("general")

	// keep reading so the client answers the server's close handshake
	readErr := make(chan error, 1)
	go func() {
		readCtx, cancel := context.WithTimeout(context.Background(), readTimeout)
		defer cancel()
		_, _, err := a.conn.Read(readCtx)
		readErr <- err
	}()

	require.NoError(t, app.Shutdown())
	require.NoError(t, app.Shutdown(), "shutdown is idempotent")
	assert.Empty(t, app.StateManager().Connections())
	assert.Equal(t, 0, app.StateManager().RoomCount())

	err := <-readErr
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestIdleListenerOutlivesReadTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.ReadTimeout = 200 * time.Millisecond
	cfg.Transport.PingInterval = 50 * time.Millisecond
	app, srv := startApp(t, cfg)

	listener := dial(t, srv, nil)
	talker := dial(t, srv, nil)
	listener.join("general")
	talker.join("general")
	inbox := listener.stream()
	talker.stream()

	time.Sleep(3 * cfg.Transport.ReadTimeout)
	assert.Len(t, app.StateManager().MembersOf("general"), 2)

	talker.send(`{"event":"chat-message","payload":{"roomId":"general","content":"still there?"}}`)
	select {
	case f, ok := <-inbox:
		require.True(t, ok, "listener was disconnected")
		assert.Equal(t, engine.EventChatMessage, f.Event)
		assert.Contains(t, string(f.Payload), "still there?")
	case <-time.After(readTimeout):
		t.Fatal("listener never received the message")
	}
}

func TestUnresponsivePeerIsDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.ReadTimeout = 100 * time.Millisecond
	cfg.Transport.PingInterval = 50 * time.Millisecond
	app, srv := startApp(t, cfg)

	// never reads again, so pings go unanswered
	silent := dial(t, srv, nil)
	id, err := uuid.Parse(silent.id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !app.StateManager().IsActive(id)
	}, 2*readTimeout, 20*time.Millisecond)
}

func TestConnectionCycling(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Auth.JWTSecret = "s3cret"
	cfg.Server.ConnectionLimit = config.ConnectionLimitConfig{MaxPerUser: 1, Mode: config.LimitModeCycle}
	app, srv := startApp(t, cfg)

	token, err := middleware.IssueToken("s3cret", "alice", "Alice", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	first := dial(t, srv, header)
	first.join("general")
	firstID, err := uuid.Parse(first.id)
	require.NoError(t, err)
	firstFrames := first.stream()

	second := dial(t, srv, header)
	require.NotEqual(t, first.id, second.id)

	// the oldest connection is closed and its stream ends
	select {
	case _, ok := <-firstFrames:
		assert.False(t, ok, "oldest connection should have been closed")
	case <-time.After(readTimeout):
		t.Fatal("oldest connection was not closed")
	}

	require.Eventually(t, func() bool {
		return app.StateManager().UserConnectionCount("alice") == 1
	}, readTimeout, 10*time.Millisecond)
	assert.False(t, app.StateManager().IsActive(firstID))
	assert.Empty(t, app.StateManager().MembersOf("general"))

	second.join("general")
	assert.Len(t, app.StateManager().MembersOf("general"), 1)
}
