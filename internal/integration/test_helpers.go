package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"collabspace/internal/api"
	"collabspace/internal/archive"
	"collabspace/internal/channel"
	"collabspace/internal/codec"
	"collabspace/internal/hub"
	"collabspace/internal/lifecycle"
	"collabspace/internal/presence"
	"collabspace/internal/reconciler"
	"collabspace/internal/registry"
	"collabspace/pkg/types"
)

// harnessOptions tunes the presence and retention timings so individual
// scenarios can exercise eviction and archive fallback without waiting
// for production-scale timeouts.
type harnessOptions struct {
	heartbeatTimeout time.Duration
	disconnectGrace  time.Duration
	closedRetention  time.Duration
}

func defaultOptions() harnessOptions {
	return harnessOptions{
		heartbeatTimeout: time.Hour,
		disconnectGrace:  time.Hour,
		closedRetention:  2 * time.Minute,
	}
}

// harness wires the full component stack behind an httptest server, the
// same graph the application assembles in production.
type harness struct {
	server   *httptest.Server
	registry *registry.Registry
	store    *archive.Store
	hub      *hub.Hub
	channels *channel.Manager
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	store, err := archive.Open(&archive.Config{
		Path:            filepath.Join(t.TempDir(), "archive.db"),
		MaxConnections:  5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		WriteTimeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}

	reg := registry.New(opts.closedRetention)
	tracker := presence.NewTracker(opts.heartbeatTimeout, opts.disconnectGrace)
	rec := reconciler.New(200)

	limiter := channel.NewRateLimiter(10000, 100000, time.Minute)
	channels := channel.NewManager(limiter, channel.Config{
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   64,
	})

	manager := lifecycle.NewManager(reg, tracker, rec, channels, channels, store)
	sessionHub := hub.NewHub(manager, 256)
	tracker.SetEvents(sessionHub)
	channels.SetDispatcher(sessionHub)

	if err := sessionHub.Start(context.Background()); err != nil {
		t.Fatalf("failed to start hub: %v", err)
	}

	apiServer := api.NewServer(reg, store, channels)
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", channels.HandleWebSocket)

	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		channels.Shutdown()
		_ = sessionHub.Stop()
		_ = store.Close()
	})

	return &harness{
		server:   server,
		registry: reg,
		store:    store,
		hub:      sessionHub,
		channels: channels,
	}
}

// client drives one WebSocket participant. writeMu serializes writes so a
// background heartbeat goroutine can share the socket with the test body.
type client struct {
	t             *testing.T
	ws            *websocket.Conn
	writeMu       sync.Mutex
	SessionID     string
	ParticipantID string
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(msgType string, payload interface{}) {
	c.t.Helper()
	msg, err := types.NewMessage(msgType, c.SessionID, c.ParticipantID, payload)
	if err != nil {
		c.t.Fatalf("failed to build %s: %v", msgType, err)
	}
	data, err := codec.Encode(msg)
	if err != nil {
		c.t.Fatalf("failed to encode %s: %v", msgType, err)
	}
	if err := c.writeRaw(data); err != nil {
		c.t.Fatalf("failed to write %s: %v", msgType, err)
	}
}

func (c *client) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// expect reads frames until one of the wanted type arrives, skipping
// unrelated traffic such as interleaved presence updates.
func (c *client) expect(msgType string) *types.Message {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = c.ws.SetReadDeadline(deadline)
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Fatalf("read failed waiting for %s: %v", msgType, err)
		}
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.t.Fatalf("bad frame: %v", err)
		}
		if msg.Type == msgType {
			return &msg
		}
	}
	c.t.Fatalf("timed out waiting for %s", msgType)
	return nil
}

func (c *client) expectNothing(d time.Duration) {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
	if _, data, err := c.ws.ReadMessage(); err == nil {
		c.t.Fatalf("expected silence, got frame: %s", data)
	}
}

// join performs the handshake. An empty sessionID creates a new session.
func (c *client) join(sessionID, displayName string) *types.SessionSnapshotPayload {
	c.t.Helper()
	c.SessionID = sessionID
	c.ParticipantID = ""
	c.send(types.MessageTypeJoin, &types.JoinPayload{DisplayName: displayName})

	msg := c.expect(types.MessageTypeSessionSnapshot)
	c.SessionID = msg.SessionID
	c.ParticipantID = msg.ParticipantID

	var snapshot types.SessionSnapshotPayload
	if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
		c.t.Fatalf("bad snapshot payload: %v", err)
	}
	return &snapshot
}

func decodePayload(t *testing.T, msg *types.Message, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		t.Fatalf("bad %s payload: %v", msg.Type, err)
	}
}
