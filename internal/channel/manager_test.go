package channel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"collabspace/internal/codec"
	"collabspace/pkg/types"
)

// bindingDispatcher accepts joins by binding the connection, mimicking the
// hub's behavior, and records everything it sees.
type bindingDispatcher struct {
	manager *Manager

	mu           sync.Mutex
	dispatched   []*types.Message
	disconnected []string
	nextID       int
}

func (d *bindingDispatcher) Dispatch(connID string, msg *types.Message) error {
	d.mu.Lock()
	d.dispatched = append(d.dispatched, msg)
	d.mu.Unlock()

	if msg.Type == types.MessageTypeJoin {
		d.mu.Lock()
		d.nextID++
		participantID := fmt.Sprintf("participant-%d", d.nextID)
		d.mu.Unlock()

		sessionID := msg.SessionID
		if sessionID == "" {
			sessionID = "session-1"
		}
		if err := d.manager.Bind(connID, sessionID, participantID); err != nil {
			return err
		}
		ack, _ := types.NewMessage(types.MessageTypeSessionSnapshot, sessionID, participantID,
			&types.SessionSnapshotPayload{})
		return d.manager.SendToConn(connID, ack)
	}
	return nil
}

func (d *bindingDispatcher) Disconnected(sessionID, participantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, participantID)
}

func (d *bindingDispatcher) dispatchedTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.dispatched))
	for _, msg := range d.dispatched {
		out = append(out, msg.Type)
	}
	return out
}

func TestManager_SweepDropsIdleLimiterWindows(t *testing.T) {
	limiter := NewRateLimiter(10, 10, 10*time.Millisecond)
	manager := NewManager(limiter, Config{
		ReadTimeout:  5 * time.Second,
		PingInterval: time.Second,
		WriteTimeout: time.Second,
		SendBuffer:   16,
	})
	t.Cleanup(manager.Shutdown)

	limiter.Allow("ghost")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		limiter.mu.Lock()
		remaining := len(limiter.clients)
		limiter.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("idle limiter window was never swept")
}

type channelFixture struct {
	manager    *Manager
	dispatcher *bindingDispatcher
	server     *httptest.Server
}

func newChannelFixture(t *testing.T, limiter *RateLimiter) *channelFixture {
	t.Helper()
	if limiter == nil {
		limiter = NewRateLimiter(1000, 1000, time.Minute)
	}
	manager := NewManager(limiter, Config{
		ReadTimeout:  5 * time.Second,
		PingInterval: time.Second,
		WriteTimeout: time.Second,
		SendBuffer:   16,
	})
	dispatcher := &bindingDispatcher{manager: manager}
	manager.SetDispatcher(dispatcher)

	server := httptest.NewServer(http.HandlerFunc(manager.HandleWebSocket))
	t.Cleanup(func() {
		manager.Shutdown()
		server.Close()
	})
	return &channelFixture{manager: manager, dispatcher: dispatcher, server: server}
}

func dial(t *testing.T, f *channelFixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) *types.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	return &msg
}

func writeMessage(t *testing.T, ws *websocket.Conn, msg *types.Message) {
	t.Helper()
	data, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func errorCode(t *testing.T, msg *types.Message) string {
	t.Helper()
	if msg.Type != types.MessageTypeError {
		t.Fatalf("expected error message, got %q", msg.Type)
	}
	var payload types.ErrorPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("bad error payload: %v", err)
	}
	return payload.Code
}

func join(t *testing.T, f *channelFixture, ws *websocket.Conn) (string, string) {
	t.Helper()
	msg, _ := types.NewMessage(types.MessageTypeJoin, "", "", &types.JoinPayload{DisplayName: "Ada"})
	writeMessage(t, ws, msg)
	ack := readMessage(t, ws)
	if ack.Type != types.MessageTypeSessionSnapshot {
		t.Fatalf("expected snapshot ack, got %q", ack.Type)
	}
	return ack.SessionID, ack.ParticipantID
}

func TestManager_MalformedFrameGetsErrorReply(t *testing.T) {
	f := newChannelFixture(t, nil)
	ws := dial(t, f)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if code := errorCode(t, readMessage(t, ws)); code != types.ErrorCodeMalformedMessage {
		t.Errorf("expected malformed_message, got %q", code)
	}
}

func TestManager_UnboundConnectionMustJoinFirst(t *testing.T) {
	f := newChannelFixture(t, nil)
	ws := dial(t, f)

	msg, _ := types.NewMessage(types.MessageTypeChatSend, "s1", "p1",
		&types.ChatSendPayload{Content: "hi", Kind: types.ChatKindText})
	writeMessage(t, ws, msg)
	if code := errorCode(t, readMessage(t, ws)); code != types.ErrorCodeForbidden {
		t.Errorf("expected forbidden, got %q", code)
	}
}

func TestManager_JoinBindsAndForwardsTraffic(t *testing.T) {
	f := newChannelFixture(t, nil)
	ws := dial(t, f)
	sessionID, participantID := join(t, f, ws)

	chat, _ := types.NewMessage(types.MessageTypeChatSend, sessionID, participantID,
		&types.ChatSendPayload{Content: "hello", Kind: types.ChatKindText})
	writeMessage(t, ws, chat)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dispatched := f.dispatcher.dispatchedTypes()
		if len(dispatched) == 2 && dispatched[1] == types.MessageTypeChatSend {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("chat was not dispatched: %v", f.dispatcher.dispatchedTypes())
}

func TestManager_SecondJoinOnBoundConnectionRejected(t *testing.T) {
	f := newChannelFixture(t, nil)
	ws := dial(t, f)
	join(t, f, ws)

	again, _ := types.NewMessage(types.MessageTypeJoin, "", "", &types.JoinPayload{DisplayName: "Eve"})
	writeMessage(t, ws, again)
	if code := errorCode(t, readMessage(t, ws)); code != types.ErrorCodeForbidden {
		t.Errorf("expected forbidden, got %q", code)
	}
}

func TestManager_SpoofedIdentityRejected(t *testing.T) {
	f := newChannelFixture(t, nil)
	ws := dial(t, f)
	sessionID, _ := join(t, f, ws)

	spoofed, _ := types.NewMessage(types.MessageTypeChatSend, sessionID, "someone-else",
		&types.ChatSendPayload{Content: "hi", Kind: types.ChatKindText})
	writeMessage(t, ws, spoofed)
	if code := errorCode(t, readMessage(t, ws)); code != types.ErrorCodeForbidden {
		t.Errorf("expected forbidden, got %q", code)
	}
}

func TestManager_BroadcastExcludesSender(t *testing.T) {
	f := newChannelFixture(t, nil)
	wsA := dial(t, f)
	sessionID, participantA := join(t, f, wsA)
	wsB := dial(t, f)

	// Second client joins the same session.
	joinMsg, _ := types.NewMessage(types.MessageTypeJoin, sessionID, "", &types.JoinPayload{DisplayName: "Bob"})
	writeMessage(t, wsB, joinMsg)
	if ack := readMessage(t, wsB); ack.Type != types.MessageTypeSessionSnapshot {
		t.Fatalf("expected snapshot ack, got %q", ack.Type)
	}

	note, _ := types.NewMessage(types.MessageTypeChatSend, sessionID, participantA,
		&types.ChatSendPayload{Content: "to everyone else", Kind: types.ChatKindText})
	f.manager.Broadcast(sessionID, note, participantA)

	got := readMessage(t, wsB)
	if got.Type != types.MessageTypeChatSend {
		t.Errorf("recipient should receive the broadcast, got %q", got.Type)
	}

	_ = wsA.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := wsA.ReadMessage(); err == nil {
		t.Error("excluded sender should not receive the broadcast")
	}
}

func TestManager_RateLimitedChatGetsErrorReply(t *testing.T) {
	f := newChannelFixture(t, NewRateLimiter(1, 1000, time.Minute))
	ws := dial(t, f)
	sessionID, participantID := join(t, f, ws)

	send := func(content string) {
		msg, _ := types.NewMessage(types.MessageTypeChatSend, sessionID, participantID,
			&types.ChatSendPayload{Content: content, Kind: types.ChatKindText})
		writeMessage(t, ws, msg)
	}
	send("first")
	send("second")
	if code := errorCode(t, readMessage(t, ws)); code != types.ErrorCodeRateLimited {
		t.Errorf("expected rate_limited, got %q", code)
	}
}

func TestManager_DisconnectReportsBoundParticipant(t *testing.T) {
	f := newChannelFixture(t, nil)
	ws := dial(t, f)
	_, participantID := join(t, f, ws)

	_ = ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.dispatcher.mu.Lock()
		n := len(f.dispatcher.disconnected)
		var got string
		if n > 0 {
			got = f.dispatcher.disconnected[0]
		}
		f.dispatcher.mu.Unlock()
		if n > 0 {
			if got != participantID {
				t.Fatalf("expected disconnect for %s, got %s", participantID, got)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("disconnect was never reported")
}
