package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"collabspace/internal/lifecycle"
	"collabspace/internal/presence"
	"collabspace/internal/reconciler"
	"collabspace/internal/registry"
	"collabspace/pkg/types"
)

// hubBroadcaster records deliveries. When slowSession is set, broadcasts
// for that session block until the gate channel yields, which lets tests
// hold one session worker mid-operation.
type hubBroadcaster struct {
	mu          sync.Mutex
	broadcasts  []*types.Message
	connSends   map[string][]*types.Message
	slowSession string
	gate        chan struct{}
}

func newHubBroadcaster() *hubBroadcaster {
	return &hubBroadcaster{connSends: make(map[string][]*types.Message)}
}

func (b *hubBroadcaster) Broadcast(sessionID string, msg *types.Message, exclude string) {
	b.mu.Lock()
	slow := b.slowSession == sessionID
	b.mu.Unlock()
	if slow {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcasts = append(b.broadcasts, msg)
}

func (b *hubBroadcaster) SendToConn(connID string, msg *types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connSends[connID] = append(b.connSends[connID], msg)
	return nil
}

func (b *hubBroadcaster) sentTo(connID string) []*types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Message(nil), b.connSends[connID]...)
}

func (b *hubBroadcaster) broadcastsOfType(msgType string) []*types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*types.Message
	for _, msg := range b.broadcasts {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

type hubBinder struct{}

func (hubBinder) Bind(connID, sessionID, participantID string) error { return nil }
func (hubBinder) Release(sessionID, participantID string)           {}

type hubArchive struct{}

func (hubArchive) SaveSession(ctx context.Context, session *types.Session) error { return nil }
func (hubArchive) SaveChatMessage(ctx context.Context, sessionID string, msg *types.ChatMessage) error {
	return nil
}

type hubFixture struct {
	hub         *Hub
	broadcaster *hubBroadcaster
	registry    *registry.Registry
}

func newHubFixture(t *testing.T, queueSize int) *hubFixture {
	t.Helper()
	reg := registry.New(time.Minute)
	tracker := presence.NewTracker(time.Hour, time.Hour)
	broadcaster := newHubBroadcaster()
	manager := lifecycle.NewManager(reg, tracker, reconciler.New(200),
		broadcaster, hubBinder{}, hubArchive{})
	h := NewHub(manager, queueSize)
	tracker.SetEvents(h)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })
	return &hubFixture{hub: h, broadcaster: broadcaster, registry: reg}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// joinSession dispatches a create-and-join and returns the session and
// participant IDs assigned by the server.
func joinSession(t *testing.T, f *hubFixture, connID, name string) (string, string) {
	t.Helper()
	msg, err := types.NewMessage(types.MessageTypeJoin, "", "", &types.JoinPayload{DisplayName: name})
	if err != nil {
		t.Fatalf("failed to build join: %v", err)
	}
	if err := f.hub.Dispatch(connID, msg); err != nil {
		t.Fatalf("join dispatch failed: %v", err)
	}
	waitFor(t, "join snapshot", func() bool { return len(f.broadcaster.sentTo(connID)) > 0 })
	snapshot := f.broadcaster.sentTo(connID)[0]
	if snapshot.Type != types.MessageTypeSessionSnapshot {
		t.Fatalf("expected snapshot first, got %q", snapshot.Type)
	}
	return snapshot.SessionID, snapshot.ParticipantID
}

func TestHub_StartStopGuards(t *testing.T) {
	reg := registry.New(time.Minute)
	tracker := presence.NewTracker(time.Hour, time.Hour)
	manager := lifecycle.NewManager(reg, tracker, reconciler.New(200),
		newHubBroadcaster(), hubBinder{}, hubArchive{})
	h := NewHub(manager, 16)

	if err := h.Stop(); err != ErrHubNotRunning {
		t.Errorf("expected ErrHubNotRunning, got %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := h.Start(context.Background()); err != ErrHubAlreadyRunning {
		t.Errorf("expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("stop failed: %v", err)
	}

	msg, _ := types.NewMessage(types.MessageTypeJoin, "", "", &types.JoinPayload{DisplayName: "Ada"})
	if err := h.Dispatch("conn1", msg); err != ErrHubNotRunning {
		t.Errorf("expected ErrHubNotRunning after stop, got %v", err)
	}
}

func TestHub_JoinWithEmptySessionCreatesSession(t *testing.T) {
	f := newHubFixture(t, 64)

	sessionID, participantID := joinSession(t, f, "conn1", "Ada")
	if sessionID == "" || participantID == "" {
		t.Fatal("expected server-assigned session and participant IDs")
	}
	if f.hub.SessionCount() != 1 {
		t.Errorf("expected 1 live worker, got %d", f.hub.SessionCount())
	}
	if _, err := f.registry.GetSession(sessionID); err != nil {
		t.Errorf("created session not in registry: %v", err)
	}
}

func TestHub_RejectedCreateJoinClosesSession(t *testing.T) {
	f := newHubFixture(t, 64)

	msg, err := types.NewMessage(types.MessageTypeJoin, "", "",
		&types.JoinPayload{DisplayName: strings.Repeat("x", 60)})
	if err != nil {
		t.Fatalf("failed to build join: %v", err)
	}
	if err := f.hub.Dispatch("conn1", msg); err != nil {
		t.Fatalf("join dispatch failed: %v", err)
	}
	sessionID := msg.SessionID
	if sessionID == "" {
		t.Fatal("expected dispatch to assign a session ID")
	}

	// The rejected join must not leave an empty active session behind
	waitFor(t, "worker retirement", func() bool { return f.hub.SessionCount() == 0 })

	got, err := f.registry.GetSession(sessionID)
	if err != nil {
		t.Fatalf("aborted session should stay queryable inside retention: %v", err)
	}
	if got.Status != types.SessionStatusClosed {
		t.Errorf("expected aborted session closed, got %q", got.Status)
	}
	if len(got.Participants) != 0 {
		t.Errorf("expected empty roster, got %d participants", len(got.Participants))
	}

	sends := f.broadcaster.sentTo("conn1")
	if len(sends) == 0 || sends[0].Type != types.MessageTypeError {
		t.Error("expected an error reply to the rejected joiner")
	}
}

func TestHub_DispatchUnknownSession(t *testing.T) {
	f := newHubFixture(t, 64)

	msg, _ := types.NewMessage(types.MessageTypeChatSend, "nope", "whoever",
		&types.ChatSendPayload{Content: "hi", Kind: types.ChatKindText})
	if err := f.hub.Dispatch("conn1", msg); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestHub_OperationsApplyInDispatchOrder(t *testing.T) {
	f := newHubFixture(t, 64)
	sessionID, participantID := joinSession(t, f, "conn1", "Ada")

	const n = 10
	for i := 0; i < n; i++ {
		msg, _ := types.NewMessage(types.MessageTypeChatSend, sessionID, participantID,
			&types.ChatSendPayload{Content: fmt.Sprintf("msg-%d", i), Kind: types.ChatKindText})
		if err := f.hub.Dispatch("conn1", msg); err != nil {
			t.Fatalf("dispatch %d failed: %v", i, err)
		}
	}

	waitFor(t, "chat broadcasts", func() bool {
		return len(f.broadcaster.broadcastsOfType(types.MessageTypeChatSend)) == n
	})

	for i, msg := range f.broadcaster.broadcastsOfType(types.MessageTypeChatSend) {
		var chat types.ChatMessage
		if err := json.Unmarshal(msg.Payload, &chat); err != nil {
			t.Fatalf("bad chat payload: %v", err)
		}
		if want := fmt.Sprintf("msg-%d", i); chat.Content != want {
			t.Fatalf("out of order at %d: got %q want %q", i, chat.Content, want)
		}
	}
}

func TestHub_LateJoinerSnapshotIncludesEarlierMutations(t *testing.T) {
	f := newHubFixture(t, 64)
	sessionID, participantID := joinSession(t, f, "conn1", "Ada")

	chat, _ := types.NewMessage(types.MessageTypeChatSend, sessionID, participantID,
		&types.ChatSendPayload{Content: "before-join", Kind: types.ChatKindText})
	if err := f.hub.Dispatch("conn1", chat); err != nil {
		t.Fatalf("chat dispatch failed: %v", err)
	}

	join, _ := types.NewMessage(types.MessageTypeJoin, sessionID, "", &types.JoinPayload{DisplayName: "Bob"})
	if err := f.hub.Dispatch("conn2", join); err != nil {
		t.Fatalf("second join failed: %v", err)
	}

	waitFor(t, "second snapshot", func() bool { return len(f.broadcaster.sentTo("conn2")) > 0 })
	var snapshot types.SessionSnapshotPayload
	if err := json.Unmarshal(f.broadcaster.sentTo("conn2")[0].Payload, &snapshot); err != nil {
		t.Fatalf("bad snapshot: %v", err)
	}
	if len(snapshot.ChatLogTail) != 1 || snapshot.ChatLogTail[0].Content != "before-join" {
		t.Errorf("snapshot must reflect all operations dispatched before the join: %+v", snapshot.ChatLogTail)
	}
}

func TestHub_LastLeaveRetiresWorker(t *testing.T) {
	f := newHubFixture(t, 64)
	sessionID, participantID := joinSession(t, f, "conn1", "Ada")

	leave, _ := types.NewMessage(types.MessageTypeLeave, sessionID, participantID, nil)
	if err := f.hub.Dispatch("conn1", leave); err != nil {
		t.Fatalf("leave dispatch failed: %v", err)
	}

	waitFor(t, "worker retirement", func() bool { return f.hub.SessionCount() == 0 })

	chat, _ := types.NewMessage(types.MessageTypeChatSend, sessionID, participantID,
		&types.ChatSendPayload{Content: "late", Kind: types.ChatKindText})
	if err := f.hub.Dispatch("conn1", chat); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound after close, got %v", err)
	}
}

func TestHub_IndependentSessionsProgressInParallel(t *testing.T) {
	f := newHubFixture(t, 64)
	stalledID, stalledParticipant := joinSession(t, f, "conn1", "Ada")

	f.broadcaster.mu.Lock()
	f.broadcaster.slowSession = stalledID
	f.broadcaster.gate = make(chan struct{})
	f.broadcaster.mu.Unlock()
	defer close(f.broadcaster.gate)

	// Stall the first session's worker inside a broadcast.
	chat, _ := types.NewMessage(types.MessageTypeChatSend, stalledID, stalledParticipant,
		&types.ChatSendPayload{Content: "stuck", Kind: types.ChatKindText})
	if err := f.hub.Dispatch("conn1", chat); err != nil {
		t.Fatalf("chat dispatch failed: %v", err)
	}

	otherID, _ := joinSession(t, f, "conn2", "Bob")
	if otherID == stalledID {
		t.Fatal("expected a distinct session")
	}
}

func TestHub_QueueFullRejectsDispatch(t *testing.T) {
	f := newHubFixture(t, 1)
	sessionID, participantID := joinSession(t, f, "conn1", "Ada")

	f.broadcaster.mu.Lock()
	f.broadcaster.slowSession = sessionID
	f.broadcaster.gate = make(chan struct{})
	f.broadcaster.mu.Unlock()
	defer close(f.broadcaster.gate)

	send := func(content string) error {
		msg, _ := types.NewMessage(types.MessageTypeChatSend, sessionID, participantID,
			&types.ChatSendPayload{Content: content, Kind: types.ChatKindText})
		return f.hub.Dispatch("conn1", msg)
	}

	// First chat occupies the worker inside the gated broadcast.
	if err := send("a"); err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	// Fill the single queue slot, then the next dispatch must shed.
	waitFor(t, "queue saturation", func() bool {
		err := send("b")
		return err == nil || err == ErrQueueFull
	})
	waitFor(t, "queue full rejection", func() bool { return send("c") == ErrQueueFull })
}
