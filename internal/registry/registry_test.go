package registry

import (
	"testing"
	"time"

	"collabspace/pkg/types"
)

func TestCreateSession_Defaults(t *testing.T) {
	r := New(time.Minute)
	session := r.CreateSession()

	if session.ID == "" {
		t.Fatal("expected generated session ID")
	}
	if session.Status != types.SessionStatusActive {
		t.Errorf("expected active status, got %q", session.Status)
	}
	if session.Whiteboard.Version != 0 {
		t.Errorf("expected whiteboard version 0, got %d", session.Whiteboard.Version)
	}
	if session.HostParticipantID != "" {
		t.Errorf("host should be unset until first join, got %q", session.HostParticipantID)
	}

	got, err := r.GetSession(session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ID != session.ID {
		t.Errorf("expected same session back")
	}
}

func TestGetSession_Unknown(t *testing.T) {
	r := New(time.Minute)
	if _, err := r.GetSession("nope"); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMutate(t *testing.T) {
	r := New(time.Minute)
	session := r.CreateSession()

	err := r.Mutate(session.ID, func(s *types.Session) error {
		s.SharedCode = "x := 1"
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	got, _ := r.GetSession(session.ID)
	if got.SharedCode != "x := 1" {
		t.Errorf("mutation not applied: %q", got.SharedCode)
	}

	if err := r.Mutate("missing", func(s *types.Session) error { return nil }); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCloseSession(t *testing.T) {
	r := New(time.Minute)
	session := r.CreateSession()

	var notified *types.Session
	r.SetSessionClosedFunc(func(s *types.Session) { notified = s })

	if err := r.CloseSession(session.ID); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if notified == nil || notified.ID != session.ID {
		t.Error("expected session closed notification")
	}

	// Closed sessions remain queryable inside retention but reject mutation
	got, err := r.GetSession(session.ID)
	if err != nil {
		t.Fatalf("closed session should remain queryable: %v", err)
	}
	if got.Status != types.SessionStatusClosed {
		t.Errorf("expected closed status, got %q", got.Status)
	}
	if got.ClosedAt == nil {
		t.Error("expected ClosedAt to be set")
	}

	err = r.Mutate(session.ID, func(s *types.Session) error {
		t.Error("mutation fn must not run on closed session")
		return nil
	})
	if err != ErrSessionClosed {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}

	// Idempotent close
	if err := r.CloseSession(session.ID); err != nil {
		t.Errorf("second close should be nil, got %v", err)
	}
}

func TestCloseSession_PurgeAfterRetention(t *testing.T) {
	r := New(30 * time.Millisecond)
	session := r.CreateSession()
	_ = r.CloseSession(session.ID)

	deadline := time.After(time.Second)
	for {
		if _, err := r.GetSession(session.ID); err == ErrSessionNotFound {
			return
		}
		select {
		case <-deadline:
			t.Fatal("closed session was not purged after retention window")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestListActiveSessions(t *testing.T) {
	r := New(time.Minute)
	a := r.CreateSession()
	b := r.CreateSession()
	_ = r.CloseSession(b.ID)

	active := r.ListActiveSessions()
	if len(active) != 1 || active[0].ID != a.ID {
		t.Errorf("expected only session %s active, got %d sessions", a.ID, len(active))
	}

	stats := r.Stats()
	if stats["active_sessions"] != 1 || stats["retained_closed"] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
}
