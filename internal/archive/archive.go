package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"

	"collabspace/pkg/types"
)

// Config holds archive store settings.
type Config struct {
	Path            string
	MaxConnections  int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	WriteTimeout    time.Duration
}

// Store persists closed sessions and the full chat transcript to SQLite so the
// registry's in-memory purge does not erase the answer to late reconnect
// queries.
type Store struct {
	db           *sql.DB
	config       *Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

// writeOperation represents a queued database write.
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open creates the archive store, bootstraps the schema, and starts the
// single-writer loop.
func Open(config *Config) (*Store, error) {
	db, err := sql.Open("sqlite3", config.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := bootstrapSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to bootstrap archive schema: %w", err)
	}

	store := &Store{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	store.wg.Add(1)
	go store.writeLoop()

	return store, nil
}

// writeLoop processes all write operations in a single goroutine.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			// FUNCTIONAL DISCOVERY: Retry once after a short delay covers transient
			// busy errors without stalling the queue indefinitely
			err := op.operation(s.db)
			if err != nil {
				log.Printf("Archive write failed, retrying: %v", err)
				time.Sleep(time.Second)
				err = op.operation(s.db)
				if err != nil {
					log.Printf("Archive write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			log.Println("Archive write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion.
func (s *Store) executeWrite(operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(s.config.WriteTimeout):
		return ErrWriteTimeout
	case <-s.shutdown:
		return ErrStoreClosed
	}
}

// SaveSession upserts a session row. Called on close (terminal state) and may
// be called again if a closed session is re-archived idempotently.
func (s *Store) SaveSession(ctx context.Context, session *types.Session) error {
	whiteboard, err := json.Marshal(session.Whiteboard)
	if err != nil {
		return fmt.Errorf("failed to marshal whiteboard: %w", err)
	}

	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT OR REPLACE INTO sessions
				(id, host_participant_id, status, created_at, closed_at, shared_code, whiteboard, active_topic)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, session.HostParticipantID, session.Status,
			session.CreatedAt, session.ClosedAt, session.SharedCode,
			string(whiteboard), session.ActiveTopic)
		return err
	})
}

// SaveChatMessage appends one chat message to the durable transcript.
func (s *Store) SaveChatMessage(ctx context.Context, sessionID string, msg *types.ChatMessage) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO chat_messages (id, session_id, author_participant_id, content, kind, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, sessionID, msg.AuthorParticipantID, msg.Content, msg.Kind, msg.Timestamp)
		return err
	})
}

// GetSession loads an archived session row. Participants and chat are not
// reconstructed; the roster died with the live session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, host_participant_id, status, created_at, closed_at, shared_code, whiteboard, active_topic
		FROM sessions WHERE id = ?`, sessionID)

	var session types.Session
	var whiteboard string
	var closedAt sql.NullTime
	err := row.Scan(&session.ID, &session.HostParticipantID, &session.Status,
		&session.CreatedAt, &closedAt, &session.SharedCode, &whiteboard, &session.ActiveTopic)
	if err == sql.ErrNoRows {
		return nil, ErrNotArchived
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load archived session: %w", err)
	}

	if closedAt.Valid {
		session.ClosedAt = &closedAt.Time
	}
	if err := json.Unmarshal([]byte(whiteboard), &session.Whiteboard); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived whiteboard: %w", err)
	}
	session.Participants = make(map[string]*types.Participant)

	return &session, nil
}

// GetChatHistory returns the most recent limit messages for a session in
// chronological order.
func (s *Store) GetChatHistory(ctx context.Context, sessionID string, limit int) ([]*types.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_participant_id, content, kind, created_at FROM (
			SELECT id, author_participant_id, content, kind, created_at
			FROM chat_messages WHERE session_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}
	defer rows.Close()

	var messages []*types.ChatMessage
	for rows.Next() {
		var msg types.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.AuthorParticipantID, &msg.Content, &msg.Kind, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// HealthCheck verifies the database connection is usable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the write loop and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	return s.db.Close()
}
