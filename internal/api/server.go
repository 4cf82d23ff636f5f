package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"collabspace/internal/archive"
	"collabspace/internal/registry"
	"collabspace/pkg/types"
)

// SessionReader is the slice of the registry the API needs.
type SessionReader interface {
	GetSession(sessionID string) (*types.Session, error)
	ListActiveSessions() []*types.Session
	Stats() map[string]int
}

// ArchiveReader serves closed sessions that already left memory.
type ArchiveReader interface {
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	HealthCheck(ctx context.Context) error
}

// TransportStats exposes live connection counts from the channel layer.
type TransportStats interface {
	ConnectionCount() int
}

// Server is the read-only HTTP surface over live and archived sessions.
// ARCHITECTURAL DISCOVERY: No business logic here; handlers only translate
// between HTTP and the registry/archive views. All session mutation flows
// through the WebSocket protocol.
type Server struct {
	sessions  SessionReader
	archive   ArchiveReader
	transport TransportStats
	router    *http.ServeMux
}

// NewServer builds the API server and its routes.
func NewServer(sessions SessionReader, archiveReader ArchiveReader, transport TransportStats) *Server {
	s := &Server{
		sessions:  sessions,
		archive:   archiveReader,
		transport: transport,
		router:    http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/sessions", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessions))))
	s.router.Handle("/api/sessions/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessionByID))))
	s.router.Handle("/api/stats", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleStats))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type SessionSummary struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"`
	ActiveTopic       string    `json:"activeTopic,omitempty"`
	ParticipantCount  int       `json:"participantCount"`
	WhiteboardVersion int64     `json:"whiteboardVersion"`
	CreatedAt         time.Time `json:"createdAt"`
}

type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

type SessionDetailResponse struct {
	Session  *types.Session       `json:"session"`
	Roster   []*types.RosterEntry `json:"roster"`
	Archived bool                 `json:"archived"`
}

type StatsResponse struct {
	Sessions    map[string]int `json:"sessions"`
	Connections int            `json:"connections"`
	Timestamp   time.Time      `json:"timestamp"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Archive   string    `json:"archive"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSessions(w, r)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")[0]
	if sessionID == "" {
		s.sendError(w, "Session ID required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getSession(w, r, sessionID)
	default:
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /api/sessions lists active sessions with roster sizes.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.ListActiveSessions()

	summaries := make([]SessionSummary, len(sessions))
	for i, session := range sessions {
		summaries[i] = SessionSummary{
			ID:                session.ID,
			Status:            session.Status,
			ActiveTopic:       session.ActiveTopic,
			ParticipantCount:  len(session.Participants),
			WhiteboardVersion: session.Whiteboard.Version,
			CreatedAt:         session.CreatedAt,
		}
	}
	_ = json.NewEncoder(w).Encode(ListSessionsResponse{Sessions: summaries})
}

// GET /api/sessions/{id} returns the live session, falling back to the
// archive once the closed session has been purged from memory.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := s.sessions.GetSession(sessionID)
	if err == nil {
		_ = json.NewEncoder(w).Encode(SessionDetailResponse{
			Session: session,
			Roster:  types.RosterOf(session),
		})
		return
	}
	if !errors.Is(err, registry.ErrSessionNotFound) {
		s.sendError(w, "Failed to get session", http.StatusInternalServerError)
		return
	}

	archived, err := s.archive.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, archive.ErrNotArchived) {
			s.sendError(w, "Session not found", http.StatusNotFound)
		} else {
			s.sendError(w, "Failed to get session", http.StatusInternalServerError)
		}
		return
	}
	_ = json.NewEncoder(w).Encode(SessionDetailResponse{
		Session:  archived,
		Roster:   types.RosterOf(archived),
		Archived: true,
	})
}

// GET /api/stats reports registry and transport counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_ = json.NewEncoder(w).Encode(StatsResponse{
		Sessions:    s.sessions.Stats(),
		Connections: s.transport.ConnectionCount(),
		Timestamp:   time.Now(),
	})
}

// GET /health checks archive connectivity.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	archiveStatus := "healthy"
	if err := s.archive.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		archiveStatus = fmt.Sprintf("error: %v", err)
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:    status,
		Archive:   archiveStatus,
		Timestamp: time.Now(),
	})
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware enables browser clients on other origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
