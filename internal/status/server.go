package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/user/chatrelay/internal/relay"
	"github.com/user/chatrelay/internal/types"
)

// Relay is the view of the running relay the server reports on.
type Relay interface {
	Stats() *relay.Stats
	Connected() bool
}

// Server is a read-only HTTP handler exposing relay health and history.
type Server struct {
	relay   Relay
	groups  types.GroupStore
	journal types.Journal
	mux     *http.ServeMux
	logger  *slog.Logger
}

// NewServer creates a status Server. groups and journal may be nil, in which
// case the session endpoints answer 503.
func NewServer(r Relay, groups types.GroupStore, journal types.Journal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		relay:   r,
		groups:  groups,
		journal: journal,
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "status"),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/", s.handleSessionEvents)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("status server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.relay.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Connected bool `json:"connected"`
		relay.StatsSnapshot
	}{
		Connected:     s.relay.Connected(),
		StatsSnapshot: s.relay.Stats().Snapshot(),
	})
}

type sessionResponse struct {
	SessionID  string `json:"session_id"`
	GroupID    string `json:"group_id"`
	CreatedAt  string `json:"created_at,omitempty"`
	EntryCount int64  `json:"entry_count"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.groups == nil {
		http.Error(w, `{"error":"group store not configured"}`, http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	mappings, err := s.groups.List(ctx)
	if err != nil {
		s.logger.Error("list mappings failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	result := make([]sessionResponse, 0, len(mappings))
	for _, m := range mappings {
		resp := sessionResponse{
			SessionID: string(m.SessionID),
			GroupID:   string(m.GroupID),
		}
		if !m.CreatedAt.IsZero() {
			resp.CreatedAt = m.CreatedAt.Format(time.RFC3339)
		}
		if s.journal != nil {
			count, err := s.journal.Count(ctx, m.SessionID)
			if err != nil {
				s.logger.Warn("count journal failed", "session_id", m.SessionID, "error", err)
			}
			resp.EntryCount = count
		}
		result = append(result, resp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].SessionID < result[j].SessionID
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, `{"error":"journal not configured"}`, http.StatusServiceUnavailable)
		return
	}

	// Path: /api/sessions/{id}/events
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] != "events" {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	sessionID := types.SessionID(parts[0])

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.journal.Tail(r.Context(), sessionID, limit)
	if err != nil {
		s.logger.Error("tail journal failed", "session_id", sessionID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*types.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
