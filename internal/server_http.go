package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type usersResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

type userResponse struct {
	Username    string     `json:"username"`
	Online      bool       `json:"online"`
	Connections int        `json:"connections"`
	Draining    bool       `json:"draining"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

type transitionResponse struct {
	Kind       string    `json:"kind"`
	SessionID  string    `json:"session_id"`
	DeviceType string    `json:"device_type"`
	OccurredAt time.Time `json:"occurred_at"`
}

type historyResponse struct {
	Username    string               `json:"username"`
	Transitions []transitionResponse `json:"transitions"`
}

const maxHistoryLimit = 500

// HandleUsers lists every online user.
func (s *Server) HandleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	users := s.presence.Registry().DistinctUsernames()
	writeJSON(w, http.StatusOK, usersResponse{Count: len(users), Users: users})
}

// HandleUser serves /users/{name} and /users/{name}/history.
func (s *Server) HandleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	name, rest, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/users/"), "/")
	username := strings.TrimSpace(name)
	if username == "" {
		writeError(w, http.StatusBadRequest, errors.New("username required"))
		return
	}
	switch rest {
	case "":
		s.handleUserPresence(w, r, username)
	case "history":
		s.handleUserHistory(w, r, username)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleUserPresence(w http.ResponseWriter, r *http.Request, username string) {
	registry := s.presence.Registry()
	resp := userResponse{
		Username:    username,
		Connections: registry.Count(username),
		Draining:    s.presence.Draining(username),
	}
	resp.Online = resp.Connections > 0
	if s.store != nil {
		record, err := s.store.GetUser(r.Context(), username)
		if err != nil {
			s.logger.Warn("last seen lookup", zap.String("username", username), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if record != nil {
			resp.Username = record.Username
			lastSeen := record.LastSeen
			resp.LastSeen = &lastSeen
		}
	}
	if !resp.Online && !resp.Draining && resp.LastSeen == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUserHistory lists the user's recorded transitions, newest first.
func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request, username string) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("presence history is disabled"))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	transitions, err := s.store.ListTransitions(r.Context(), username, limit)
	if err != nil {
		s.logger.Warn("list presence history", zap.String("username", username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := historyResponse{Username: username, Transitions: make([]transitionResponse, 0, len(transitions))}
	for _, t := range transitions {
		resp.Username = t.Username
		resp.Transitions = append(resp.Transitions, transitionResponse{
			Kind:       t.Kind,
			SessionID:  t.SessionID,
			DeviceType: t.DeviceType,
			OccurredAt: t.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.presence.Registry().Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
