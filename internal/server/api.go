package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agendomat/myproto/internal/common"
	"github.com/agendomat/myproto/internal/database"
)

// Store is the part of the journal the API reads and writes.
type Store interface {
	GetSession(id string) (*database.Session, error)
	ListSessions(limit, offset int) ([]database.Session, error)
	ListFrames(sessionID string, limit, offset int) ([]database.Frame, error)
	SessionCounts() (map[string]int64, error)
	CreateAPIToken(id, secret, name string, isAdmin bool) (*database.APIToken, string, error)
}

// API serves the JSON inspection endpoints.
type API struct {
	registry  *Registry
	store     Store
	auth      Authenticator
	logger    *slog.Logger
	startedAt time.Time
}

// NewAPI creates the API. store may be nil when the journal is disabled.
func NewAPI(registry *Registry, store Store, auth Authenticator, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		registry:  registry,
		store:     store,
		auth:      auth,
		logger:    logger.With(slog.String("component", "api")),
		startedAt: time.Now(),
	}
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.HandleHealth)
	mux.HandleFunc("GET /api/stats", a.AuthMiddleware(a.HandleStats))
	mux.HandleFunc("GET /api/sessions", a.AuthMiddleware(a.HandleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}", a.AuthMiddleware(a.HandleGetSession))
	mux.HandleFunc("GET /api/sessions/{id}/frames", a.AuthMiddleware(a.HandleListFrames))
	mux.HandleFunc("POST /api/tokens", a.AuthMiddleware(a.HandleCreateToken))
}

// Helper for JSON responses
func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// --- Health & Stats ---

// HandleHealth reports liveness without authentication.
func (a *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServerStats holds server statistics.
type ServerStats struct {
	ActiveSessions      int              `json:"active_sessions"`
	SessionsByTransport map[string]int   `json:"sessions_by_transport"`
	JournalByState      map[string]int64 `json:"journal_by_state,omitempty"`
	Uptime              string           `json:"uptime"`
}

// HandleStats returns live and journalled session counts.
func (a *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := ServerStats{
		ActiveSessions:      a.registry.Count(),
		SessionsByTransport: a.registry.CountByTransport(),
		Uptime:              time.Since(a.startedAt).Round(time.Second).String(),
	}
	if a.store != nil {
		counts, err := a.store.SessionCounts()
		if err != nil {
			a.logger.Error("failed to count sessions", slog.Any("error", err))
			jsonError(w, http.StatusInternalServerError, "failed to read journal")
			return
		}
		stats.JournalByState = counts
	}
	jsonResponse(w, http.StatusOK, stats)
}

// --- Session Handlers ---

// HandleListSessions lists live sessions, or journalled sessions with
// ?source=journal.
func (a *API) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") != "journal" {
		live := a.registry.List()
		infos := make([]SessionInfo, 0, len(live))
		for _, s := range live {
			infos = append(infos, s.Info())
		}
		jsonResponse(w, http.StatusOK, infos)
		return
	}

	if a.store == nil {
		jsonError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := a.store.ListSessions(limit, offset)
	if err != nil {
		a.logger.Error("failed to list sessions", slog.Any("error", err))
		jsonError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if sessions == nil {
		sessions = []database.Session{}
	}
	jsonResponse(w, http.StatusOK, sessions)
}

// HandleGetSession returns a live session, falling back to the journal.
func (a *API) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if s, ok := a.registry.Get(id); ok {
		jsonResponse(w, http.StatusOK, s.Info())
		return
	}

	if a.store == nil {
		jsonError(w, http.StatusNotFound, "session not found")
		return
	}
	session, err := a.store.GetSession(id)
	if errors.Is(err, database.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		a.logger.Error("failed to get session", slog.String("id", id), slog.Any("error", err))
		jsonError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	jsonResponse(w, http.StatusOK, session)
}

// HandleListFrames returns the journalled frames of a session in order.
func (a *API) HandleListFrames(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		jsonError(w, http.StatusNotFound, "journal disabled")
		return
	}

	id := r.PathValue("id")
	if _, err := a.store.GetSession(id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			jsonError(w, http.StatusNotFound, "session not found")
			return
		}
		jsonError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}

	limit, offset, err := pagination(r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	frames, err := a.store.ListFrames(id, limit, offset)
	if err != nil {
		a.logger.Error("failed to list frames", slog.String("id", id), slog.Any("error", err))
		jsonError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if frames == nil {
		frames = []database.Frame{}
	}
	jsonResponse(w, http.StatusOK, frames)
}

// --- Token Handlers ---

// HandleCreateToken creates an API token. Only admins may call it.
func (a *API) HandleCreateToken(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if p == nil || !p.IsAdmin {
		jsonError(w, http.StatusForbidden, "admin token required")
		return
	}
	if a.store == nil {
		jsonError(w, http.StatusNotFound, "journal disabled")
		return
	}

	var req struct {
		Name  string `json:"name"`
		Admin bool   `json:"admin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		jsonError(w, http.StatusBadRequest, "name is required")
		return
	}

	token, plain, err := a.store.CreateAPIToken(common.GenerateTokenID(), common.GenerateSecret(), req.Name, req.Admin)
	if err != nil {
		a.logger.Error("failed to create token", slog.Any("error", err))
		jsonError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	a.logger.Info("api token created",
		slog.String("token_id", token.ID),
		slog.String("name", token.Name),
		slog.String("by", p.Name))

	jsonResponse(w, http.StatusCreated, map[string]interface{}{
		"id":    token.ID,
		"name":  token.Name,
		"admin": token.IsAdmin,
		"token": plain,
	})
}

// --- Helper Functions ---

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func pagination(r *http.Request) (int, int, error) {
	limit, offset := defaultPageSize, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}

// --- Middleware ---

type principalKey struct{}

func principalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// AuthMiddleware authenticates "Authorization: Bearer <token>". A missing
// header is passed on as an empty token, which only NoOpAuthenticator accepts.
func (a *API) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

		p, err := a.auth.Authenticate(strings.TrimSpace(token))
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				a.logger.Error("authentication failed", slog.Any("error", err))
			}
			jsonError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	}
}
