package server

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agendomat/myproto/internal/database"
)

type apiHarness struct {
	api      *API
	registry *Registry
	db       *database.DB
	handler  http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("database.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	static := NewTokenAuthenticator()
	static.AddToken("admin-token", Principal{Name: "admin", IsAdmin: true})
	static.AddToken("reader-token", Principal{Name: "reader"})

	registry := NewRegistry(0)
	api := NewAPI(registry, db, NewDatabaseAuthenticator(db, static), slog.New(slog.DiscardHandler))

	mux := http.NewServeMux()
	api.Register(mux)

	return &apiHarness{api: api, registry: registry, db: db, handler: mux}
}

func (h *apiHarness) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestAPI_Health(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	h := newAPIHarness(t)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"unknown", "nope", http.StatusUnauthorized},
		{"reader", "reader-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/api/stats", tt.token, "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAPI_LiveSessions(t *testing.T) {
	h := newAPIHarness(t)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s, err := NewSession(&SessionConfig{
		Conn:      serverConn,
		ConnID:    "conn_live",
		Transport: "tcp",
		Logger:    slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := h.registry.Add(s); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/api/sessions", "reader-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var infos []SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != s.ID || infos[0].State != "awaiting_version_header" {
		t.Errorf("sessions = %+v", infos)
	}

	rec = h.do(t, http.MethodGet, "/api/sessions/"+s.ID, "reader-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/api/stats", "reader-token", "")
	var stats ServerStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.ActiveSessions != 1 || stats.SessionsByTransport["tcp"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAPI_JournalSessionsAndFrames(t *testing.T) {
	h := newAPIHarness(t)

	if err := h.db.CreateSession(&database.Session{ID: "sess_old", ConnID: "c", Transport: "ws", State: "closed"}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	for i, body := range []string{"one", "two", "three"} {
		if err := h.db.RecordFrame("sess_old", int64(i+1), 'S', []byte(body)); err != nil {
			t.Fatalf("RecordFrame failed: %v", err)
		}
	}

	rec := h.do(t, http.MethodGet, "/api/sessions?source=journal", "reader-token", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sess_old") {
		t.Fatalf("journal list = %d %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, http.MethodGet, "/api/sessions/sess_old", "reader-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("journal get status = %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/api/sessions/sess_old/frames?limit=2&offset=1", "reader-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("frames status = %d", rec.Code)
	}
	var frames []database.Frame
	if err := json.Unmarshal(rec.Body.Bytes(), &frames); err != nil {
		t.Fatalf("decode frames: %v", err)
	}
	if len(frames) != 2 || string(frames[0].Body) != "two" || string(frames[1].Body) != "three" {
		t.Errorf("frames = %+v", frames)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/sessions/missing", http.StatusNotFound},
		{"/api/sessions/missing/frames", http.StatusNotFound},
		{"/api/sessions/sess_old/frames?limit=0", http.StatusBadRequest},
		{"/api/sessions?source=journal&offset=-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := h.do(t, http.MethodGet, tt.path, "reader-token", ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAPI_CreateToken(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/tokens", "reader-token", `{"name":"x"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want 403", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/tokens", "admin-token", `{"name":" "}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank name status = %d, want 400", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/tokens", "admin-token", `{"name":"ci"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// the new token authenticates through the database
	if rec := h.do(t, http.MethodGet, "/api/stats", created.Token, ""); rec.Code != http.StatusOK {
		t.Errorf("new token status = %d, want 200", rec.Code)
	}
}

func TestAPI_WithoutJournal(t *testing.T) {
	static := NewTokenAuthenticator()
	static.AddToken("t", Principal{Name: "t", IsAdmin: true})
	api := NewAPI(NewRegistry(0), nil, static, slog.New(slog.DiscardHandler))
	mux := http.NewServeMux()
	api.Register(mux)

	for _, path := range []string{"/api/sessions?source=journal", "/api/sessions/x/frames", "/api/sessions/x"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer t")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, rec.Code)
		}
	}
}
