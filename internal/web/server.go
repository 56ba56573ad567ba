// Package web serves the desk's JSON API and event stream.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"linak-desk/internal/automation"
	"linak-desk/internal/desk"
	"linak-desk/internal/dpg"
	"linak-desk/internal/store"
)

// Controller is the desk surface the API drives.
type Controller interface {
	Address() string
	Events() *desk.EventBus
	State() desk.State
	FavoriteSlots() int

	MoveToCm(ctx context.Context, cm float64) (*desk.Move, error)
	MoveToFavorite(ctx context.Context, index int) (*desk.Move, error)
	MoveToTop(ctx context.Context) (*desk.Move, error)
	MoveToBottom(ctx context.Context) (*desk.Move, error)
	MoveUp(ctx context.Context) (*desk.Move, error)
	MoveDown(ctx context.Context) (*desk.Move, error)
	StopMoving(ctx context.Context) error

	SetFavorite(ctx context.Context, index int, cm *float64) error
	SetDeskOffset(ctx context.Context, cm float64) error
	UpdateReminder(ctx context.Context, fn func(r *dpg.ReminderSetting)) error
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithStore exposes persisted desk records on /api/desks.
func WithStore(st store.Store) ServerOption {
	return func(s *Server) {
		s.store = st
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version reported by /api/health.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the desk API.
type Server struct {
	desk           Controller
	store          store.Store
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a server for d and starts its WebSocket hub.
func NewServer(d Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		desk:   d,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = d.Events().OnAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleAPIHealth)
	s.mux.HandleFunc("GET /api/desks", s.handleAPIListDesks)

	s.mux.HandleFunc("GET /api/desk", s.handleAPIGetDesk)
	s.mux.HandleFunc("POST /api/desk/move", s.handleAPIMove)
	s.mux.HandleFunc("POST /api/desk/stop", s.handleAPIStop)
	s.mux.HandleFunc("POST /api/desk/favorites/{n}/move", s.handleAPIMoveToFavorite)
	s.mux.HandleFunc("PUT /api/desk/favorites/{n}", s.handleAPISetFavorite)
	s.mux.HandleFunc("PUT /api/desk/offset", s.handleAPISetOffset)
	s.mux.HandleFunc("PATCH /api/desk/settings", s.handleAPIUpdateSettings)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /api/ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet && !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			if s.isOriginAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Health stays open for liveness probes.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") && r.URL.Path != "/api/health" {
		if subtle.ConstantTimeCompare([]byte(requestKey(r)), []byte(s.apiKey)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// requestKey extracts the API key from the X-API-Key header, a Bearer
// token, or the token query parameter (for WebSocket upgrades).
func requestKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

// decodeBody reads a JSON request body of at most 1 MB into v. It writes
// the 400 response itself and reports whether decoding succeeded.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}
