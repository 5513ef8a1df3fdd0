package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaydoc/internal/awareness"
	"github.com/agentworkforce/relaydoc/internal/relaydoc"
	"github.com/agentworkforce/relaydoc/internal/transport"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	// JWTSecret enables bearer auth. Empty disables it.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	MaxFrameBytes   int64
	// OriginPatterns are passed to the websocket handshake; empty means same origin only.
	OriginPatterns  []string
	PersistInterval time.Duration
	PresenceTimeout time.Duration
	Fanout          Fanout
	Registry        *prometheus.Registry
	Logger          Logger
}

type Server struct {
	store       *relaydoc.Store
	cfg         ServerConfig
	router      *mux.Router
	rateLimiter *rateLimiter
	metrics     *metrics
	hub         *hub
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type pushScriptRequest struct {
	ProjectID string `json:"projectId"`
	Code      string `json:"code"`
	Token     string `json:"token,omitempty"`
	Source    string `json:"source,omitempty"`
}

type scriptResponse struct {
	ProjectID string `json:"projectId"`
	Script    string `json:"script"`
	Version   int    `json:"version"`
	Hash      string `json:"hash,omitempty"`
	Live      bool   `json:"live"`
}

func NewServer(store *relaydoc.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *relaydoc.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 16 << 20
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = 2 * time.Second
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = awareness.DefaultOutdatedTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	m := newMetrics(cfg.Registry)
	s := &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     m,
		hub:         newHub(store, m, cfg.Fanout, cfg.Logger, cfg.PersistInterval, cfg.PresenceTimeout),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.metrics.middleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/backends", s.handleAdminBackends).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/rooms", s.handleAdminRooms).Methods(http.MethodGet)
	r.HandleFunc("/v1/projects/{projectId}/script", s.handleGetScript).Methods(http.MethodGet)
	r.HandleFunc("/v1/sync-script", s.handlePushScript).Methods(http.MethodPost)
	r.HandleFunc("/ws/{projectId}", s.handleWebSocket).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close disconnects every peer and writes live rooms to the store.
func (s *Server) Close() {
	s.hub.close()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminBackends(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, r.Header.Get("Authorization"), "", scopeAdminRead); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.store.GetBackendStatus())
}

func (s *Server) handleAdminRooms(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, r.Header.Get("Authorization"), "", scopeAdminRead); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": s.hub.status()})
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	if _, ok := s.authorize(w, r, r.Header.Get("Authorization"), projectID, scopeScriptRead); !ok {
		return
	}
	correlationID := ensureCorrelationID(w, r)
	script, err := s.store.GetScript(projectID)
	live, isLive := s.hub.text(projectID)
	switch {
	case err == nil:
	case errors.Is(err, relaydoc.ErrNotFound) && isLive:
		script = relaydoc.Script{ProjectID: projectID}
	case errors.Is(err, relaydoc.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "project has no script", correlationID)
		return
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	resp := scriptResponse{
		ProjectID: projectID,
		Script:    script.Content,
		Version:   script.Version,
		Hash:      script.Hash,
	}
	if isLive {
		resp.Script = live
		resp.Hash = relaydoc.HashContent(live)
		resp.Live = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePushScript(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(w, r)
	var req pushScriptRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "projectId is required", correlationID)
		return
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && req.Token != "" {
		authHeader = "Bearer " + req.Token
	}
	if _, ok := s.authorize(w, r, authHeader, req.ProjectID, scopeScriptWrite); !ok {
		return
	}
	result, err := s.store.PushScript(relaydoc.PushRequest{
		ProjectID:     req.ProjectID,
		Code:          req.Code,
		Source:        relaydoc.SourcePush,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.metrics.pushes.WithLabelValues("error").Inc()
		status := http.StatusInternalServerError
		code := "internal_error"
		if errors.Is(err, relaydoc.ErrInvalidInput) {
			status, code = http.StatusBadRequest, "bad_request"
		}
		writeError(w, status, code, err.Error(), correlationID)
		return
	}
	if result.Changed {
		s.metrics.pushes.WithLabelValues("changed").Inc()
	} else {
		s.metrics.pushes.WithLabelValues("unchanged").Inc()
	}
	// the stored copy can lag a live room, so the room is diffed even when
	// the store saw no change
	if s.hub.applyScript(req.ProjectID, req.Code) {
		logf(s.cfg.Logger, "applied push v%d from %s to live project %s", result.Version, strings.TrimSpace(req.Source), req.ProjectID)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, ok := s.authorize(w, r, authHeader, projectID, scopeDocSync)
	if !ok {
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		logf(s.cfg.Logger, "websocket accept for project %s failed: %v", projectID, err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxFrameBytes)
	s.hub.serve(projectID, claims.Subject, transport.NewWebSocketConn(ws))
}

// authorize writes the error response itself and reports whether the
// request may proceed. With no secret configured every request passes.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, authHeader, projectID, scope string) (tokenClaims, bool) {
	var claims tokenClaims
	if s.cfg.JWTSecret != "" {
		parsed, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, projectID, scope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return tokenClaims{}, false
		}
		claims = parsed
	}
	if s.rateLimiter != nil {
		key := projectID + "|" + claims.Subject
		if claims.Subject == "" {
			key = projectID + "|" + r.RemoteAddr
		}
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return tokenClaims{}, false
		}
	}
	return claims, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := getCorrelationID(r)
	if id == "" {
		id = "srv_" + uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", id)
	return id
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
