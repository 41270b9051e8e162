package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opulenthorizons/leadsync/internal/leadsync"
	"github.com/opulenthorizons/leadsync/internal/metrics"
)

type ServerConfig struct {
	// AdminAPIKey guards the non-webhook surface. Empty disables admin
	// routes entirely rather than leaving them open.
	AdminAPIKey string

	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	ingestor    *leadsync.Ingestor
	resolver    *leadsync.Resolver
	repo        leadsync.Repository
	reconciler  *leadsync.Reconciler
	tokens      *leadsync.TokenManager
	verifier    *leadsync.Verifier
	queue       leadsync.SyncQueue
	bus         *leadsync.EventBus
	cfg         ServerConfig
	rateLimiter *rateLimiter
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

type ServerOptions struct {
	Ingestor     *leadsync.Ingestor
	Resolver     *leadsync.Resolver
	Repository   leadsync.Repository
	Reconciler   *leadsync.Reconciler
	TokenManager *leadsync.TokenManager
	Verifier     *leadsync.Verifier
	Queue        leadsync.SyncQueue
	Bus          *leadsync.EventBus
	Config       ServerConfig
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		ingestor:    opts.Ingestor,
		resolver:    opts.Resolver,
		repo:        opts.Repository,
		reconciler:  opts.Reconciler,
		tokens:      opts.TokenManager,
		verifier:    opts.Verifier,
		queue:       opts.Queue,
		bus:         opts.Bus,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

var metricsHandler = promhttp.Handler()

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		if s.queue != nil {
			metrics.SyncQueueDepth.Set(float64(s.queue.Depth()))
		}
		metricsHandler.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	switch {
	case len(parts) == 3 && parts[1] == "webhooks" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, parts[2])
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream" && r.Method == http.MethodGet:
		s.handleEventStream(w, r)
	case len(parts) == 3 && parts[1] == "identities" && parts[2] == "resolve" && r.Method == http.MethodPost:
		s.withAdmin(w, r, s.handleResolve)
	case len(parts) == 3 && parts[1] == "identities" && r.Method == http.MethodGet:
		s.withAdmin(w, r, func(w http.ResponseWriter, r *http.Request, correlationID string) {
			s.handleGetIdentity(w, r, parts[2], correlationID)
		})
	case len(parts) == 4 && parts[1] == "identities" && parts[3] == "events" && r.Method == http.MethodGet:
		s.withAdmin(w, r, func(w http.ResponseWriter, r *http.Request, correlationID string) {
			s.handleListEvents(w, r, parts[2], correlationID)
		})
	case len(parts) == 4 && parts[1] == "identities" && parts[3] == "events" && r.Method == http.MethodPost:
		s.withAdmin(w, r, func(w http.ResponseWriter, r *http.Request, correlationID string) {
			s.handleAppendEvent(w, r, parts[2], correlationID)
		})
	case len(parts) == 4 && parts[1] == "identities" && parts[3] == "reconcile" && r.Method == http.MethodPost:
		s.withAdmin(w, r, func(w http.ResponseWriter, r *http.Request, correlationID string) {
			s.handleReconcile(w, r, parts[2], correlationID)
		})
	case len(parts) == 3 && parts[1] == "verify" && r.Method == http.MethodPost:
		s.withAdmin(w, r, func(w http.ResponseWriter, r *http.Request, correlationID string) {
			s.handleVerify(w, r, parts[2], correlationID)
		})
	case len(parts) == 3 && parts[1] == "token" && parts[2] == "status" && r.Method == http.MethodGet:
		s.withAdmin(w, r, s.handleTokenStatus)
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "queue" && r.Method == http.MethodGet:
		s.withAdmin(w, r, s.handleQueueStatus)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

// withAdmin enforces the API key on operator routes. Comparison is constant
// time; a server configured without a key refuses the whole surface.
func (s *Server) withAdmin(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request, string)) {
	correlationID := getCorrelationID(r)
	if s.cfg.AdminAPIKey == "" {
		writeError(w, http.StatusForbidden, "forbidden", "admin api disabled", correlationID)
		return
	}
	supplied := strings.TrimSpace(r.Header.Get("X-Api-Key"))
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.AdminAPIKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key", correlationID)
		return
	}
	next(w, r, correlationID)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, source string) {
	correlationID := getCorrelationID(r)
	start := time.Now()
	sourceLabel := strings.ToUpper(strings.TrimSpace(source))

	if s.rateLimiter != nil && !s.rateLimiter.allow(sourceLabel, time.Now().UTC()) {
		retryAfter := int(s.rateLimiter.window.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		metrics.IngestRejectionsTotal.WithLabelValues(sourceLabel, "body").Inc()
		return
	}

	// Registration handshakes echo the challenge token back before any
	// pipeline work.
	if token, isChallenge := s.verifier.Challenge(source, body); isChallenge {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": token})
		return
	}

	result, err := s.ingestor.Ingest(r.Context(), source, r.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, leadsync.ErrInvalidSignature):
			metrics.IngestRejectionsTotal.WithLabelValues(sourceLabel, "signature").Inc()
			writeError(w, http.StatusUnauthorized, "invalid_signature", "webhook signature verification failed", correlationID)
		case errors.Is(err, leadsync.ErrInvalidInput):
			metrics.IngestRejectionsTotal.WithLabelValues(sourceLabel, "payload").Inc()
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, leadsync.ErrTransientStorage):
			metrics.IngestRejectionsTotal.WithLabelValues(sourceLabel, "storage").Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage temporarily unavailable", correlationID)
		default:
			metrics.IngestRejectionsTotal.WithLabelValues(sourceLabel, "internal").Inc()
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}

	metrics.IngestsTotal.WithLabelValues(sourceLabel, result.EventType).Inc()
	metrics.IngestDuration.WithLabelValues(sourceLabel).Observe(time.Since(start).Seconds())
	if result.Collision {
		metrics.IdentityCollisionsTotal.Inc()
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		leadsync.ContactTuple
		SourceSystem string `json:"sourceSystem"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.SourceSystem == "" {
		req.SourceSystem = "OPERATOR"
	}
	resolution, err := s.resolver.Resolve(r.Context(), req.ContactTuple, req.SourceSystem)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	if resolution.Collision {
		metrics.IdentityCollisionsTotal.Inc()
	}
	status := http.StatusOK
	if resolution.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"identity":      resolution.Identity,
		"created":       resolution.Created,
		"collision":     resolution.Collision,
		"collisionOhid": resolution.CollisionOHID,
	})
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request, ohid, correlationID string) {
	identity, err := s.repo.GetIdentity(r.Context(), ohid)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, ohid, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if _, err := s.repo.GetIdentity(r.Context(), ohid); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	events, err := s.repo.ListWorkflowEvents(r.Context(), ohid, limit)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ohid": ohid, "events": events})
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request, ohid, correlationID string) {
	var req struct {
		EventType    string         `json:"eventType"`
		SourceSystem string         `json:"sourceSystem"`
		Payload      map[string]any `json:"payload"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	event, err := s.ingestor.AppendEvent(r.Context(), ohid, req.EventType, req.SourceSystem, req.Payload)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, ohid, correlationID string) {
	var req struct {
		Direction string `json:"direction"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Direction == "" {
		req.Direction = string(leadsync.DirectionBidirectional)
	}
	direction, err := leadsync.ParseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	result, err := s.reconciler.Reconcile(r.Context(), ohid, direction)
	if err != nil {
		metrics.SyncRunsTotal.WithLabelValues(string(direction), "error").Inc()
		s.writeDomainError(w, err, correlationID)
		return
	}
	metrics.SyncRunsTotal.WithLabelValues(string(direction), "ok").Inc()
	metrics.SyncConflictsTotal.Add(float64(len(result.Conflicts)))
	writeJSON(w, http.StatusOK, result)
}

// handleVerify checks a candidate body+signature without ingesting it. Used
// when onboarding a new source to debug signing on both ends.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, source, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source": strings.ToUpper(strings.TrimSpace(source)),
		"valid":  s.verifier.Verify(source, r.Header, body),
	})
}

func (s *Server) handleTokenStatus(w http.ResponseWriter, _ *http.Request, correlationID string) {
	if s.tokens == nil {
		writeError(w, http.StatusNotFound, "not_found", "no token manager configured", correlationID)
		return
	}
	state, expiresAt := s.tokens.State()
	payload := map[string]any{"state": string(state)}
	if !expiresAt.IsZero() {
		payload["expiresAt"] = expiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request, correlationID string) {
	if s.queue == nil {
		writeError(w, http.StatusNotFound, "not_found", "no sync queue configured", correlationID)
		return
	}
	depth := s.queue.Depth()
	metrics.SyncQueueDepth.Set(float64(depth))
	writeJSON(w, http.StatusOK, map[string]any{
		"depth":    depth,
		"capacity": s.queue.Capacity(),
	})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, leadsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, leadsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, leadsync.ErrCredentialExpired):
		writeError(w, http.StatusBadGateway, "credential_expired", err.Error(), correlationID)
	case errors.Is(err, leadsync.ErrTransientRemote):
		writeError(w, http.StatusBadGateway, "remote_unavailable", err.Error(), correlationID)
	case errors.Is(err, leadsync.ErrTransientStorage):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
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

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
