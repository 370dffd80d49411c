// Package httpapi is the HTTP boundary of the sync engine: webhook intake,
// control endpoints and observability surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncforge/notioncal/internal/engine"
)

type ServerConfig struct {
	// APIToken guards the control endpoints. Empty disables them rather
	// than leaving them open.
	APIToken string
	// NotionWebhookSecret verifies X-Notion-Signature on webhook intake.
	NotionWebhookSecret string
	RateLimitMax        int
	RateLimitWindow     time.Duration
	MaxBodyBytes        int64
	Logger              *slog.Logger
}

type Server struct {
	engine      *engine.Engine
	cfg         ServerConfig
	logger      *slog.Logger
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

func NewServer(eng *engine.Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
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
		engine:      eng,
		cfg:         cfg,
		logger:      cfg.Logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	switch {
	case len(parts) == 3 && parts[1] == "webhooks" && parts[2] == "notion" && r.Method == http.MethodPost:
		s.handleNotionWebhook(w, r)
	case len(parts) == 3 && parts[1] == "webhooks" && parts[2] == "google" && r.Method == http.MethodPost:
		s.handleGoogleWebhook(w, r)
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "trigger" && r.Method == http.MethodPost:
		s.authorized(w, r, s.handleSyncTrigger)
	case len(parts) == 2 && parts[1] == "logs" && r.Method == http.MethodGet:
		s.authorized(w, r, s.handleLogs)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "stream" && r.Method == http.MethodGet:
		// Browser WebSocket clients cannot set an Authorization header,
		// so the stream also accepts the token as a query parameter.
		header := r.Header.Get("Authorization")
		if header == "" && r.URL.Query().Get("token") != "" {
			header = "Bearer " + r.URL.Query().Get("token")
		}
		if authErr := authorizeBearer(header, s.cfg.APIToken); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message)
			return
		}
		s.handleLogStream(w, r)
	case len(parts) == 2 && parts[1] == "metrics" && r.Method == http.MethodGet:
		s.authorized(w, r, s.handleMetrics)
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.authorized(w, r, s.handleStatus)
	case len(parts) == 3 && parts[1] == "history" && parts[2] == "preview" && r.Method == http.MethodPost:
		s.authorized(w, r, s.handleHistoryPreview)
	case len(parts) == 3 && parts[1] == "history" && parts[2] == "start" && r.Method == http.MethodPost:
		s.authorized(w, r, s.handleHistoryStart)
	case len(parts) == 3 && parts[1] == "history" && parts[2] == "cancel" && r.Method == http.MethodPost:
		s.authorized(w, r, s.handleHistoryCancel)
	case len(parts) == 3 && parts[1] == "history" && parts[2] == "reset" && r.Method == http.MethodPost:
		s.authorized(w, r, s.handleHistoryReset)
	case len(parts) == 3 && parts[1] == "history" && parts[2] == "progress" && r.Method == http.MethodGet:
		s.authorized(w, r, s.handleHistoryProgress)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.APIToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	next(w, r)
}

func (s *Server) handleNotionWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, "notion:"+clientKey(r)) {
		engine.CountWebhookRejection("notion", "rate_limited")
		return
	}
	body, ok := s.readRequestBody(w, r)
	if !ok {
		engine.CountWebhookRejection("notion", "bad_body")
		return
	}
	if authErr := verifyNotionSignature(s.cfg.NotionWebhookSecret, r.Header.Get("X-Notion-Signature"), body); authErr != nil {
		engine.CountWebhookRejection("notion", "bad_signature")
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	// Notion verifies new webhook endpoints with a one-off token payload.
	var probe struct {
		VerificationToken string `json:"verification_token"`
	}
	if json.Unmarshal(body, &probe) == nil && probe.VerificationToken != "" {
		s.logger.Info("notion webhook verification received")
		writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
		return
	}

	webhook, err := decodeNotionWebhook(body)
	if err != nil {
		engine.CountWebhookRejection("notion", "bad_payload")
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.engine.Enqueue(engine.Notification{
		System: engine.SystemNotion,
		Notion: webhook,
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "overloaded", "notification queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleGoogleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, "google:"+clientKey(r)) {
		engine.CountWebhookRejection("calendar", "rate_limited")
		return
	}
	push := &engine.CalendarPush{
		ChannelID:     r.Header.Get("X-Goog-Channel-Id"),
		ResourceID:    r.Header.Get("X-Goog-Resource-Id"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
		MessageNumber: r.Header.Get("X-Goog-Message-Number"),
	}
	if push.ChannelID == "" || push.ResourceState == "" {
		engine.CountWebhookRejection("calendar", "bad_headers")
		writeError(w, http.StatusBadRequest, "bad_request", "missing push notification headers")
		return
	}
	if !s.engine.VerifyCalendarChannel(r.Context(), push.ChannelID) {
		engine.CountWebhookRejection("calendar", "unknown_channel")
		writeError(w, http.StatusForbidden, "forbidden", "unknown notification channel")
		return
	}
	if push.ResourceState == "sync" {
		// Channel confirmation; acknowledge without queueing.
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.engine.Enqueue(engine.Notification{
		System:   engine.SystemCalendar,
		Calendar: push,
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "overloaded", "notification queue full")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	runID, err := s.engine.TriggerManualSync(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	entries, err := s.engine.Activity().RecentLogs(r.Context(), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []engine.SyncLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	window := r.URL.Query().Get("window")
	if window == "" {
		window = "24h"
	}
	metrics, err := s.engine.Activity().Metrics(r.Context(), window)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type historyRequest struct {
	Days int `json:"days"`
}

func (s *Server) handleHistoryPreview(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	preview, err := s.engine.History().Preview(r.Context(), req.Days)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleHistoryStart(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	runID, err := s.engine.History().Start(r.Context(), req.Days)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
}

func (s *Server) handleHistoryCancel(w http.ResponseWriter, r *http.Request) {
	s.engine.History().Cancel()
	writeJSON(w, http.StatusOK, s.engine.History().Progress())
}

func (s *Server) handleHistoryReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.History().Reset(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.History().Progress())
}

func (s *Server) handleHistoryProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.History().Progress())
}

func (s *Server) allowRate(w http.ResponseWriter, key string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(key, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	return false
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

// decodeNotionWebhook accepts both the flat delivery shape and the
// entity-wrapped shape Notion sends for automation webhooks.
func decodeNotionWebhook(body []byte) (*engine.NotionWebhook, error) {
	var payload struct {
		Type   string `json:"type"`
		Entity struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"entity"`
		Data struct {
			Parent struct {
				ID string `json:"id"`
			} `json:"parent"`
		} `json:"data"`
		PageID         string         `json:"pageId"`
		DatabaseID     string         `json:"databaseId"`
		Timestamp      string         `json:"timestamp"`
		LastEditedTime string         `json:"lastEditedTime"`
		Properties     map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.New("invalid webhook payload")
	}
	webhook := &engine.NotionWebhook{
		EventType:      payload.Type,
		PageID:         payload.PageID,
		DatabaseID:     payload.DatabaseID,
		LastEditedTime: payload.LastEditedTime,
		Properties:     payload.Properties,
	}
	if webhook.PageID == "" {
		webhook.PageID = payload.Entity.ID
	}
	if webhook.DatabaseID == "" {
		webhook.DatabaseID = payload.Data.Parent.ID
	}
	if webhook.LastEditedTime == "" {
		webhook.LastEditedTime = payload.Timestamp
	}
	if webhook.EventType == "" || webhook.PageID == "" {
		return nil, errors.New("webhook missing event type or page id")
	}
	// The edit timestamp is the delivery identity on the dedup side; a
	// delivery without one cannot be keyed.
	if webhook.LastEditedTime == "" {
		return nil, errors.New("webhook missing edit timestamp")
	}
	return webhook, nil
}

// writeEngineError maps the engine taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation), errors.Is(err, engine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, engine.ErrConcurrency):
		writeError(w, http.StatusConflict, "already_running", err.Error())
	case errors.Is(err, engine.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, engine.ErrAuth):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func clientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return r.RemoteAddr
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

// ListenAndServe runs the server until ctx is cancelled, then drains with
// a short grace period.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info("http server stopped")
		return nil
	}
}
