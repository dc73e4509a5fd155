package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlq/internal/crawler"
	"github.com/JakeFAU/crawlq/internal/jobs"
	"github.com/JakeFAU/crawlq/internal/metrics"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxBodyBytes          = 1 << 20
)

// Jobs is the service surface served over HTTP.
type Jobs interface {
	CreateTask(ctx context.Context, in jobs.CreateTaskInput) (crawler.Task, error)
	QueryTasks(ctx context.Context, filter crawler.TaskFilter) ([]crawler.Task, int64, error)
	GetTask(ctx context.Context, team, id uuid.UUID) (crawler.Task, error)
	BatchCancel(ctx context.Context, ids []uuid.UUID, team uuid.UUID, force bool) (crawler.CancelResult, error)
	SubmitCrawl(ctx context.Context, in jobs.SubmitCrawlInput) (crawler.CrawlJob, crawler.Task, error)
	GetCrawl(ctx context.Context, team, id uuid.UUID) (crawler.CrawlJob, error)
	CrawlTasks(ctx context.Context, team, id uuid.UUID) ([]crawler.Task, error)
	CancelCrawl(ctx context.Context, team, id uuid.UUID) (int64, error)
	Credits(ctx context.Context, team uuid.UUID, limit, offset int) (int64, []crawler.CreditTransaction, error)
	GrantCredits(
		ctx context.Context,
		team uuid.UUID,
		amount int64,
		kind crawler.CreditKind,
		description string,
	) (crawler.CreditTransaction, error)
}

// Limiter throttles requests per API key.
type Limiter interface {
	Allow(ctx context.Context, credential string) error
}

// Config controls authentication and timeouts.
type Config struct {
	// Keys maps API keys to the team they act for.
	Keys     map[string]uuid.UUID
	AdminKey string
	// RequestTimeout defaults to 60s.
	RequestTimeout time.Duration
	// Ready reports downstream health for /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the jobs service.
type Server struct {
	router  chi.Router
	jobs    Jobs
	limiter Limiter
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. limiter may be nil.
func NewServer(svc Jobs, limiter Limiter, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		jobs:    svc,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.apiKeyMiddleware)
			r.Use(s.rateLimitMiddleware)

			r.Route("/tasks", func(r chi.Router) {
				r.Post("/", s.createTask)
				r.Get("/", s.queryTasks)
				r.Post("/cancel", s.batchCancel)
				r.Get("/{task_id}", s.getTask)
			})
			r.Route("/crawls", func(r chi.Router) {
				r.Post("/", s.submitCrawl)
				r.Route("/{crawl_id}", func(r chi.Router) {
					r.Get("/", s.getCrawl)
					r.Get("/tasks", s.crawlTasks)
					r.Post("/cancel", s.cancelCrawl)
				})
			})
			r.Get("/credits", s.credits)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Post("/admin/credits", s.grantCredits)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var in jobs.CreateTaskInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.TeamID = teamFrom(r.Context())
	task, err := s.jobs.CreateTask(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) queryTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTaskFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	team := teamFrom(r.Context())
	filter.TeamID = &team
	tasks, total, err := s.jobs.QueryTasks(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "task_id")
	if !ok {
		return
	}
	task, err := s.jobs.GetTask(r.Context(), teamFrom(r.Context()), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type batchCancelRequest struct {
	IDs   []uuid.UUID `json:"ids"`
	Force bool        `json:"force"`
}

func (s *Server) batchCancel(w http.ResponseWriter, r *http.Request) {
	var req batchCancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.jobs.BatchCancel(r.Context(), req.IDs, teamFrom(r.Context()), req.Force)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var in jobs.SubmitCrawlInput
	if !decodeBody(w, r, &in) {
		return
	}
	in.TeamID = teamFrom(r.Context())
	crawl, root, err := s.jobs.SubmitCrawl(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"crawl": crawl, "root_task": root})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "crawl_id")
	if !ok {
		return
	}
	crawl, err := s.jobs.GetCrawl(r.Context(), teamFrom(r.Context()), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, crawl)
}

func (s *Server) crawlTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "crawl_id")
	if !ok {
		return
	}
	tasks, err := s.jobs.CrawlTasks(r.Context(), teamFrom(r.Context()), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "crawl_id")
	if !ok {
		return
	}
	n, err := s.jobs.CancelCrawl(r.Context(), teamFrom(r.Context()), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"crawl_id":        id,
		"status":          crawler.CrawlStatusCancelled,
		"tasks_cancelled": n,
	})
}

func (s *Server) credits(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	balance, history, err := s.jobs.Credits(r.Context(), teamFrom(r.Context()), limit, offset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance, "history": history})
}

type grantRequest struct {
	TeamID      uuid.UUID          `json:"team_id"`
	Amount      int64              `json:"amount"`
	Kind        crawler.CreditKind `json:"kind"`
	Description string             `json:"description"`
}

func (s *Server) grantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tx, err := s.jobs.GrantCredits(r.Context(), req.TeamID, req.Amount, req.Kind, req.Description)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var insufficient *crawler.InsufficientCreditsError
	var limited *crawler.RateLimitExceededError
	switch {
	case errors.Is(err, jobs.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, crawler.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     insufficient.Error(),
			"available": insufficient.Available,
			"required":  insufficient.Required,
		})
	case errors.As(err, &limited):
		writeRateLimited(w, limited)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeRateLimited(w http.ResponseWriter, err *crawler.RateLimitExceededError) {
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(err.RetryAfter.Seconds()))))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error(), "limit": err.Limit})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit, offset := 0, 0
	var err error
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset %q", v)
		}
	}
	return limit, offset, nil
}

func parseTaskFilter(r *http.Request) (crawler.TaskFilter, error) {
	var f crawler.TaskFilter
	limit, offset, err := pagination(r)
	if err != nil {
		return f, err
	}
	f.Limit, f.Offset = limit, offset
	q := r.URL.Query()
	for _, v := range splitList(q["status"]) {
		f.Statuses = append(f.Statuses, crawler.TaskStatus(v))
	}
	for _, v := range splitList(q["kind"]) {
		kind := crawler.TaskKind(v)
		if !kind.Valid() {
			return f, fmt.Errorf("unknown kind %q", v)
		}
		f.Kinds = append(f.Kinds, kind)
	}
	for _, v := range splitList(q["id"]) {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, fmt.Errorf("invalid id %q", v)
		}
		f.IDs = append(f.IDs, id)
	}
	if v := q.Get("crawl_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, fmt.Errorf("invalid crawl_id %q", v)
		}
		f.CrawlID = &id
	}
	if f.CreatedAfter, err = parseTime(q.Get("created_after")); err != nil {
		return f, err
	}
	if f.CreatedBefore, err = parseTime(q.Get("created_before")); err != nil {
		return f, err
	}
	return f, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q", v)
	}
	return &t, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type (
	requestIDKey struct{}
	teamKey      struct{}
	apiKeyKey    struct{}
)

func teamFrom(ctx context.Context) uuid.UUID {
	team, _ := ctx.Value(teamKey{}).(uuid.UUID)
	return team
}

func credential(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := credential(r)
		team, ok := s.cfg.Keys[key]
		if key == "" || !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), teamKey{}, team)
		ctx = context.WithValue(ctx, apiKeyKey{}, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" || credential(r) != s.cfg.AdminKey {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware fails open when the limiter itself errors.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key, _ := r.Context().Value(apiKeyKey{}).(string)
		err := s.limiter.Allow(r.Context(), key)
		var limited *crawler.RateLimitExceededError
		switch {
		case err == nil:
		case errors.As(err, &limited):
			writeRateLimited(w, limited)
			return
		default:
			s.logger.Warn("rate limiter unavailable", zap.Error(err))
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
