// Package api serves the feed, the steady-state transaction lists and the
// session controls over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BuddyLim/smartfi/pkg/bucket"
	"github.com/BuddyLim/smartfi/pkg/cache"
	"github.com/BuddyLim/smartfi/pkg/ledger"
	"github.com/BuddyLim/smartfi/pkg/logging"
	"github.com/BuddyLim/smartfi/pkg/metrics"
	metricsmemory "github.com/BuddyLim/smartfi/pkg/metrics/memory"
	"github.com/BuddyLim/smartfi/pkg/query"
	"github.com/BuddyLim/smartfi/pkg/resilience"
	"github.com/BuddyLim/smartfi/pkg/session"
	"github.com/BuddyLim/smartfi/pkg/upstream"
)

// TransactionSource returns the authoritative transaction list of a user.
type TransactionSource interface {
	Transactions(ctx context.Context, userID int64) ([]ledger.Record, error)
}

// JobCreator submits free text and returns the id of the job streaming the
// resulting records.
type JobCreator interface {
	CreateByText(ctx context.Context, req upstream.CreateRequest) (string, error)
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// RequestTimeout bounds cache and source calls made by one request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// UserID owns the jobs created through POST /session.
	UserID int64 `mapstructure:"user_id"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Deps are the components the server exposes. Feed is required; routes of
// a missing component are not registered.
type Deps struct {
	Feed     *query.Client
	Keys     cache.Keys
	Sessions *session.Controller
	Source   TransactionSource
	Creator  JobCreator
	Metrics  metrics.MetricsCollector
	// Registry, when set, is served on /metrics and receives the HTTP
	// request metrics.
	Registry *prometheus.Registry
}

// Server is the HTTP front of the pipeline.
type Server struct {
	deps      Deps
	config    ServerConfig
	router    *mux.Router
	server    *http.Server
	logger    *logging.Logger
	startedAt time.Time
}

// NewServer builds the router. Sessions that finish without being cancelled
// also invalidate the account list of their user.
func NewServer(deps Deps, config ServerConfig) *Server {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}

	s := &Server{
		deps:      deps,
		config:    config,
		router:    mux.NewRouter(),
		logger:    logging.Global().Named("api"),
		startedAt: time.Now(),
	}

	r := s.router
	r.Use(s.logRequests)
	if deps.Registry != nil {
		r.Use(newHTTPMetrics(deps.Registry).middleware)
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/metrics/json", s.handleMetricsJSON).Methods(http.MethodGet)

	r.HandleFunc("/feed", s.handleFeed).Methods(http.MethodGet)
	r.HandleFunc("/feed/raw", s.handleFeedRaw).Methods(http.MethodGet)

	r.HandleFunc("/users/{user_id:[0-9]+}/transactions", s.handleUserTransactions).Methods(http.MethodGet)
	r.HandleFunc("/users/{user_id:[0-9]+}/cache", s.handleInvalidateUser).Methods(http.MethodDelete)

	if deps.Sessions != nil {
		r.HandleFunc("/session", s.handleSessionStatus).Methods(http.MethodGet)
		r.HandleFunc("/session", s.handleSessionStart).Methods(http.MethodPost)
		r.HandleFunc("/session", s.handleSessionCancel).Methods(http.MethodDelete)
		deps.Sessions.OnFinish(s.invalidateAccounts)
	}

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in a goroutine. Listen errors are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("api listening", zap.String("address", s.config.Address))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "running",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.startedAt).String(),
	}
	if s.deps.Sessions != nil {
		resp["session"] = s.deps.Sessions.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	mc, ok := s.deps.Metrics.(*metricsmemory.MemoryCollector)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("metrics collector does not support JSON snapshots"))
		return
	}
	writeJSON(w, http.StatusOK, mc.Snapshot())
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	entries, err := s.deps.Feed.RenderList(ctx, s.deps.Keys.Stream())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleFeedRaw(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	recs, err := s.deps.Feed.Records(ctx, s.deps.Keys.Stream())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if recs == nil {
		recs = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleUserTransactions serves the cached transaction list of a user,
// loading it from the source on a miss. ?view=raw skips grouping.
func (s *Server) handleUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.deps.Source == nil {
		writeError(w, http.StatusNotFound, errors.New("no transaction source configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	recs, err := s.deps.Feed.Fetch(ctx, s.deps.Keys.Transactions(userID), func(ctx context.Context) ([]ledger.Record, error) {
		return s.deps.Source.Transactions(ctx, userID)
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	if r.URL.Query().Get("view") == "raw" {
		if recs == nil {
			recs = []ledger.Record{}
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}
	writeJSON(w, http.StatusOK, bucket.Group(recs))
}

func (s *Server) handleInvalidateUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	prefix := s.deps.Keys.User(userID)
	removed, err := s.deps.Feed.Invalidate(ctx, prefix)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prefix": prefix, "removed": removed})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.Status())
}

// StartRequest starts a session on an existing job, or creates one from
// Text when JobID is empty.
type StartRequest struct {
	JobID     string `json:"job_id"`
	Text      string `json:"text"`
	AccountID int64  `json:"account_id"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	jobID := strings.TrimSpace(req.JobID)
	switch {
	case jobID != "":
		if _, err := uuid.Parse(jobID); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("job_id must be a UUID"))
			return
		}
	case strings.TrimSpace(req.Text) != "":
		if s.deps.Creator == nil {
			writeError(w, http.StatusNotFound, errors.New("no upstream configured"))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		id, err := s.deps.Creator.CreateByText(ctx, upstream.CreateRequest{
			Text:      req.Text,
			AccountID: req.AccountID,
			UserID:    s.config.UserID,
		})
		cancel()
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		jobID = id
	default:
		writeError(w, http.StatusBadRequest, errors.New("job_id or text is required"))
		return
	}

	if err := s.deps.Sessions.Start(r.Context(), jobID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.deps.Sessions.Status())
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	s.deps.Sessions.Cancel()
	writeJSON(w, http.StatusOK, s.deps.Sessions.Status())
}

func (s *Server) invalidateAccounts(result session.Result) {
	if result.Outcome == metrics.OutcomeCancelled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
	defer cancel()

	key := s.deps.Keys.Accounts(s.config.UserID)
	if _, err := s.deps.Feed.Invalidate(ctx, key); err != nil {
		s.logger.Warn("failed to invalidate accounts", logging.JobID(result.JobID), zap.String("key", key), zap.Error(err))
	}
}

// statusFor maps pipeline errors to HTTP statuses.
func statusFor(err error) int {
	var upstreamErr *upstream.StatusError
	switch {
	case errors.Is(err, session.ErrEmptyJobID):
		return http.StatusBadRequest
	case errors.As(err, &upstreamErr), errors.Is(err, upstream.ErrNoJobID):
		return http.StatusBadGateway
	case cache.IsCircuitOpen(err), cache.IsUnavailable(err), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case cache.IsTimeout(err), errors.Is(err, resilience.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case ledger.IsMalformed(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
