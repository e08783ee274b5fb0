// Package server exposes the execution engine over HTTP: signal webhooks,
// attempt history, runtime settings, health and Prometheus metrics.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_executor/internal/equity"
	"github.com/eddiefleurent/signal_executor/internal/executor"
	"github.com/eddiefleurent/signal_executor/internal/models"
	"github.com/eddiefleurent/signal_executor/internal/storage"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
	apiTimeout       = 30 * time.Second
)

// OptionsExecutor runs option signals.
type OptionsExecutor interface {
	Execute(ctx context.Context, sig *models.Signal, platform string) *executor.Result
}

// EquityExecutor runs equity price alerts.
type EquityExecutor interface {
	Execute(ctx context.Context, sig equity.Signal) *executor.Result
}

// Store is what the API reads and edits.
type Store interface {
	storage.SettingsStore
	GetAttempt(ctx context.Context, id string) (*models.ExecutionAttempt, error)
	ListAttempts(ctx context.Context, limit int) ([]models.ExecutionAttempt, error)
}

// Config holds the listener settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the HTTP front end.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	options  OptionsExecutor
	equity   EquityExecutor
	store    Store
	gatherer prometheus.Gatherer
	logger   *logrus.Logger
	port     int
	token    string
}

// NewServer wires the routes. A nil equity executor disables the equity
// webhook; a nil gatherer serves the default registry.
func NewServer(cfg Config, options OptionsExecutor, eq EquityExecutor, store Store, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router:   chi.NewRouter(),
		options:  options,
		equity:   eq,
		store:    store,
		gatherer: gatherer,
		logger:   logger,
		port:     cfg.Port,
		token:    cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	if s.token != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Executions block through the whole fill loop, so webhooks get no router timeout.
	s.router.Post("/webhooks/options", s.handleOptionsWebhook)
	s.router.Post("/webhooks/equity", s.handleEquityWebhook)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(apiTimeout))
		r.Get("/attempts", s.handleListAttempts)
		r.Get("/attempts/{id}", s.handleGetAttempt)
		r.Get("/settings/{key}", s.handleGetSetting)
		r.Put("/settings/{key}", s.handlePutSetting)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if auth := r.Header.Get("Authorization"); token == "" && strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("Starting HTTP server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, waiting for in-flight executions until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}, s.logger)
}

func (s *Server) handleOptionsWebhook(w http.ResponseWriter, r *http.Request) {
	var sig models.Signal
	if err := decodeBody(w, r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	platform := r.URL.Query().Get("platform")
	s.logger.WithFields(logrus.Fields{"ticker": sig.Ticker, "platform": platform}).Info("Options signal received")

	// A client disconnect must not abort an attempt that may have live orders
	res := s.options.Execute(context.WithoutCancel(r.Context()), &sig, platform)
	writeJSON(w, resultStatus(res), res, s.logger)
}

func (s *Server) handleEquityWebhook(w http.ResponseWriter, r *http.Request) {
	if s.equity == nil {
		writeError(w, http.StatusNotFound, "equity execution is not configured")
		return
	}
	var sig equity.Signal
	if err := decodeBody(w, r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.WithField("symbol", sig.Symbol).Info("Equity signal received")

	res := s.equity.Execute(context.WithoutCancel(r.Context()), sig)
	writeJSON(w, resultStatus(res), res, s.logger)
}

// resultStatus maps an execution result to an HTTP status so callers can
// tell "fix the input" from "try again" from "check the broker".
func resultStatus(res *executor.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.ErrorKind {
	case models.ErrorKindRecoverable:
		return http.StatusUnprocessableEntity
	case models.ErrorKindRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	attempts, err := s.store.ListAttempts(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list attempts")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if attempts == nil {
		attempts = []models.ExecutionAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts, s.logger)
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attempt, err := s.store.GetAttempt(r.Context(), id)
	if errors.Is(err, storage.ErrAttemptNotFound) {
		writeError(w, http.StatusNotFound, "attempt not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("attempt_id", id).Error("Failed to load attempt")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, attempt, s.logger)
}

type settingResponse struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	cfg, err := storage.LoadExecutionConfig(r.Context(), s.store)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load settings")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var value interface{}
	switch key {
	case storage.KeyAutoExecutionEnabled:
		value = cfg.AutoExecutionEnabled
	case storage.KeyTakeProfitEnabled:
		value = cfg.TakeProfitEnabled
	case storage.KeyBudgetFilters:
		value = nonNil(cfg.BudgetFilters)
	case storage.KeySellingFilters:
		value = nonNil(cfg.SellingFilters)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown setting %q", key))
		return
	}
	writeJSON(w, http.StatusOK, settingResponse{Key: key, Value: value}, s.logger)
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	ctx := r.Context()

	var (
		value interface{}
		err   error
	)
	switch key {
	case storage.KeyAutoExecutionEnabled, storage.KeyTakeProfitEnabled:
		var v bool
		err = decodeBody(w, r, &v)
		value = v
	case storage.KeyBudgetFilters:
		var v []models.BudgetFilter
		if err = decodeBody(w, r, &v); err == nil {
			err = validateAll(v)
		}
		value = nonNil(v)
	case storage.KeySellingFilters:
		var v []models.SellingFilter
		if err = decodeBody(w, r, &v); err == nil {
			err = validateAll(v)
		}
		value = nonNil(v)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown setting %q", key))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if b, ok := value.(bool); ok {
		err = storage.SetBool(ctx, s.store, key, b)
	} else {
		err = storage.SetJSON(ctx, s.store, key, value)
	}
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to save setting")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.WithFields(logrus.Fields{"key": key, "value": value}).Info("Setting updated")
	writeJSON(w, http.StatusOK, settingResponse{Key: key, Value: value}, s.logger)
}

type validator interface{ Validate() error }

func validateAll[T validator](items []T) error {
	for i, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	return nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

var errEmptyBody = errors.New("request body is empty")

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}, logger logrus.FieldLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": msg})
}
