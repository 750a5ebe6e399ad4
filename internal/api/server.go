// Package api is the HTTP surface of the engine: ingestion, definitions, alert
// lifecycle, approvals, queries and a websocket feed of alert events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"signal-engine/internal/alerts"
	"signal-engine/internal/definitions"
	"signal-engine/internal/engine"
	"signal-engine/internal/rules"
	"signal-engine/internal/scoring"
	"signal-engine/internal/signal"
	"signal-engine/internal/workflow"
)

// Engine is the runtime the API drives.
type Engine interface {
	SubmitMetricSample(ctx context.Context, sample signal.MetricSample) (bool, error)
	SubmitEvent(ctx context.Context, event signal.Event) (bool, error)
	GetAlert(ctx context.Context, id string) (alerts.Alert, error)
	ListAlerts(ctx context.Context, f alerts.Filter) ([]alerts.Alert, error)
	OpenAlerts(ctx context.Context, accountID, segment string) ([]alerts.Alert, error)
	Acknowledge(ctx context.Context, alertID, actor string) (alerts.Alert, error)
	Resolve(ctx context.Context, alertID, resolution string) (alerts.Alert, error)
	Suppress(ctx context.Context, alertID, reason string) (alerts.Alert, error)
	GetRun(ctx context.Context, runID string) (workflow.Run, error)
	RunForAlert(ctx context.Context, alertID string) (workflow.Run, bool, error)
	ResolveApproval(ctx context.Context, runID, stepID string, decision workflow.Decision, actor string) (workflow.Run, error)
	Status(ctx context.Context, accountID string) (engine.AccountStatus, error)
	ScoreHistory(ctx context.Context, accountID, scoreType string, from, to time.Time, limit int) ([]scoring.Score, error)
}

// Catalog is the definitions store.
type Catalog interface {
	PutTrigger(ctx context.Context, spec definitions.TriggerSpec) (definitions.TriggerDef, bool, error)
	DisableTrigger(ctx context.Context, id string) error
	Trigger(id string) (definitions.TriggerDef, bool)
	TriggerVersions(id string) []definitions.TriggerDef
	TriggerDisabled(id string) bool
	ActiveTriggers() []definitions.TriggerDef
	PutScoreType(ctx context.Context, spec definitions.ScoreTypeSpec) (scoring.ScoreType, bool, error)
	ScoreType(id string) (scoring.ScoreType, bool)
	ScoreTypes() []scoring.ScoreType
}

// Options tunes the server.
type Options struct {
	MaxBodyBytes int64
	Health       func(ctx context.Context) error
}

// Server serves the API.
type Server struct {
	engine  Engine
	catalog Catalog
	broker  *Broker
	opts    Options
	logger  zerolog.Logger
}

// New builds a Server. broker may be nil to disable the stream endpoint.
func New(e Engine, c Catalog, broker *Broker, opts Options, logger zerolog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Server{
		engine:  e,
		catalog: c,
		broker:  broker,
		opts:    opts,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts every endpoint.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(recovery(s.logger), logging(s.logger))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/samples", s.postSamples)
		r.Post("/events", s.postEvents)

		r.Get("/triggers", s.listTriggers)
		r.Get("/triggers/{id}", s.getTrigger)
		r.Put("/triggers/{id}", s.putTrigger)
		r.Delete("/triggers/{id}", s.deleteTrigger)

		r.Get("/score-types", s.listScoreTypes)
		r.Get("/score-types/{id}", s.getScoreType)
		r.Put("/score-types/{id}", s.putScoreType)

		r.Get("/alerts", s.listAlerts)
		r.Get("/alerts/{id}", s.getAlert)
		r.Get("/alerts/{id}/run", s.getAlertRun)
		r.Post("/alerts/{id}/acknowledge", s.acknowledge)
		r.Post("/alerts/{id}/resolve", s.resolve)
		r.Post("/alerts/{id}/suppress", s.suppress)

		r.Get("/runs/{runID}", s.getRun)
		r.Post("/runs/{runID}/steps/{stepID}/approval", s.approval)

		r.Get("/accounts/{id}/status", s.accountStatus)
		r.Get("/accounts/{id}/alerts", s.accountAlerts)
		r.Get("/accounts/{id}/scores/{type}", s.scoreHistory)

		if s.broker != nil {
			r.Get("/stream/alerts", s.broker.ServeWS)
		}
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// fail maps a domain error onto a status and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var cfgErr *rules.ConfigError
	switch {
	case errors.Is(err, signal.ErrInvalidSample), errors.Is(err, signal.ErrInvalidEvent),
		errors.Is(err, workflow.ErrUnknownDecision), errors.Is(err, definitions.ErrInvalidScoreType),
		errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case engine.IsNotFound(err), errors.Is(err, definitions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, alerts.ErrInvalidTransition), errors.Is(err, alerts.ErrConflict),
		errors.Is(err, workflow.ErrStepNotWaiting), errors.Is(err, workflow.ErrRunNotActive),
		errors.Is(err, definitions.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body bounded by MaxBodyBytes.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
