package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sonzai/livepk/src/app/battles"
	"github.com/sonzai/livepk/src/app/invitations"
	"github.com/sonzai/livepk/src/domain/battle"
	"github.com/sonzai/livepk/src/domain/invitation"
	"github.com/sonzai/livepk/src/domain/shared"
	"github.com/sonzai/livepk/src/infra/hub"
)

type ServerConfig struct {
	Logger         *zap.Logger
	Battles        *battles.Service
	Invitations    *invitations.Service
	Hub            *hub.Hub
	JWTSecret      []byte
	ServiceSecret  []byte
	AllowedOrigins []string
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
	// TracerProvider overrides the global OpenTelemetry provider for request spans.
	TracerProvider trace.TracerProvider
}

// Server wires HTTP endpoints to application services with observability instrumentation.
type Server struct {
	cfg            ServerConfig
	router         *mux.Router
	httpMetrics    *prometheus.HistogramVec
	requestCounter *prometheus.CounterVec
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	srv := &Server{cfg: cfg}
	srv.initMetrics()
	srv.buildRouter()
	return srv
}

// Handler returns the router behind panic recovery and CORS.
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins(s.cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-Request-Id"}),
		handlers.ExposedHeaders([]string{"X-Request-Id"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.cfg.Logger)),
		handlers.PrintRecoveryStack(true),
	)
	return recovery(cors(s.router))
}

func (s *Server) initMetrics() {
	s.httpMetrics = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "livepk",
		Subsystem: "http",
		Name:      "request_latency_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "code"})
	s.requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "livepk",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route",
	}, []string{"route", "method", "code"})
	s.cfg.Registerer.MustRegister(s.httpMetrics, s.requestCounter)
}

func (s *Server) buildRouter() {
	r := mux.NewRouter()
	r.Use(s.correlationMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.metricsMiddleware)

	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	// The websocket route stays outside the gzip subrouter; compressed writers cannot be hijacked.
	r.Handle("/v1/realtime", s.authMiddleware(http.HandlerFunc(s.handleRealtime))).Methods(http.MethodGet)

	// Score intake is registered ahead of the user subrouter so it is matched with service auth.
	r.Handle("/v1/battles/{id}/scores", s.serviceAuthMiddleware(gzipMiddleware(s.traced(s.handleSubmitScore, "SubmitScore")))).
		Methods(http.MethodPost)

	apiRouter := r.PathPrefix("/v1").Subrouter()
	apiRouter.Use(s.authMiddleware)
	apiRouter.Use(gzipMiddleware)
	apiRouter.Handle("/invitations", s.traced(s.handleInvite, "Invite")).Methods(http.MethodPost)
	apiRouter.Handle("/invitations/{id}", s.traced(s.handleGetInvitation, "GetInvitation")).Methods(http.MethodGet)
	apiRouter.Handle("/invitations/{id}/respond", s.traced(s.handleRespond, "RespondInvitation")).Methods(http.MethodPost)
	apiRouter.Handle("/invitations/{id}/cancel", s.traced(s.handleCancelInvite, "CancelInvitation")).Methods(http.MethodPost)
	apiRouter.Handle("/battles", s.traced(s.handleStartDirect, "StartBattle")).Methods(http.MethodPost)
	apiRouter.Handle("/battles/{id}", s.traced(s.handleGetBattle, "GetBattle")).Methods(http.MethodGet)
	apiRouter.Handle("/battles/{id}/end", s.traced(s.handleEndBattle, "EndBattle")).Methods(http.MethodPost)
	apiRouter.Handle("/battles/{id}/cancel", s.traced(s.handleCancelBattle, "CancelBattle")).Methods(http.MethodPost)
	apiRouter.Handle("/streams/{id}/battle", s.traced(s.handleStreamBattle, "StreamBattle")).Methods(http.MethodGet)

	s.router = r
}

// traced wraps a handler in a request span named after the operation.
func (s *Server) traced(handler http.HandlerFunc, operation string) http.Handler {
	if s.cfg.TracerProvider == nil {
		return otelhttp.NewHandler(handler, operation)
	}
	return otelhttp.NewHandler(handler, operation, otelhttp.WithTracerProvider(s.cfg.TracerProvider))
}

func gzipMiddleware(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, reason := classifyError(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.cfg.Logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", correlationIDFromContext(r.Context())),
			zap.Error(err),
		)
		message = http.StatusText(status)
	}
	s.writeJSON(w, status, errorResponse{
		Error:     message,
		Reason:    reason,
		RequestID: correlationIDFromContext(r.Context()),
	})
}

// classifyError maps domain errors to a status code and a stable reason string.
// Specific sentinels are checked before the shared base errors they wrap. Anything unrecognized is
// a server fault.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errForbidden), errors.Is(err, invitation.ErrNotParticipant):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, battle.ErrDuplicateActiveBattle):
		return http.StatusConflict, "battle_already_active"
	case errors.Is(err, invitation.ErrDuplicatePendingInvite):
		return http.StatusConflict, "invite_pending"
	case errors.Is(err, battle.ErrNotActive):
		return http.StatusConflict, "battle_not_active"
	case errors.Is(err, battle.ErrUnknownBattle):
		return http.StatusNotFound, "battle_not_found"
	case errors.Is(err, invitation.ErrUnknownInvitation):
		return http.StatusNotFound, "invitation_not_found"
	case errors.Is(err, shared.ErrInvalidState):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, shared.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, shared.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, shared.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "internal"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.cfg.Logger.Info("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", m.Code),
			zap.Int64("bytes", m.Written),
			zap.Duration("duration", m.Duration),
			zap.String("request_id", correlationIDFromContext(r.Context())),
		)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		route := mux.CurrentRoute(r)
		routeName := "unknown"
		if route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				routeName = tmpl
			}
		}
		codeLabel := strconv.Itoa(m.Code)
		labels := prometheus.Labels{"route": routeName, "method": r.Method, "code": codeLabel}
		s.httpMetrics.With(labels).Observe(m.Duration.Seconds())
		s.requestCounter.With(labels).Inc()
	})
}
