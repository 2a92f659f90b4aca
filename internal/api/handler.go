package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/payswitch/internal/domain"
	"github.com/punchamoorthee/payswitch/internal/logger"
	"github.com/punchamoorthee/payswitch/internal/service"
	"github.com/punchamoorthee/payswitch/internal/settlement"
	"github.com/punchamoorthee/payswitch/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switch_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "switch_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "endpoint"})
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	payments   *service.PaymentService
	banks      *service.BankService
	settlement *settlement.Engine
	db         Pinger
	log        *zap.Logger
}

func NewHandler(payments *service.PaymentService, banks *service.BankService, engine *settlement.Engine, db Pinger, log *zap.Logger) *Handler {
	return &Handler{payments: payments, banks: banks, settlement: engine, db: db, log: log.Named("api")}
}

// NewRouter mounts the public, admin and operational routes.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/transactions", h.CreateTransactionHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}/transitions", h.GetTransitionsHandler).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/banks", h.RegisterBankHandler).Methods(http.MethodPost)
	admin.HandleFunc("/banks", h.ListBanksHandler).Methods(http.MethodGet)
	admin.HandleFunc("/banks/{code}", h.GetBankHandler).Methods(http.MethodGet)
	admin.HandleFunc("/banks/{code}/heartbeat", h.HeartbeatHandler).Methods(http.MethodPost)
	admin.HandleFunc("/banks/{code}/circuit", h.CircuitHandler).Methods(http.MethodPut)
	admin.HandleFunc("/vpas", h.RegisterVPAHandler).Methods(http.MethodPost)
	admin.HandleFunc("/vpas/{vpa}", h.DeactivateVPAHandler).Methods(http.MethodDelete)

	v1.HandleFunc("/settlements/run", h.RunSettlementHandler).Methods(http.MethodPost)
	v1.HandleFunc("/settlements/{id}", h.GetSettlementHandler).Methods(http.MethodGet)
	v1.HandleFunc("/settlements/{id}/reports", h.SubmitReportHandler).Methods(http.MethodPost)
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics per route template and opens a span.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		ctx, span := telemetry.Tracer().Start(r.Context(), r.Method+" "+endpoint)
		defer span.End()

		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		timer.ObserveDuration()

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	if errors.Is(err, domain.ErrIdempotencyMismatch) {
		return http.StatusUnprocessableEntity
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindSettlementMismatch:
		return http.StatusConflict
	case domain.KindBankDeclined:
		return http.StatusUnprocessableEntity
	case domain.KindNoHealthyRoute:
		return http.StatusServiceUnavailable
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	var derr *domain.Error
	if code == http.StatusInternalServerError || !errors.As(err, &derr) {
		logger.WithContext(r.Context(), h.log).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, code, errorResponse{
		Error:         derr.Error(),
		Code:          derr.Code,
		TransactionID: derr.TransactionID,
	})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
