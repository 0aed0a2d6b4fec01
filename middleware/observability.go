package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestIDHeader carries the request id, taken from the client when present.
const RequestIDHeader = "X-Request-ID"

// ObservabilityConfig controls request logging and the HTTP metrics.
type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
	Enabled       bool
}

// Observability logs, traces and measures HTTP requests.
type Observability struct {
	cfg       ObservabilityConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	gatherer  prometheus.Gatherer
}

// NewObservability registers the HTTP collectors on reg, which is also what
// MetricsHandler exposes.
func NewObservability(cfg ObservabilityConfig, reg *prometheus.Registry, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "stakingd"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "heliactyl"
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "http_requests_total",
		Help:      "HTTP requests handled, by route, method and status code.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	reg.MustRegister(requests, durations)

	return &Observability{
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(cfg.ServiceName),
		requests:  requests,
		durations: durations,
		gatherer:  reg,
	}
}

// Middleware tags each request with an id, traces it, and records its status
// and latency under the matched route pattern.
func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		if !o.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ctx, span := o.tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.request_id", requestID),
		))
		defer span.End()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		route := routePattern(r)
		duration := time.Since(start)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", recorder.status),
		)
		o.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
		o.durations.WithLabelValues(route, r.Method).Observe(duration.Seconds())
		if o.cfg.LogRequests {
			o.logger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", recorder.status),
				slog.Duration("duration", duration),
				slog.String("requestId", requestID),
			)
		}
	})
}

// MetricsHandler serves the registry passed to NewObservability.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{})
}

// routePattern keeps metric labels bounded: position ids in paths collapse
// into their pattern.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
