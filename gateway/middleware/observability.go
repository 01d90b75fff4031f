package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Request outcomes. JSON-RPC failures travel as HTTP 200, so the status code
// alone cannot tell a rejected message from a processed one.
const (
	OutcomeOK        = "ok"
	OutcomeRPCError  = "rpc_error"
	OutcomeHTTPError = "http_error"
)

type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
	Enabled       bool
}

// Observability records per-route HTTP metrics, server spans and access logs.
type Observability struct {
	cfg       ObservabilityConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	inFlight  *prometheus.GaugeVec
	rpcErrors *prometheus.CounterVec
	registry  *prometheus.Registry
}

type exchangeKey struct{}

// exchange collects what handlers learn about a request while serving it.
type exchange struct {
	rpcCode   int
	rpcMethod string
}

// AnnotateRPC attaches the JSON-RPC method and error code (zero for success)
// of the message handled under ctx. It is a no-op outside the middleware.
func AnnotateRPC(ctx context.Context, method string, code int) {
	if ex, ok := ctx.Value(exchangeKey{}).(*exchange); ok {
		ex.rpcMethod = method
		ex.rpcCode = code
	}
}

func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "a2a-gateway"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "gateway"
	}
	o := &Observability{
		cfg:      cfg,
		logger:   logger.With("component", "http"),
		tracer:   otel.Tracer(cfg.ServiceName),
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.MetricsPrefix,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, status and protocol outcome.",
		}, []string{"route", "method", "status", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.MetricsPrefix,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"route", "method"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.MetricsPrefix,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}, []string{"route"}),
		rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.MetricsPrefix,
			Name:      "http_rpc_errors_total",
			Help:      "JSON-RPC error responses by code, as seen at the transport.",
		}, []string{"route", "code"}),
	}
	o.registry.MustRegister(o.requests, o.durations, o.inFlight, o.rpcErrors)
	return o
}

func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !o.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			gauge := o.inFlight.WithLabelValues(route)
			gauge.Inc()
			defer gauge.Dec()

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := o.tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("http.route", route),
					attribute.String("client.address", clientID(r)),
				))
			defer span.End()

			ex := &exchange{}
			ctx = context.WithValue(ctx, exchangeKey{}, ex)
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))

			outcome := OutcomeOK
			switch {
			case recorder.status >= http.StatusBadRequest:
				outcome = OutcomeHTTPError
				span.SetStatus(codes.Error, http.StatusText(recorder.status))
			case ex.rpcCode != 0:
				outcome = OutcomeRPCError
				o.rpcErrors.WithLabelValues(route, strconv.Itoa(ex.rpcCode)).Inc()
			}
			span.SetAttributes(
				attribute.Int("http.response.status_code", recorder.status),
				attribute.Int("http.response.body.size", recorder.bytes),
			)
			if ex.rpcMethod != "" {
				span.SetAttributes(attribute.String("rpc.method", ex.rpcMethod))
			}
			if ex.rpcCode != 0 {
				span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", ex.rpcCode))
			}

			duration := time.Since(start)
			o.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status), outcome).Inc()
			o.durations.WithLabelValues(route, r.Method).Observe(duration.Seconds())
			if o.cfg.LogRequests {
				attrs := []any{
					"route", route,
					"method", r.Method,
					"status", recorder.status,
					"outcome", outcome,
					"bytes", recorder.bytes,
					"duration_ms", float64(duration.Microseconds()) / 1000,
				}
				if ex.rpcMethod != "" {
					attrs = append(attrs, "rpc_method", ex.rpcMethod)
				}
				if ex.rpcCode != 0 {
					attrs = append(attrs, "rpc_code", ex.rpcCode)
				}
				o.logger.InfoContext(ctx, "http request", attrs...)
			}
		})
	}
}

// MetricsHandler exposes the HTTP collectors together with the process-wide
// default registry.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.Gatherers{o.registry, prometheus.DefaultGatherer}, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	n, err := s.ResponseWriter.Write(p)
	s.bytes += n
	return n, err
}
