package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"a2apay/a2a"
	"a2apay/gateway/middleware"
)

// DefaultMaxBodyBytes bounds a single JSON-RPC message.
const DefaultMaxBodyBytes = 1 << 20

// RateLimitKey names the limiter bucket for the JSON-RPC endpoint.
const RateLimitKey = "a2a"

// Dispatcher processes protocol messages and publishes the platform card.
type Dispatcher interface {
	Handle(ctx context.Context, body []byte) a2a.Response
	Card() a2a.AgentCard
}

type Config struct {
	Dispatcher    Dispatcher
	Health        func(ctx context.Context) error
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	MaxBodyBytes  int64
	Logger        *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("routes: dispatcher required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	withObs := func(route string, h http.Handler) http.Handler {
		if obs == nil {
			return h
		}
		return obs.Middleware(route)(h)
	}

	r.Method(http.MethodGet, "/healthz", withObs("healthz", healthHandler(cfg.Health)))
	r.Method(http.MethodGet, "/.well-known/agent.json", withObs("agent_card", cardHandler(cfg.Dispatcher)))

	r.Group(func(sr chi.Router) {
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware(RateLimitKey))
		}
		sr.Method(http.MethodPost, "/a2a", withObs("a2a", rpcHandler(cfg.Dispatcher, cfg.MaxBodyBytes, cfg.Logger)))
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}
	return r, nil
}

// RejectRateLimited answers a throttled JSON-RPC call.
func RejectRateLimited(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusTooManyRequests, a2a.ErrorResponse(nil,
		a2a.NewError(a2a.CodeRateLimited, "Rate limit exceeded", nil)))
}

func rpcHandler(d Dispatcher, maxBody int64, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, a2a.ErrorResponse(nil,
					a2a.NewError(a2a.CodeInvalidRequest, "Request too large", nil)))
				return
			}
			logger.Warn("read request body", "error", err)
			writeJSON(w, http.StatusBadRequest, a2a.ErrorResponse(nil,
				a2a.NewError(a2a.CodeParseError, "Parse error", nil)))
			return
		}
		resp := d.Handle(r.Context(), body)
		code := 0
		if resp.Error != nil {
			code = resp.Error.Code
		}
		middleware.AnnotateRPC(r.Context(), peekMethod(body), code)
		writeJSON(w, http.StatusOK, resp)
	})
}

// peekMethod reads the envelope method for telemetry only; unparsable bodies
// yield an empty name.
func peekMethod(body []byte) string {
	var envelope struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Method
}

func cardHandler(d Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=300")
		writeJSON(w, http.StatusOK, d.Card())
	})
}

func healthHandler(check func(ctx context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
