package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"a2apay/a2a"
	"a2apay/budget"
	"a2apay/cmd/internal/passphrase"
	"a2apay/config"
	"a2apay/crypto"
	"a2apay/executor"
	"a2apay/gateway/middleware"
	"a2apay/gateway/routes"
	"a2apay/observability/logging"
	telemetry "a2apay/observability/otel"
	"a2apay/store"
)

const serviceName = "a2a-gateway"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv("A2A_CONFIG"), "path to gateway configuration (YAML or TOML)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWithOptions(serviceName, cfg.Env, logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: cfg.Platform.Version,
		Environment:    cfg.Env,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		Attributes:     map[string]string{"a2a.protocol": a2a.ProtocolVersion},
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	st, err := store.Open(store.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		LogLevel:     store.ParseLogLevel(cfg.Database.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	keys := passphrase.NewSource(crypto.KeystorePassphraseEnv, "keystore")
	deps := a2a.Dependencies{
		Messages:  st,
		Proposals: st,
		Logger:    logger,
	}

	if cfg.Budget.PolicyFile != "" {
		policies, err := budget.LoadPolicies(cfg.Budget.PolicyFile)
		if err != nil {
			return err
		}
		guard, err := budget.NewGuard(policies)
		if err != nil {
			return err
		}
		deps.Budget = guard
	}

	if cfg.AutoExecute() {
		key, err := crypto.ResolveKeyWith(cfg.Executor.KeyRef, keys.Get)
		if err != nil {
			return fmt.Errorf("resolve executor key: %w", err)
		}
		backends, closeBackends, err := executor.DialBackends(ctx, cfg.RPCURLs())
		if err != nil {
			return err
		}
		defer closeBackends()
		eth, err := executor.NewEthExecutor(key, backends, logger)
		if err != nil {
			return err
		}
		deps.Executor = eth
		deps.Fees = eth
		logger.Info("auto-execution enabled", "executor", eth.Address().Hex(), "chains", len(backends),
			logging.MaskField("key_ref", cfg.Executor.KeyRef))
	}

	routerCfg := a2a.Config{
		ReplayWindow: cfg.Protocol.ReplayWindow.Duration,
		QuoteTTL:     cfg.Protocol.QuoteTTL.Duration,
		Platform: a2a.PlatformInfo{
			Name:        cfg.Platform.Name,
			Description: cfg.Platform.Description,
			Version:     cfg.Platform.Version,
			BaseURL:     cfg.BaseURL,
		},
	}
	if cfg.Platform.SigningKeyRef != "" {
		key, err := crypto.ResolveKeyWith(cfg.Platform.SigningKeyRef, keys.Get)
		if err != nil {
			return fmt.Errorf("resolve platform signing key: %w", err)
		}
		signed, err := a2a.SignCard(a2a.PlatformCard(routerCfg.Platform), key)
		if err != nil {
			return err
		}
		routerCfg.PlatformCard = &signed
	}
	router, err := a2a.NewRouter(routerCfg, deps)
	if err != nil {
		return err
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(map[string]middleware.RateLimit{
			routes.RateLimitKey: {RatePerSecond: cfg.RateLimit.RatePerSecond, Burst: cfg.RateLimit.Burst},
		}, routes.RejectRateLimited, logger)
	}
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: serviceName,
		LogRequests: true,
		Enabled:     true,
	}, logger)

	handler, err := routes.New(routes.Config{
		Dispatcher:    router,
		Health:        st.Ping,
		RateLimiter:   limiter,
		Observability: obs,
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(handler, serviceName)
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout.Duration,
		WriteTimeout:      cfg.WriteTimeout.Duration,
		IdleTimeout:       cfg.IdleTimeout.Duration,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", listener.Addr().String(), "base_url", cfg.BaseURL)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
