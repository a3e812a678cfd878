// Package main is the entry point for the mail relay. It loads configuration,
// builds the delivery engine, assembles the middleware stack, starts the HTTP
// server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jharlan/mailrelay/internal/admin"
	"github.com/jharlan/mailrelay/internal/api"
	"github.com/jharlan/mailrelay/internal/circuitbreaker"
	"github.com/jharlan/mailrelay/internal/config"
	"github.com/jharlan/mailrelay/internal/health"
	"github.com/jharlan/mailrelay/internal/idempotency"
	"github.com/jharlan/mailrelay/internal/logging"
	"github.com/jharlan/mailrelay/internal/metrics"
	"github.com/jharlan/mailrelay/internal/middleware"
	"github.com/jharlan/mailrelay/internal/provider"
	"github.com/jharlan/mailrelay/internal/ratelimit"
	"github.com/jharlan/mailrelay/internal/relay"
	"github.com/jharlan/mailrelay/internal/retry"
	"github.com/jharlan/mailrelay/internal/routing"
	"github.com/jharlan/mailrelay/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// The level variable is shared with the reload callback so log level
	// changes apply without restart.
	logLevel := new(slog.LevelVar)
	logLevel.Set(middleware.ParseLogLevel(cfg.Logging.Level))

	logOut := logging.NewWriter(cfg.Logging)
	defer logOut.Close()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: logLevel}))

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"listen_addr", cfg.Server.ListenAddr,
		"providers", len(cfg.Engine.Providers),
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"admin_enabled", cfg.Admin.Enabled,
		"tls_enabled", cfg.Server.TLS.Enabled,
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// The engine section is construction-time immutable; hot reload never
	// touches it.
	engine, err := buildEngine(cfg, logger)
	if err != nil {
		logger.Error("failed to build delivery engine", "error", err)
		os.Exit(1)
	}

	var clientLimiter *ratelimit.ClientLimiter
	if cfg.ClientRateLimit.IsEnabled() {
		clientLimiter = ratelimit.NewClientLimiter(
			cfg.ClientRateLimit.RequestsPerSecond,
			cfg.ClientRateLimit.BurstSize,
			cfg.ClientRateLimit.TrustedProxies,
			logger,
		)
		defer clientLimiter.Stop()
	}

	// Public API stack:
	// Recovery → RequestID → SecurityHeaders → Logging → BodyLimit → ClientLimit → Deadline → API
	var apiStack http.Handler = api.New(engine)
	if d := cfg.Server.GlobalTimeout(); d > 0 {
		apiStack = middleware.Deadline(d)(apiStack)
	}
	if clientLimiter != nil {
		apiStack = clientLimiter.Middleware()(apiStack)
	}
	apiStack = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(apiStack)
	apiStack = middleware.Logging(logger, nil)(apiStack)
	apiStack = middleware.SecurityHeaders()(apiStack)
	apiStack = middleware.RequestID(apiStack)
	apiStack = middleware.Recovery(logger)(apiStack)

	// Side surfaces (probes, metrics, admin) skip body limits, throttling,
	// and deadlines so scrapes and probes are never rejected. Probe and
	// metrics hits stay out of the request log.
	sideMux := http.NewServeMux()
	health.New(engine).RegisterRoutes(sideMux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		sideMux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)

	var adminHandler *admin.Handler
	if cfg.Admin.Enabled {
		adminHandler = admin.New(engine, reloader, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(sideMux)
		logger.Info("admin endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	var sideStack http.Handler = middleware.Logging(logger, []string{"/healthz", "/readyz", metricsPath})(sideMux)
	sideStack = middleware.RequestID(sideStack)
	sideStack = middleware.Recovery(logger)(sideStack)

	isSidePath := func(path string) bool {
		if path == "/healthz" || path == "/readyz" {
			return true
		}
		if cfg.Metrics.IsEnabled() && path == metricsPath {
			return true
		}
		return cfg.Admin.Enabled && routing.MatchesPrefix(path, "/admin")
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSidePath(r.URL.Path) {
			sideStack.ServeHTTP(w, r)
			return
		}
		apiStack.ServeHTTP(w, r)
	})

	reloader.Start()
	defer reloader.Stop()

	reloader.OnReload(func(newCfg *config.Config) {
		logLevel.Set(middleware.ParseLogLevel(newCfg.Logging.Level))
		if clientLimiter != nil && newCfg.ClientRateLimit.IsEnabled() {
			clientLimiter.UpdateLimits(newCfg.ClientRateLimit.RequestsPerSecond, newCfg.ClientRateLimit.BurstSize)
		}
		if adminHandler != nil && newCfg.Admin.Enabled {
			adminHandler.UpdateAllowlist(newCfg.Admin.IPAllowlist)
		}
	})

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Server.TLS.Enabled {
		tlsCfg, certLoader, err := tlsutil.ServerConfig(
			cfg.Server.TLS.CertFile,
			cfg.Server.TLS.KeyFile,
			cfg.Server.TLS.MinVersion,
			logger,
		)
		if err != nil {
			logger.Error("failed to configure TLS", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()
		srv.TLSConfig = tlsCfg
	}

	go func() {
		logger.Info("starting mail relay", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			// Certificates come from TLSConfig.GetCertificate.
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("mail relay stopped gracefully")
}

// buildEngine assembles the orchestrator from the engine config section:
// one HTTP provider per entry, each with its own breaker, sharing one
// admission window and idempotency guard.
func buildEngine(cfg *config.Config, logger *slog.Logger) (*relay.Orchestrator, error) {
	chain := make([]relay.ProviderConfig, 0, len(cfg.Engine.Providers))
	for _, pc := range cfg.Engine.Providers {
		chain = append(chain, relay.ProviderConfig{
			Provider: provider.NewHTTPProvider(pc.Name, pc.Endpoint, pc.APIKey, pc.Timeout),
			Breaker: circuitbreaker.Config{
				FailureThreshold: pc.CircuitBreaker.FailureThreshold,
				RecoveryTimeout:  pc.CircuitBreaker.RecoveryTimeout,
				MonitoringWindow: pc.CircuitBreaker.MonitoringWindow,
			},
		})
	}

	window := ratelimit.NewWindow(cfg.Engine.RateLimit.MaxRequests, cfg.Engine.RateLimit.Window, nil)
	guard := idempotency.NewGuard()
	policy := retry.Policy{
		MaxAttempts: cfg.Engine.Retry.MaxAttempts,
		BaseDelay:   cfg.Engine.Retry.BaseDelay,
		MaxDelay:    cfg.Engine.Retry.MaxDelay,
	}

	sink := relay.MultiSink{
		relay.LogSink{Logger: logger},
		relay.MetricsSink{IdempotencySize: guard.Size},
	}

	return relay.New(chain, window, guard, policy, nil, sink)
}
