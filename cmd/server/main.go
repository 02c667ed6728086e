// Package main is the entry point for the impersonator daemon. It serves an
// injected-wallet provider that reports an arbitrary account and network to
// the page, without holding any key.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/impersonator/internal/api"
	"github.com/yourorg/impersonator/internal/circuitbreaker"
	"github.com/yourorg/impersonator/internal/config"
	"github.com/yourorg/impersonator/internal/directory"
	"github.com/yourorg/impersonator/internal/model"
	"github.com/yourorg/impersonator/internal/otel"
	"github.com/yourorg/impersonator/internal/provider"
	"github.com/yourorg/impersonator/internal/session"
	"github.com/yourorg/impersonator/internal/simulation"
	"github.com/yourorg/impersonator/internal/store"
	"github.com/yourorg/impersonator/internal/validation"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// main is the entry point for the application
func main() {
	// Configure logging
	setupLogging()

	cfg, err := config.LoadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	if err := run(cfg); err != nil {
		logrus.Fatalf("Server failed: %v", err)
	}
	logrus.Info("Server stopped")
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	// Set log formatter based on environment
	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	// Set log level based on environment
	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

func run(cfg config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	seedNetworks(st, cfg.NetworksFile)
	dir := directory.New(st)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := api.NewMetrics(reg)

	breaker := circuitbreaker.New(circuitbreaker.Thresholds{
		MaxConsecutiveFailures: cfg.SimulationFailureThreshold,
	}).WithResetDelay(cfg.SimulationCooldown).
		WithTripCallback(func(reason string, recent []circuitbreaker.Failure) {
			logrus.WithField("recent_failures", len(recent)).Warnf("Simulation circuit breaker tripped: %s", reason)
		})
	sims := simulation.NewService(simulation.Options{
		APIURL:       cfg.SimulationAPIURL,
		DashboardURL: cfg.SimulationDashboardURL,
		RetryMax:     cfg.SimulationRetryMax,
	}).WithBreaker(breaker).WithObserver(metrics.ObserveSimulation)

	sessions := session.NewRegistry(session.Options{
		Store:     st,
		Directory: dir,
		Provider: provider.Options{
			Dial:          provider.DialRPC,
			SwitchTimeout: cfg.SwitchTimeout,
			NewSimulator: func(info model.SimulationInfo) provider.Simulator {
				return sims.Dispatcher(info)
			},
		},
		ENSFallback: cfg.ENSFallbackRPC,
		RateLimit:   rate.Limit(cfg.RateLimitRPS),
		RateBurst:   cfg.RateLimitBurst,
		OnDrop:      metrics.ObserveDrop,
	}, cfg.SessionTTL)

	server := api.NewServer(cfg, api.Deps{
		Sessions:   sessions,
		Store:      st,
		Directory:  dir,
		Simulation: sims,
		Metrics:    metrics,
		Gatherer:   reg,
	})

	logrus.WithFields(logrus.Fields{
		"port":           cfg.Port,
		"store":          cfg.StorePath,
		"networks":       len(st.Snapshot().Networks),
		"switch_timeout": cfg.SwitchTimeout,
		"session_ttl":    cfg.SessionTTL,
		"metrics":        cfg.EnableMetrics,
	}).Info("Server initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.ListenAndServe)
	if cfg.WatchStore && st.Path() != "" {
		g.Go(func() error { return st.Watch(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(cfg config.Config) (*store.Store, error) {
	if cfg.StorePath == "" {
		logrus.Warn("No store path configured, settings are kept in memory")
		return store.NewMemory(), nil
	}
	return store.Open(cfg.StorePath)
}

// seedNetworks installs the networks file when the store has none yet.
func seedNetworks(st *store.Store, path string) {
	if path == "" {
		return
	}
	networks, err := directory.LoadSeedFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logrus.Debugf("No network seed at %s", path)
			return
		}
		logrus.WithError(err).Warn("Failed to read network seed")
		return
	}
	seeded, err := st.Seed(validation.FilterInvalid(networks))
	if err != nil {
		logrus.WithError(err).Warn("Failed to seed networks")
		return
	}
	if seeded {
		logrus.Infof("Seeded %d networks from %s", len(networks), path)
	}
}
