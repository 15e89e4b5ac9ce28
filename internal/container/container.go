// Package container wires the resampling service and its adapters from a
// loaded configuration.
package container

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"mixperm/adapters/henderson"
	"mixperm/adapters/metrics"
	"mixperm/adapters/rng"
	"mixperm/app"
	"mixperm/internal"
	"mixperm/internal/config"
	"mixperm/internal/errors"
	"mixperm/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Container holds all application dependencies and manages their lifecycle
type Container struct {
	Config *config.Config
	Logger *internal.Logger

	// Adapters
	Fitter   *henderson.Fitter
	RNG      *rng.Source
	Registry *prometheus.Registry
	Progress ports.ProgressPort

	Service *app.ResamplingService
	Options app.Options

	metricsServer *http.Server
}

// New creates a new dependency injection container. Progress is collected
// when cfg names a metrics address or enables progress; only an address makes
// StartMetrics serve it. A zero seed draws one from the clock.
func New(cfg *config.Config) (*Container, error) {
	if cfg == nil {
		return nil, errors.ConfigInvalid("config cannot be nil")
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}

	c := &Container{
		Config:   cfg,
		Logger:   internal.NewLogger(internal.ParseLogLevel(cfg.LogLevel)),
		Progress: ports.NoopProgress{},
		Options:  opts,
	}
	if cfg.Run.Seed == 0 {
		c.RNG = rng.NewTimeSeededSource()
		c.Logger.Info("seed 0 requested, using time seed %d", c.RNG.Seed())
	} else {
		c.RNG = rng.NewSource(cfg.Run.Seed)
	}
	c.Fitter = henderson.NewFitter(henderson.Options{
		MaxIter:   cfg.Fitter.MaxIter,
		Tolerance: cfg.Fitter.Tolerance,
	}, c.Logger)

	if err := c.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	c.Service = app.NewResamplingService(c.Fitter, c.RNG, c.Progress, c.Logger)
	c.Logger.Debug("container initialized: seed %d, %d workers, stream %s",
		c.RNG.Seed(), c.Options.Workers, c.Options.StreamMode)
	return c, nil
}

// initMetrics registers the progress collectors when metrics or progress
// logging are enabled. The registry is only exposed when an address is set.
func (c *Container) initMetrics() error {
	addr := c.Config.Run.MetricsAddr
	if addr == "" && !c.Options.ProgressReporting {
		return nil
	}
	reg := prometheus.NewRegistry()
	every := max(c.Config.Run.Replicates/10, 1)
	p, err := metrics.NewPrometheusProgress(reg, c.Logger, every)
	if err != nil {
		return errors.Wrap(err, "register metrics")
	}
	c.Progress = p
	c.Options.ProgressReporting = true
	if addr != "" {
		c.Registry = reg
	}
	return nil
}

// MetricsHandler serves the container's registry, or nil when metrics are
// disabled.
func (c *Container) MetricsHandler() http.Handler {
	if c.Registry == nil {
		return nil
	}
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// StartMetrics serves the registry on the configured address in the
// background. It does nothing when metrics are disabled.
func (c *Container) StartMetrics() {
	h := c.MetricsHandler()
	if h == nil || c.metricsServer != nil {
		return
	}
	c.metricsServer = &http.Server{
		Addr:              c.Config.Run.MetricsAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := c.metricsServer
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			c.Logger.Error("metrics server: %v", err)
		}
	}()
	c.Logger.Info("serving metrics on %s", c.Config.Run.MetricsAddr)
}

// Shutdown gracefully shuts down all components
func (c *Container) Shutdown(ctx context.Context) error {
	var err error
	if c.metricsServer != nil {
		err = c.metricsServer.Shutdown(ctx)
		c.metricsServer = nil
	}
	_ = c.Logger.Sync()
	return err
}
