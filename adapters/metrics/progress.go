// Package metrics exports replicate progress as Prometheus metrics.
package metrics

import (
	"errors"
	"sync/atomic"
	"time"

	"mixperm/internal"
	"mixperm/ports"

	"github.com/prometheus/client_golang/prometheus"
)

var _ ports.ProgressPort = (*PrometheusProgress)(nil)

// PrometheusProgress implements ports.ProgressPort. It is safe for
// concurrent use by the replicate workers.
type PrometheusProgress struct {
	planned   prometheus.Gauge
	completed prometheus.Counter
	failed    prometheus.Counter
	duration  prometheus.Histogram
	runs      prometheus.Counter

	done   atomic.Int64
	total  atomic.Int64
	every  int64
	logger *internal.Logger
}

// NewPrometheusProgress creates the collectors and registers them on reg.
// Collectors already registered under the same names are reused, so two
// services may share one registry. When logger is non-nil a line is logged
// every logEvery completed replicates.
func NewPrometheusProgress(reg prometheus.Registerer, logger *internal.Logger, logEvery int) (*PrometheusProgress, error) {
	p := &PrometheusProgress{
		planned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mixperm",
			Name:      "replicates_planned",
			Help:      "Replicates requested by the current run.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mixperm",
			Name:      "replicates_completed_total",
			Help:      "Replicates whose refit finished, failed ones included.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mixperm",
			Name:      "replicates_failed_total",
			Help:      "Replicates whose refit failed.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mixperm",
			Name:      "refit_duration_seconds",
			Help:      "Wall time of one replicate refit.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mixperm",
			Name:      "runs_finished_total",
			Help:      "Bootstrap or permutation runs that ended, aborted ones included.",
		}),
		every:  int64(logEvery),
		logger: logger,
	}

	var err error
	if p.planned, err = register(reg, p.planned); err != nil {
		return nil, err
	}
	if p.completed, err = register(reg, p.completed); err != nil {
		return nil, err
	}
	if p.failed, err = register(reg, p.failed); err != nil {
		return nil, err
	}
	if p.duration, err = register(reg, p.duration); err != nil {
		return nil, err
	}
	if p.runs, err = register(reg, p.runs); err != nil {
		return nil, err
	}
	return p, nil
}

// register returns the collector that ends up registered: c itself, or the
// one already present under its name.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (p *PrometheusProgress) Start(total int) {
	p.planned.Set(float64(total))
	p.total.Store(int64(total))
	p.done.Store(0)
}

func (p *PrometheusProgress) Completed(index int, d time.Duration, failed bool) {
	p.completed.Inc()
	if failed {
		p.failed.Inc()
	}
	p.duration.Observe(d.Seconds())
	n := p.done.Add(1)
	if p.logger != nil && p.every > 0 && n%p.every == 0 {
		p.logger.Info("%d/%d replicates done", n, p.total.Load())
	}
}

func (p *PrometheusProgress) Finish(failures int) {
	p.runs.Inc()
	if p.logger != nil {
		p.logger.Debug("run finished, %d failures", failures)
	}
}
