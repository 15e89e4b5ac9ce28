// Package driver drives the synthesize → refit → record cycle over many
// replicates with a bounded pool of workers.
package driver

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"mixperm/domain/core"
	"mixperm/domain/lmm"
	"mixperm/domain/replicate"
	"mixperm/internal"
	"mixperm/internal/numeric"
	"mixperm/internal/resample"
	"mixperm/internal/synth"
	"mixperm/ports"

	"golang.org/x/sync/errgroup"
)

// Plan fixes everything a run needs besides the replicate count: the
// fixed-effect target, the components to transform and how.
type Plan struct {
	Mode           lmm.Mode
	Beta           []float64
	Blups          []lmm.StratumEstimate
	Residuals      []float64
	Inflation      lmm.Inflation
	GroupMethod    lmm.GroupMethod
	ResidualMethod lmm.ResidualMethod
}

// Validate checks the plan against the model design.
func (p Plan) Validate(d *lmm.Design) error {
	if len(p.Beta) != d.NumCoef() {
		return core.NewInvariantError("plan", "target has %d coefficients, model has %d", len(p.Beta), d.NumCoef())
	}
	if !numeric.FiniteSlice(p.Beta) {
		return core.NewInvariantError("plan", "target coefficients are not finite")
	}
	if len(p.Residuals) != d.NumObs() {
		return core.NewInvariantError("plan", "%d residuals for %d observations", len(p.Residuals), d.NumObs())
	}
	if err := lmm.CheckEstimates(d, p.Blups); err != nil {
		return err
	}
	return p.Inflation.Validate(d)
}

// Fingerprint hashes everything that determines the replicates of a run
// besides the random source.
func (p Plan) Fingerprint(n int, stream replicate.StreamMode) core.Hash {
	fields := map[string]interface{}{
		"mode":      p.Mode.String(),
		"n":         n,
		"stream":    stream.String(),
		"beta":      p.Beta,
		"residuals": p.Residuals,
		"group":     p.GroupMethod.String(),
		"resid":     p.ResidualMethod.String(),
		"inflation": p.Inflation.Residual,
	}
	for i, b := range p.Blups {
		fields[fmt.Sprintf("blups/%d/%s", i, b.Stratum)] = b.Levels.RawMatrix().Data
	}
	for i, f := range p.Inflation.Strata {
		fields[fmt.Sprintf("inflation/%d", i)] = f.RawMatrix().Data
	}
	return core.ComputeFieldsHash(fields)
}

// Driver runs replicate cycles against a Fitter.
type Driver struct {
	fitter     ports.Fitter
	rngPort    ports.RNGPort
	progress   ports.ProgressPort
	logger     *internal.Logger
	workers    int
	streamMode replicate.StreamMode
}

// Option configures a Driver.
type Option func(*Driver)

// WithWorkers sets the number of concurrent replicate cycles; values below
// one mean a single worker.
func WithWorkers(n int) Option {
	return func(d *Driver) {
		if n < 1 {
			n = 1
		}
		d.workers = n
	}
}

// WithParallel uses GOMAXPROCS workers when enabled and one otherwise.
func WithParallel(enabled bool) Option {
	return func(d *Driver) {
		if enabled {
			d.workers = runtime.GOMAXPROCS(0)
		} else {
			d.workers = 1
		}
	}
}

// WithProgress reports replicate lifecycle events to p. Finish is called
// once per run, including runs that abort.
func WithProgress(p ports.ProgressPort) Option {
	return func(d *Driver) {
		if p != nil {
			d.progress = p
		}
	}
}

// WithLogger sets the run logger; nil keeps the discarding default.
func WithLogger(l *internal.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithStreamMode selects one shared locked stream or one derived stream
// per replicate.
func WithStreamMode(m replicate.StreamMode) Option {
	return func(d *Driver) { d.streamMode = m }
}

// NewDriver creates a driver with one worker, a shared stream and no
// progress reporting.
func NewDriver(fitter ports.Fitter, rngPort ports.RNGPort, opts ...Option) *Driver {
	d := &Driver{
		fitter:   fitter,
		rngPort:  rngPort,
		progress: ports.NoopProgress{},
		logger:   internal.NewNopLogger(),
		workers:  1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Workers returns the configured pool size.
func (d *Driver) Workers() int {
	return d.workers
}

// Run performs n replicate cycles and returns their table. A refit failure
// is recorded on its replicate and the run continues; a failure while
// drawing or synthesising, or a fatal fitter error, aborts the run and no
// table is returned.
func (d *Driver) Run(ctx context.Context, n int, model ports.FittedModel, plan Plan) (*replicate.Table, error) {
	if n <= 0 {
		return nil, core.ErrInvalidReplicateCount
	}
	if k := model.Kind(); k != lmm.KindLinear {
		return nil, core.NewUnsupportedModelError(k.String())
	}
	design := model.Design()
	if err := design.Validate(); err != nil {
		return nil, err
	}
	if err := plan.Validate(design); err != nil {
		return nil, err
	}

	var shared *SharedRand
	if d.streamMode == replicate.StreamShared {
		r, err := d.rngPort.Shared(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire shared generator: %w", err)
		}
		shared = NewSharedRand(r)
	}

	runID := core.NewRunID()
	fingerprint := plan.Fingerprint(n, d.streamMode)
	log := d.logger.With("run_id", runID.String(), "mode", plan.Mode.String(), "plan", fingerprint.Short())
	log.Info("starting %d replicates with %d workers (%s stream)", n, d.workers, d.streamMode)

	records := make([]replicate.Record, n)
	d.progress.Start(n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			rec, err := d.cycle(gctx, i, design, plan, shared)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("run aborted: %v", err)
		d.progress.Finish(countFailed(records))
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		d.progress.Finish(countFailed(records))
		return nil, err
	}

	table := &replicate.Table{
		RunID:         runID,
		Fingerprint:   fingerprint,
		Mode:          plan.Mode,
		CoefNames:     design.Coefnames(),
		Hypothesis:    append([]float64(nil), plan.Beta...),
		VarianceNames: design.VarianceNames(),
		Records:       records,
	}
	d.progress.Finish(table.Failures())
	if f := table.Failures(); f > 0 {
		log.Warn("%s", table.FailureSummary())
	} else {
		log.Info("%s", table.FailureSummary())
	}
	return table, nil
}

// cycle draws, synthesises, refits and records replicate i.
func (d *Driver) cycle(ctx context.Context, i int, design *lmm.Design, plan Plan, shared *SharedRand) (replicate.Record, error) {
	var (
		gd      resample.GroupDraw
		rd      resample.ResidualDraw
		drawErr error
	)
	draw := func(r *rand.Rand) {
		gd, drawErr = resample.DrawGroups(r, plan.Blups, plan.GroupMethod)
		if drawErr != nil {
			return
		}
		rd, drawErr = resample.DrawResiduals(r, len(plan.Residuals), plan.ResidualMethod)
	}
	if shared != nil {
		shared.Draw(draw)
	} else {
		r, err := d.rngPort.Stream(ctx, d.rngPort.Seed(), i)
		if err != nil {
			return replicate.Record{}, fmt.Errorf("replicate %d: derive stream: %w", i, err)
		}
		draw(r)
	}
	if drawErr != nil {
		return replicate.Record{}, fmt.Errorf("replicate %d: %w", i, drawErr)
	}

	y, err := d.synthesize(design, plan, gd, rd)
	if err != nil {
		return replicate.Record{}, fmt.Errorf("replicate %d: %w", i, err)
	}

	start := time.Now()
	fitted, err := d.fitter.Fit(ctx, design, y)
	elapsed := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return replicate.Record{}, ctxErr
		}
		if core.IsFatal(err) {
			return replicate.Record{}, fmt.Errorf("replicate %d: %w", i, err)
		}
		d.logger.Debug("replicate %d failed: %v", i, err)
		d.progress.Completed(i, elapsed, true)
		return replicate.Record{Index: i, Failed: true, Err: err}, nil
	}

	rec := record(i, fitted)
	d.progress.Completed(i, elapsed, rec.Failed)
	return rec, nil
}

func (d *Driver) synthesize(design *lmm.Design, plan Plan, gd resample.GroupDraw, rd resample.ResidualDraw) ([]float64, error) {
	blups, err := resample.ApplyGroups(plan.Blups, gd, plan.Inflation)
	if err != nil {
		return nil, err
	}
	resids, err := resample.ApplyResiduals(plan.Residuals, rd, plan.Inflation.Residual)
	if err != nil {
		return nil, err
	}
	return synth.Response(design, plan.Beta, blups, resids)
}

// countFailed counts the failed records written so far; replicates that
// never ran hold the zero Record.
func countFailed(records []replicate.Record) int {
	n := 0
	for _, r := range records {
		if r.Failed {
			n++
		}
	}
	return n
}

func record(i int, fitted ports.FittedModel) replicate.Record {
	coef := append([]float64(nil), fitted.Coef()...)
	if !numeric.FiniteSlice(coef) {
		return replicate.Record{Index: i, Failed: true, Err: core.NewConvergenceError(0, fmt.Errorf("non-finite coefficients"))}
	}
	vc := fitted.VarCorr()
	sds := make([][]float64, len(vc.Lambdas))
	for s := range vc.Lambdas {
		sds[s] = vc.StratumSD(s)
	}
	return replicate.Record{Index: i, Coef: coef, Sigma: vc.Sigma, StratumSD: sds}
}
