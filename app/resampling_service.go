package app

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"mixperm/domain/core"
	"mixperm/domain/lmm"
	"mixperm/domain/replicate"
	"mixperm/internal"
	"mixperm/internal/driver"
	"mixperm/internal/inference"
	"mixperm/internal/inflation"
	"mixperm/internal/olsranef"
	"mixperm/internal/synth"
	"mixperm/ports"
)

// Options configures one bootstrap or permutation run.
type Options struct {
	UseParallel bool
	Workers     int // used when UseParallel is set; 0 means GOMAXPROCS
	StreamMode  replicate.StreamMode

	// Permutation only. Bootstrap always resamples with replacement.
	ResidualMethod lmm.ResidualMethod
	GroupMethod    lmm.GroupMethod

	BlupMethod lmm.BlupMethod
	OLSMode    lmm.OLSMode

	// Hypothesis is the fixed-effect vector responses are synthesised
	// around. Nil means coef(model) for the bootstrap and zeros for the
	// permutation.
	Hypothesis []float64

	ProgressReporting   bool
	DegenerateTolerance float64 // 0 selects inflation.DefaultDegenerateTolerance
}

// DefaultOptions returns sequential, shrunken, sign-flipping settings.
func DefaultOptions() Options {
	return Options{
		StreamMode:          replicate.StreamShared,
		ResidualMethod:      lmm.ResidualSignFlip,
		GroupMethod:         lmm.GroupSignFlip,
		BlupMethod:          lmm.BlupShrunken,
		OLSMode:             lmm.OLSSimultaneous,
		DegenerateTolerance: inflation.DefaultDegenerateTolerance,
	}
}

func (o Options) workers() int {
	if !o.UseParallel {
		return 1
	}
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// ResamplingService runs residual-and-group bootstrap and permutation
// procedures on fitted linear mixed models.
type ResamplingService struct {
	fitter   ports.Fitter
	rngPort  ports.RNGPort
	progress ports.ProgressPort
	logger   *internal.Logger
}

// NewResamplingService creates a resampling service. A nil progress port
// or logger disables reporting.
func NewResamplingService(fitter ports.Fitter, rngPort ports.RNGPort, progress ports.ProgressPort, logger *internal.Logger) *ResamplingService {
	if progress == nil {
		progress = ports.NoopProgress{}
	}
	if logger == nil {
		logger = internal.NewNopLogger()
	}
	return &ResamplingService{
		fitter:   fitter,
		rngPort:  rngPort,
		progress: progress,
		logger:   logger,
	}
}

// Bootstrap draws n replicates around the hypothesis (coef(model) unless
// set), resampling group levels and residuals with replacement after
// scale inflation, and refits each one.
func (s *ResamplingService) Bootstrap(ctx context.Context, n int, model ports.FittedModel, opts Options) (*replicate.Table, error) {
	if err := checkRequest(n, model); err != nil {
		return nil, err
	}
	beta := opts.Hypothesis
	if beta == nil {
		beta = model.Coef()
	}
	plan, err := s.plan(model, opts, beta)
	if err != nil {
		return nil, err
	}
	plan.Mode = lmm.ModeBootstrap
	plan.GroupMethod = lmm.GroupBootstrap
	plan.ResidualMethod = lmm.ResidualBootstrap
	return s.run(ctx, n, model, plan, opts)
}

// Permutation draws n replicates under the null hypothesis (zeros unless
// set) by sign-flipping or shuffling residuals and group levels.
func (s *ResamplingService) Permutation(ctx context.Context, n int, model ports.FittedModel, opts Options) (*replicate.Table, error) {
	if err := checkRequest(n, model); err != nil {
		return nil, err
	}
	switch opts.ResidualMethod {
	case lmm.ResidualSignFlip, lmm.ResidualShuffle:
	default:
		return nil, core.NewInvariantError("permutation", "residual method %s does not preserve the null distribution", opts.ResidualMethod)
	}
	switch opts.GroupMethod {
	case lmm.GroupSignFlip, lmm.GroupShuffle:
	default:
		return nil, core.NewInvariantError("permutation", "group method %s does not preserve the null distribution", opts.GroupMethod)
	}
	beta := opts.Hypothesis
	if beta == nil {
		beta = make([]float64, model.Design().NumCoef())
	}
	plan, err := s.plan(model, opts, beta)
	if err != nil {
		return nil, err
	}
	plan.Mode = lmm.ModePermutation
	plan.GroupMethod = opts.GroupMethod
	plan.ResidualMethod = opts.ResidualMethod
	return s.run(ctx, n, model, plan, opts)
}

// checkRequest rejects what no draw should ever be spent on.
func checkRequest(n int, model ports.FittedModel) error {
	if n <= 0 {
		return core.ErrInvalidReplicateCount
	}
	if model == nil {
		return core.NewInvariantError("resampling", "nil model")
	}
	if k := model.Kind(); k != lmm.KindLinear {
		return core.NewUnsupportedModelError(k.String())
	}
	return nil
}

// plan selects the group estimates and residuals to resample and computes
// their inflation.
func (s *ResamplingService) plan(model ports.FittedModel, opts Options, beta []float64) (driver.Plan, error) {
	if len(beta) != model.Design().NumCoef() {
		return driver.Plan{}, core.NewInvariantError("hypothesis", "%d values for %d coefficients", len(beta), model.Design().NumCoef())
	}

	var (
		blups  []lmm.StratumEstimate
		resids []float64
		err    error
	)
	switch opts.BlupMethod {
	case lmm.BlupShrunken:
		blups = model.Ranef()
		resids = model.Residuals()
	case lmm.BlupOLS:
		if blups, err = olsranef.Estimate(model, opts.OLSMode); err != nil {
			return driver.Plan{}, err
		}
		if resids, err = synth.Residuals(model, blups); err != nil {
			return driver.Plan{}, err
		}
	default:
		return driver.Plan{}, core.NewInvariantError("resampling", "unknown blup method %v", opts.BlupMethod)
	}

	infl, err := inflation.Compute(model, blups, resids, inflation.Options{DegenerateTolerance: opts.DegenerateTolerance})
	if err != nil {
		return driver.Plan{}, fmt.Errorf("inflation: %w", err)
	}
	s.logger.Debug("inflation: residual factor %.4g, %d strata, blups %s", infl.Residual, len(infl.Strata), opts.BlupMethod)

	return driver.Plan{
		Beta:      append([]float64(nil), beta...),
		Blups:     blups,
		Residuals: resids,
		Inflation: infl,
	}, nil
}

func (s *ResamplingService) run(ctx context.Context, n int, model ports.FittedModel, plan driver.Plan, opts Options) (*replicate.Table, error) {
	dopts := []driver.Option{
		driver.WithWorkers(opts.workers()),
		driver.WithStreamMode(opts.StreamMode),
		driver.WithLogger(s.logger),
	}
	if opts.ProgressReporting {
		dopts = append(dopts, driver.WithProgress(s.progress))
	}
	d := driver.NewDriver(s.fitter, s.rngPort, dopts...)

	start := time.Now()
	table, err := d.Run(ctx, n, model, plan)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", plan.Mode, err)
	}
	s.logger.Info("%s of %d replicates finished in %s", plan.Mode, n, time.Since(start).Round(time.Millisecond))
	return table, nil
}

// OLSRanef returns the unshrunken least-squares group estimates of model.
func (s *ResamplingService) OLSRanef(model ports.FittedModel, mode lmm.OLSMode) ([]lmm.StratumEstimate, error) {
	if err := checkRequest(1, model); err != nil {
		return nil, err
	}
	return olsranef.Estimate(model, mode)
}

// InflationFactor returns the inflation of model's conditional modes and
// residuals, or of blups and resids when both are given.
func (s *ResamplingService) InflationFactor(model ports.FittedModel, blups []lmm.StratumEstimate, resids []float64) (lmm.Inflation, error) {
	if err := checkRequest(1, model); err != nil {
		return lmm.Inflation{}, err
	}
	if blups == nil {
		blups = model.Ranef()
	}
	if resids == nil {
		resids = model.Residuals()
	}
	return inflation.Compute(model, blups, resids, inflation.DefaultOptions())
}

// PermutationTest compares coef(model) with a permutation table.
func (s *ResamplingService) PermutationTest(table *replicate.Table, model ports.FittedModel, dir lmm.Direction) ([]replicate.PValue, error) {
	if model == nil {
		return nil, core.NewInvariantError("permutation test", "nil model")
	}
	if table != nil && table.Mode != lmm.ModePermutation {
		s.logger.Warn("permutation test on a %s table", table.Mode)
	}
	return inference.PermutationTest(table, model.Coef(), dir)
}

// ConfidenceIntervals returns percentile intervals, or shortest-coverage
// intervals when shortest is set.
func (s *ResamplingService) ConfidenceIntervals(table *replicate.Table, level float64, shortest bool) ([]replicate.Interval, error) {
	if shortest {
		return inference.ShortestCoverageIntervals(table, level)
	}
	return inference.PercentileIntervals(table, level)
}

// Summarize describes every coefficient's replicate distribution relative
// to coef(model).
func (s *ResamplingService) Summarize(table *replicate.Table, model ports.FittedModel) ([]replicate.Summary, error) {
	if model == nil {
		return nil, core.NewInvariantError("summary", "nil model")
	}
	return inference.Summarize(table, model.Coef())
}

// VarianceIntervals returns intervals for the residual SD and every
// random-effect SD of a bootstrap table.
func (s *ResamplingService) VarianceIntervals(table *replicate.Table, level float64, shortest bool) ([]replicate.Interval, error) {
	return inference.VarianceIntervals(table, level, shortest)
}

// SummarizeVariance describes the replicate distribution of every variance
// component relative to the estimates of model.
func (s *ResamplingService) SummarizeVariance(table *replicate.Table, model ports.FittedModel) ([]replicate.Summary, error) {
	if model == nil {
		return nil, core.NewInvariantError("summary", "nil model")
	}
	return inference.SummarizeVariance(table, model.VarCorr().Components())
}
