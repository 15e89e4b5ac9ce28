package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"mixperm/domain/lmm"
	"mixperm/domain/replicate"
	"mixperm/internal/config"
	"mixperm/internal/container"
	"mixperm/internal/errors"
	"mixperm/internal/simulate"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mixperm",
		Short: "Bootstrap and permutation inference for linear mixed models",
		Long: `Simulates a grouped data set, fits a random-intercept (and optionally
random-slope) model and runs a bootstrap or permutation on it.

Settings come from MIXPERM_* environment variables, an optional .env file and
an optional YAML file named by MIXPERM_CONFIG; flags override all of them.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newRunCmd("bootstrap", "Nonparametric bootstrap of the fixed effects"),
		newRunCmd("permutation", "Permutation test of the fixed effects"),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", errors.GetCode(err), err)
		os.Exit(1)
	}
}

type runFlags struct {
	replicates int
	seed       int64
	workers    int
	perRep     bool
	metrics    string
	setup      simulate.Setup
}

func newRunCmd(mode, short string) *cobra.Command {
	var f runFlags
	f.setup = simulate.DefaultSetup()

	cmd := &cobra.Command{
		Use:   mode,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.Run.Mode = mode
			applyFlags(cmd, cfg, f)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, f.setup)
		},
	}

	cmd.Flags().IntVar(&f.replicates, "replicates", 1000, "Number of replicates")
	cmd.Flags().Int64Var(&f.seed, "seed", 1, "Resampling seed (0 seeds from the clock)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Parallel workers (0 runs sequentially)")
	cmd.Flags().BoolVar(&f.perRep, "per-replicate-streams", false, "Derive one generator per replicate")
	cmd.Flags().StringVar(&f.metrics, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&f.setup.Groups, "groups", f.setup.Groups, "Simulated groups")
	cmd.Flags().IntVar(&f.setup.PerGroup, "per-group", f.setup.PerGroup, "Simulated observations per group")
	cmd.Flags().Float64Var(&f.setup.Slope, "slope", f.setup.Slope, "Simulated fixed slope")
	cmd.Flags().Float64Var(&f.setup.SlopeSD, "slope-sd", f.setup.SlopeSD, "Simulated random-slope SD (0 for intercept only)")
	cmd.Flags().Uint64Var(&f.setup.Seed, "data-seed", f.setup.Seed, "Simulation seed")
	return cmd
}

// applyFlags copies the flags the user actually set over the configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config, f runFlags) {
	flags := cmd.Flags()
	if flags.Changed("replicates") {
		cfg.Run.Replicates = f.replicates
	}
	if flags.Changed("seed") {
		cfg.Run.Seed = f.seed
	}
	if flags.Changed("workers") {
		cfg.Resampling.UseParallel = f.workers > 0
		cfg.Resampling.Workers = f.workers
	}
	if flags.Changed("per-replicate-streams") && f.perRep {
		cfg.Resampling.StreamMode = replicate.StreamPerReplicate.String()
	}
	if flags.Changed("metrics-addr") {
		cfg.Run.MetricsAddr = f.metrics
	}
}

type report struct {
	Mode      string               `json:"mode"`
	RunID     string               `json:"run_id"`
	Seed      int64                `json:"seed"`
	Truth     []float64            `json:"truth"`
	Estimates []float64            `json:"estimates"`
	Failures  int                  `json:"failures"`
	Summaries []replicate.Summary  `json:"summaries,omitempty"`
	Intervals []replicate.Interval `json:"intervals,omitempty"`

	VarianceSummaries []replicate.Summary  `json:"variance_summaries,omitempty"`
	VarianceIntervals []replicate.Interval `json:"variance_intervals,omitempty"`

	PValues []replicate.PValue `json:"p_values,omitempty"`
}

func run(ctx context.Context, cfg *config.Config, setup simulate.Setup) error {
	c, err := container.New(cfg)
	if err != nil {
		return err
	}
	defer c.Shutdown(context.Background())
	c.StartMetrics()

	ctx, cancel := context.WithTimeout(ctx, cfg.Run.Timeout)
	defer cancel()

	design, y, truth, err := simulate.Generate(setup)
	if err != nil {
		return errors.Wrap(err, "simulate data")
	}
	model, err := c.Fitter.Fit(ctx, design, y)
	if err != nil {
		return errors.Wrap(err, "fit model")
	}

	svc := c.Service
	var table *replicate.Table
	switch cfg.Run.Mode {
	case lmm.ModePermutation.String():
		table, err = svc.Permutation(ctx, cfg.Run.Replicates, model, c.Options)
	default:
		table, err = svc.Bootstrap(ctx, cfg.Run.Replicates, model, c.Options)
	}
	if err != nil {
		return errors.Wrapf(err, "%s failed", cfg.Run.Mode)
	}

	out := report{
		Mode:      table.Mode.String(),
		RunID:     table.RunID.String(),
		Seed:      c.RNG.Seed(),
		Truth:     truth.Beta,
		Estimates: model.Coef(),
		Failures:  table.Failures(),
	}
	if table.Mode == lmm.ModePermutation {
		if out.PValues, err = svc.PermutationTest(table, model, cfg.Direction()); err != nil {
			return errors.Wrap(err, "permutation test")
		}
	} else {
		if out.Summaries, err = svc.Summarize(table, model); err != nil {
			return errors.Wrap(err, "summarize")
		}
		if out.Intervals, err = svc.ConfidenceIntervals(table, cfg.Run.Level, false); err != nil {
			return errors.Wrap(err, "confidence intervals")
		}
		if out.VarianceSummaries, err = svc.SummarizeVariance(table, model); err != nil {
			return errors.Wrap(err, "summarize variance components")
		}
		if out.VarianceIntervals, err = svc.VarianceIntervals(table, cfg.Run.Level, true); err != nil {
			return errors.Wrap(err, "variance intervals")
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
