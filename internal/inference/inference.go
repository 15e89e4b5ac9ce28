// Package inference turns a replicate table into p-values, confidence
// intervals and summaries. Every function depends only on the multiset of
// successful replicates, never on their order.
package inference

import (
	"fmt"
	"math"
	"sort"

	"mixperm/domain/core"
	"mixperm/domain/lmm"
	"mixperm/domain/replicate"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// PermutationTest compares the observed coefficients with the replicates
// generated under the table's hypothesis:
//
//	p = (1 + #{replicates at least as extreme as observed}) / (1 + N)
//
// The add-one term counts the observed statistic itself, so p is never 0,
// and a table whose replicates all equal the observed value gives p = 1.
func PermutationTest(table *replicate.Table, observed []float64, dir lmm.Direction) ([]replicate.PValue, error) {
	if err := checkTable(table, observed); err != nil {
		return nil, err
	}
	extreme, err := comparator(dir)
	if err != nil {
		return nil, err
	}

	out := make([]replicate.PValue, len(table.CoefNames))
	for j, name := range table.CoefNames {
		h := 0.0
		if j < len(table.Hypothesis) {
			h = table.Hypothesis[j]
		}
		reps := table.Coef(j)
		count := 0
		for _, r := range reps {
			if extreme(r, observed[j], h) {
				count++
			}
		}
		out[j] = replicate.PValue{
			Coef:     name,
			Observed: observed[j],
			PValue:   float64(1+count) / float64(1+len(reps)),
			N:        len(reps),
		}
	}
	return out, nil
}

func comparator(dir lmm.Direction) (func(rep, obs, h float64) bool, error) {
	switch dir {
	case lmm.Greater:
		return func(rep, obs, _ float64) bool { return rep >= obs }, nil
	case lmm.Lesser:
		return func(rep, obs, _ float64) bool { return rep <= obs }, nil
	case lmm.TwoSided:
		return func(rep, obs, h float64) bool { return math.Abs(rep-h) >= math.Abs(obs-h) }, nil
	default:
		return nil, core.NewInvariantError("permutation test", "unknown direction %v", dir)
	}
}

// PercentileIntervals returns the equal-tailed empirical quantile interval of
// every coefficient.
func PercentileIntervals(table *replicate.Table, level float64) ([]replicate.Interval, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	return intervals(table, level, percentileBounds(level))
}

func percentileBounds(level float64) func([]float64) (float64, float64) {
	return func(sorted []float64) (float64, float64) {
		tail := (1 - level) / 2
		return stat.Quantile(tail, stat.Empirical, sorted, nil),
			stat.Quantile(1-tail, stat.Empirical, sorted, nil)
	}
}

// ShortestCoverageIntervals returns, for every coefficient, the narrowest
// window of consecutive sorted replicates containing a level fraction of
// them.
func ShortestCoverageIntervals(table *replicate.Table, level float64) ([]replicate.Interval, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	return intervals(table, level, shortestBounds(level))
}

func shortestBounds(level float64) func([]float64) (float64, float64) {
	return func(sorted []float64) (float64, float64) {
		n := len(sorted)
		width := int(math.Ceil(level * float64(n)))
		if width < 1 {
			width = 1
		}
		best := 0
		for i := 1; i+width-1 < n; i++ {
			if sorted[i+width-1]-sorted[i] < sorted[best+width-1]-sorted[best] {
				best = i
			}
		}
		return sorted[best], sorted[best+width-1]
	}
}

// series is one named per-replicate quantity of a table: a coefficient or
// a variance component.
type series struct {
	name   string
	values func() []float64
}

func coefSeries(table *replicate.Table) []series {
	out := make([]series, len(table.CoefNames))
	for j, name := range table.CoefNames {
		j := j
		out[j] = series{name: name, values: func() []float64 { return table.Coef(j) }}
	}
	return out
}

func varianceSeries(table *replicate.Table) ([]series, error) {
	if len(table.VarianceNames) == 0 {
		return nil, core.NewInvariantError("inference", "replicate table records no variance components")
	}
	out := make([]series, len(table.VarianceNames))
	for j, name := range table.VarianceNames {
		j := j
		out[j] = series{name: name, values: func() []float64 { return table.Variance(j) }}
	}
	return out, nil
}

func intervals(table *replicate.Table, level float64, bounds func([]float64) (float64, float64)) ([]replicate.Interval, error) {
	if err := checkTable(table, nil); err != nil {
		return nil, err
	}
	return seriesIntervals(coefSeries(table), level, bounds), nil
}

func seriesIntervals(all []series, level float64, bounds func([]float64) (float64, float64)) []replicate.Interval {
	out := make([]replicate.Interval, len(all))
	for j, s := range all {
		reps := s.values()
		sort.Float64s(reps)
		lo, hi := bounds(reps)
		out[j] = replicate.Interval{Coef: s.name, Lower: lo, Upper: hi, Level: level}
	}
	return out
}

// VarianceIntervals returns intervals for σ and every stratum SD:
// shortest-coverage intervals when shortest is set, percentile intervals
// otherwise.
func VarianceIntervals(table *replicate.Table, level float64, shortest bool) ([]replicate.Interval, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	if err := checkTable(table, nil); err != nil {
		return nil, err
	}
	all, err := varianceSeries(table)
	if err != nil {
		return nil, err
	}
	if shortest {
		return seriesIntervals(all, level, shortestBounds(level)), nil
	}
	return seriesIntervals(all, level, percentileBounds(level)), nil
}

// Summarize returns per-coefficient replicate summaries; bias is measured
// against reference, typically the original model's coefficients.
func Summarize(table *replicate.Table, reference []float64) ([]replicate.Summary, error) {
	if err := checkTable(table, reference); err != nil {
		return nil, err
	}
	return summarize(coefSeries(table), reference)
}

// SummarizeVariance summarises σ and every stratum SD against reference,
// typically VarCorr.Components of the original model.
func SummarizeVariance(table *replicate.Table, reference []float64) ([]replicate.Summary, error) {
	if err := checkTable(table, nil); err != nil {
		return nil, err
	}
	all, err := varianceSeries(table)
	if err != nil {
		return nil, err
	}
	if len(reference) != len(all) {
		return nil, core.NewInvariantError("inference", "%d reference components for %d names", len(reference), len(all))
	}
	return summarize(all, reference)
}

func summarize(all []series, reference []float64) ([]replicate.Summary, error) {
	out := make([]replicate.Summary, len(all))
	for j, s := range all {
		name := s.name
		reps := stats.Float64Data(s.values())
		mean, err := reps.Mean()
		if err != nil {
			return nil, fmt.Errorf("summarize %s: %w", name, err)
		}
		median, err := reps.Median()
		if err != nil {
			return nil, fmt.Errorf("summarize %s: %w", name, err)
		}
		sd := 0.0
		if reps.Len() > 1 {
			if sd, err = reps.StandardDeviationSample(); err != nil {
				return nil, fmt.Errorf("summarize %s: %w", name, err)
			}
		}
		out[j] = replicate.Summary{
			Coef:      name,
			Reference: reference[j],
			Mean:      mean,
			Bias:      mean - reference[j],
			StdDev:    sd,
			Median:    median,
			N:         reps.Len(),
		}
	}
	return out, nil
}

func checkTable(table *replicate.Table, observed []float64) error {
	if table == nil {
		return core.NewInvariantError("inference", "nil replicate table")
	}
	if err := table.Validate(); err != nil {
		return err
	}
	if observed != nil && len(observed) != len(table.CoefNames) {
		return core.NewInvariantError("inference", "%d observed coefficients for %d names", len(observed), len(table.CoefNames))
	}
	if table.Len()-table.Failures() == 0 {
		return core.ErrEmptyTable
	}
	return nil
}

func checkLevel(level float64) error {
	if !(level > 0 && level < 1) {
		return core.NewInvariantError("inference", "coverage level %v outside (0, 1)", level)
	}
	return nil
}
