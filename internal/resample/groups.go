// Package resample regenerates group-level effects and residuals by
// bootstrap resampling, sign flipping or shuffling.
//
// Every transform is split into a Draw step, which consumes random numbers
// and records only indices and signs, and an Apply step, which is pure.
// Callers sharing a generator hold its lock for the Draw step only.
package resample

import (
	"math/rand"

	"mixperm/domain/core"
	"mixperm/domain/lmm"

	"gonum.org/v1/gonum/mat"
)

// LevelDraw says which input level feeds each output level of a stratum,
// and with which sign.
type LevelDraw struct {
	Source []int
	Sign   []float64
}

// GroupDraw holds one LevelDraw per stratum.
type GroupDraw []LevelDraw

// DrawGroups draws the level assignment for every stratum. Levels are
// drawn as units, so the terms of one level always travel together.
func DrawGroups(rng *rand.Rand, blups []lmm.StratumEstimate, method lmm.GroupMethod) (GroupDraw, error) {
	draw := make(GroupDraw, len(blups))
	for s, b := range blups {
		_, l := b.Dims()
		ld := LevelDraw{Source: make([]int, l), Sign: make([]float64, l)}
		switch method {
		case lmm.GroupBootstrap:
			for i := range ld.Source {
				ld.Source[i] = rng.Intn(l)
				ld.Sign[i] = 1
			}
		case lmm.GroupSignFlip:
			for i := range ld.Source {
				ld.Source[i] = i
				ld.Sign[i] = flip(rng)
			}
		case lmm.GroupShuffle:
			for i := range ld.Source {
				ld.Source[i] = i
				ld.Sign[i] = 1
			}
			rng.Shuffle(l, func(i, j int) {
				ld.Source[i], ld.Source[j] = ld.Source[j], ld.Source[i]
			})
		default:
			return nil, core.NewInvariantError("group resampling", "unknown method %v", method)
		}
		draw[s] = ld
	}
	return draw, nil
}

// ApplyGroups builds the transformed estimates: output level i of stratum s
// is Sign[i] · F_s · b_s[:, Source[i]].
func ApplyGroups(blups []lmm.StratumEstimate, draw GroupDraw, infl lmm.Inflation) ([]lmm.StratumEstimate, error) {
	if len(draw) != len(blups) || len(infl.Strata) != len(blups) {
		return nil, core.NewInvariantError("group resampling",
			"%d strata, %d draws, %d inflation factors", len(blups), len(draw), len(infl.Strata))
	}
	out := make([]lmm.StratumEstimate, len(blups))
	for s, b := range blups {
		k, l := b.Dims()
		ld := draw[s]
		if len(ld.Source) != l || len(ld.Sign) != l {
			return nil, core.NewInvariantError("group resampling", "stratum %q drew %d of %d levels", b.Stratum, len(ld.Source), l)
		}
		if r, c := infl.Strata[s].Dims(); r != k || c != k {
			return nil, core.NewInvariantError("group resampling", "stratum %q factor is %dx%d for %d terms", b.Stratum, r, c, k)
		}
		picked := mat.NewDense(k, l, nil)
		col := make([]float64, k)
		for i, src := range ld.Source {
			if src < 0 || src >= l {
				return nil, core.NewInvariantError("group resampling", "stratum %q source level %d out of range", b.Stratum, src)
			}
			mat.Col(col, src, b.Levels)
			for j := range col {
				col[j] *= ld.Sign[i]
			}
			picked.SetCol(i, col)
		}
		var scaled mat.Dense
		scaled.Mul(infl.Strata[s], picked)
		out[s] = lmm.StratumEstimate{Stratum: b.Stratum, Levels: &scaled}
	}
	return out, nil
}

// TransformGroups draws and applies in one step.
func TransformGroups(rng *rand.Rand, blups []lmm.StratumEstimate, infl lmm.Inflation, method lmm.GroupMethod) ([]lmm.StratumEstimate, error) {
	draw, err := DrawGroups(rng, blups, method)
	if err != nil {
		return nil, err
	}
	return ApplyGroups(blups, draw, infl)
}

func flip(rng *rand.Rand) float64 {
	if rng.Intn(2) == 0 {
		return -1
	}
	return 1
}
