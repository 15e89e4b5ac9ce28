// Package olsranef estimates group-level effects by ordinary least squares on
// the fixed-effect residual y - Xβ̂, without shrinkage.
package olsranef

import (
	"fmt"

	"mixperm/domain/core"
	"mixperm/domain/lmm"
	"mixperm/internal/numeric"
	"mixperm/ports"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Estimate computes the least-squares group estimates of model. It fails
// with core.ErrRankDeficient when the relevant random-effect design is not
// of full column rank; there is no fallback at this level.
func Estimate(model ports.FittedModel, mode lmm.OLSMode) ([]lmm.StratumEstimate, error) {
	d := model.Design()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	r := fixedResidual(model)

	switch mode {
	case lmm.OLSSimultaneous:
		return simultaneous(d, r)
	case lmm.OLSStratum:
		out := make([]lmm.StratumEstimate, len(d.Strata))
		for s, sd := range d.Strata {
			est, err := stratum(sd, r)
			if err != nil {
				return nil, err
			}
			out[s] = est
		}
		return out, nil
	default:
		return nil, core.NewInvariantError("ols ranef", "unknown mode %v", mode)
	}
}

func fixedResidual(model ports.FittedModel) []float64 {
	r := append([]float64(nil), model.Response()...)
	floats.Sub(r, ports.Fitted(model))
	return r
}

// simultaneous solves one pooled problem over the n x q matrix of all strata.
func simultaneous(d *lmm.Design, r []float64) ([]lmm.StratumEstimate, error) {
	z := d.RanefMatrix()
	if z == nil {
		return []lmm.StratumEstimate{}, nil
	}
	n, q := z.Dims()
	if n < q {
		return nil, core.NewRankDeficientError("pooled random-effect design", n, q)
	}
	if rank := numeric.Rank(z); rank < q {
		return nil, core.NewRankDeficientError("pooled random-effect design", rank, q)
	}
	b, err := solve(z, r)
	if err != nil {
		return nil, err
	}

	out := make([]lmm.StratumEstimate, len(d.Strata))
	offset := 0
	for s, sd := range d.Strata {
		k, l := sd.NumTerms(), sd.NumLevels()
		levels := mat.NewDense(k, l, nil)
		for lvl := 0; lvl < l; lvl++ {
			for j := 0; j < k; j++ {
				levels.Set(j, lvl, b[offset+lvl*k+j])
			}
		}
		out[s] = lmm.StratumEstimate{Stratum: sd.Name, Levels: levels}
		offset += k * l
	}
	return out, nil
}

// stratum solves the problem of a single stratum. Its design is block
// diagonal by level, so each level is an independent regression.
func stratum(sd lmm.StratumDesign, r []float64) (lmm.StratumEstimate, error) {
	k, l := sd.NumTerms(), sd.NumLevels()
	rows := make([][]int, l)
	for i, g := range sd.Group {
		rows[g] = append(rows[g], i)
	}

	levels := mat.NewDense(k, l, nil)
	for lvl, idx := range rows {
		where := fmt.Sprintf("stratum %q level %q", sd.Name, sd.Levels[lvl])
		if len(idx) < k {
			return lmm.StratumEstimate{}, core.NewRankDeficientError(where, len(idx), k)
		}
		zl := mat.NewDense(len(idx), k, nil)
		rl := make([]float64, len(idx))
		for i, obs := range idx {
			for j := 0; j < k; j++ {
				zl.Set(i, j, sd.Z.At(obs, j))
			}
			rl[i] = r[obs]
		}
		if rank := numeric.Rank(zl); rank < k {
			return lmm.StratumEstimate{}, core.NewRankDeficientError(where, rank, k)
		}
		b, err := solve(zl, rl)
		if err != nil {
			return lmm.StratumEstimate{}, err
		}
		levels.SetCol(lvl, b)
	}
	return lmm.StratumEstimate{Stratum: sd.Name, Levels: levels}, nil
}

// solve returns the least-squares solution of a·b = y for a full-rank a.
func solve(a *mat.Dense, y []float64) ([]float64, error) {
	var qr mat.QR
	qr.Factorize(a)
	var b mat.VecDense
	if err := qr.SolveVecTo(&b, false, mat.NewVecDense(len(y), y)); err != nil {
		return nil, fmt.Errorf("%w: least-squares solve: %v", core.ErrRankDeficient, err)
	}
	return b.RawVector().Data, nil
}
