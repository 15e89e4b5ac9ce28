// Package synth composes responses from a fixed-effect target, group-level
// effects and residuals through a model's linear predictor.
package synth

import (
	"mixperm/domain/core"
	"mixperm/domain/lmm"
	"mixperm/ports"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Response returns X·beta + Σ_s Z_s·b_s[Group_s] + resids. It is pure and
// safe for concurrent use with distinct arguments.
func Response(d *lmm.Design, beta []float64, blups []lmm.StratumEstimate, resids []float64) ([]float64, error) {
	n, p := d.X.Dims()
	if len(beta) != p {
		return nil, core.NewInvariantError("response", "%d coefficients for %d columns", len(beta), p)
	}
	if len(resids) != n {
		return nil, core.NewInvariantError("response", "%d residuals for %d observations", len(resids), n)
	}
	if err := lmm.CheckEstimates(d, blups); err != nil {
		return nil, err
	}

	y := mat.NewVecDense(n, nil)
	y.MulVec(d.X, mat.NewVecDense(p, beta))
	out := y.RawVector().Data
	addRanef(out, d, blups)
	floats.Add(out, resids)
	return out, nil
}

// Residuals returns y - Xβ̂ - Zb for the model's response and coefficients
// and the supplied group-level effects.
func Residuals(model ports.FittedModel, blups []lmm.StratumEstimate) ([]float64, error) {
	d := model.Design()
	if err := lmm.CheckEstimates(d, blups); err != nil {
		return nil, err
	}
	y := model.Response()
	if len(y) != d.NumObs() {
		return nil, core.NewInvariantError("residuals", "%d responses for %d observations", len(y), d.NumObs())
	}
	pred := ports.Fitted(model)
	addRanef(pred, d, blups)
	out := append([]float64(nil), y...)
	floats.Sub(out, pred)
	return out, nil
}

// RanefContribution returns Σ_s Z_s·b_s[Group_s] for every observation.
func RanefContribution(d *lmm.Design, blups []lmm.StratumEstimate) []float64 {
	out := make([]float64, d.NumObs())
	addRanef(out, d, blups)
	return out
}

func addRanef(dst []float64, d *lmm.Design, blups []lmm.StratumEstimate) {
	for s, sd := range d.Strata {
		k := sd.NumTerms()
		levels := blups[s].Levels
		for i, g := range sd.Group {
			for j := 0; j < k; j++ {
				dst[i] += sd.Z.At(i, j) * levels.At(j, g)
			}
		}
	}
}
