// Package inflation computes the scale-inflation factors that undo the
// shrinkage of conditional modes and residuals before they are resampled.
//
// For a stratum with model covariance factor L = σΛ and empirical level
// covariance S, the factor F satisfies F S Fᵀ = L Lᵀ. When S is positive
// definite F = L·chol(S)⁻¹ and is lower triangular, so the intercept/slope
// correlation of the model is reproduced. When S is singular within the
// degenerate tolerance, F is built from the eigen decomposition of S and is
// the identity on the degenerate directions. The residual factor is
// σ / sd(residuals), and 1 when the residual spread is degenerate.
package inflation

import (
	"math"

	"mixperm/domain/core"
	"mixperm/domain/lmm"
	"mixperm/internal/numeric"
	"mixperm/ports"

	"gonum.org/v1/gonum/mat"
)

// DefaultDegenerateTolerance is the variance at or below which an empirical
// direction is treated as having no spread.
const DefaultDegenerateTolerance = 1e-10

// Options tunes the computation.
type Options struct {
	DegenerateTolerance float64
}

// DefaultOptions returns the shipped policy.
func DefaultOptions() Options {
	return Options{DegenerateTolerance: DefaultDegenerateTolerance}
}

func (o Options) tolerance() float64 {
	if o.DegenerateTolerance <= 0 {
		return DefaultDegenerateTolerance
	}
	return o.DegenerateTolerance
}

// Compute returns the inflation factors of model for the given group-level
// estimates and residuals. Pass model.Ranef() and model.Residuals() for the
// default behaviour.
func Compute(model ports.FittedModel, blups []lmm.StratumEstimate, resids []float64, opts Options) (lmm.Inflation, error) {
	d := model.Design()
	if err := lmm.CheckEstimates(d, blups); err != nil {
		return lmm.Inflation{}, err
	}
	if len(resids) != d.NumObs() {
		return lmm.Inflation{}, core.NewInvariantError("inflation", "%d residuals for %d observations", len(resids), d.NumObs())
	}
	vc := model.VarCorr()
	if len(vc.Lambdas) != len(d.Strata) {
		return lmm.Inflation{}, core.NewInvariantError("inflation", "%d covariance factors for %d strata", len(vc.Lambdas), len(d.Strata))
	}
	tol := opts.tolerance()

	infl := lmm.Inflation{Strata: make([]*mat.Dense, len(blups))}
	for s, b := range blups {
		f, err := StratumFactor(vc.ScaleFactor(s), b.Levels, tol)
		if err != nil {
			return lmm.Inflation{}, err
		}
		infl.Strata[s] = f
	}
	infl.Residual = ResidualFactor(vc.Sigma, resids, tol)

	if err := infl.Validate(d); err != nil {
		return lmm.Inflation{}, err
	}
	return infl, nil
}

// StratumFactor returns the k x k factor mapping the empirical spread of
// levels (k x L) onto the model scale factor mle (k x k lower triangular).
func StratumFactor(mle mat.Triangular, levels mat.Matrix, tol float64) (*mat.Dense, error) {
	k, _ := levels.Dims()
	if n, _ := mle.Dims(); n != k {
		return nil, core.NewInvariantError("inflation", "model factor is %dx%d for %d terms", n, n, k)
	}
	emp := numeric.ColumnCovariance(levels)

	values, vecs, ok := numeric.EigenSym(emp)
	if !ok {
		return nil, core.NewInvariantError("inflation", "eigen decomposition of empirical covariance failed")
	}

	if values[0] > tol {
		var chol mat.Cholesky
		if chol.Factorize(emp) {
			var lemp mat.TriDense
			chol.LTo(&lemp)
			var inv mat.TriDense
			if err := inv.InverseTri(&lemp); err == nil {
				var f mat.Dense
				f.Mul(mle, &inv)
				if numeric.AllFinite(&f) {
					return &f, nil
				}
			}
		}
	}
	return degenerateFactor(mle, values, vecs, tol), nil
}

// degenerateFactor builds L·Σ_{λ>tol} λ^{-1/2} w wᵀ + Σ_{λ≤tol} w wᵀ.
func degenerateFactor(mle mat.Triangular, values []float64, vecs *mat.Dense, tol float64) *mat.Dense {
	k := len(values)
	live := mat.NewDense(k, k, nil)
	dead := mat.NewDense(k, k, nil)
	for i, lambda := range values {
		w := vecs.ColView(i)
		var outer mat.Dense
		outer.Outer(1, w, w)
		if lambda > tol {
			live.Add(live, scaled(&outer, 1/math.Sqrt(lambda)))
		} else {
			dead.Add(dead, &outer)
		}
	}
	var f mat.Dense
	f.Mul(mle, live)
	f.Add(&f, dead)
	return &f
}

func scaled(a *mat.Dense, c float64) *mat.Dense {
	var out mat.Dense
	out.Scale(c, a)
	return &out
}

// ResidualFactor returns sigma divided by the population standard deviation
// of resids, or 1 when the residual variance is at or below tol.
func ResidualFactor(sigma float64, resids []float64, tol float64) float64 {
	sd := numeric.PopulationStdDev(resids)
	if sd*sd <= tol || math.IsNaN(sd) {
		return 1
	}
	f := sigma / sd
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 1
	}
	return f
}
