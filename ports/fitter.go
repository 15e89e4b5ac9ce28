package ports

import (
	"context"

	"mixperm/domain/lmm"

	"gonum.org/v1/gonum/mat"
)

// FittedModel is a read-only view of a fitted linear mixed model.
// Implementations must not change what any accessor returns after Fit.
type FittedModel interface {
	Kind() lmm.Kind
	Design() *lmm.Design
	Response() []float64
	Coef() []float64
	// Ranef returns the conditional modes, one k x L matrix per stratum.
	Ranef() []lmm.StratumEstimate
	// Residuals returns y - Xβ - Zb with b the conditional modes.
	Residuals() []float64
	VarCorr() lmm.VarCorr
}

// Fitter fits a model with a fixed design to a response vector. Errors
// wrapping core.ErrConvergenceFailure are recorded per replicate; any other
// error class is treated according to core.IsFatal.
type Fitter interface {
	Fit(ctx context.Context, design *lmm.Design, y []float64) (FittedModel, error)
}

// Fitted returns X·β of a model.
func Fitted(m FittedModel) []float64 {
	d := m.Design()
	out := mat.NewVecDense(d.NumObs(), nil)
	out.MulVec(d.X, mat.NewVecDense(len(m.Coef()), m.Coef()))
	return out.RawVector().Data
}
