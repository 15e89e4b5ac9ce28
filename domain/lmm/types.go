package lmm

import (
	"math"

	"mixperm/domain/core"

	"gonum.org/v1/gonum/mat"
)

// Kind distinguishes the model families a fitter can produce.
type Kind int

const (
	KindLinear Kind = iota
	KindGeneralized
)

func (k Kind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindGeneralized:
		return "generalized"
	default:
		return "unknown"
	}
}

// StratumEstimate holds the group-level estimates of one stratum as a
// k x L matrix, one column per level.
type StratumEstimate struct {
	Stratum string
	Levels  *mat.Dense
}

// Level returns a copy of the effect vector of level l.
func (e StratumEstimate) Level(l int) []float64 {
	return mat.Col(nil, l, e.Levels)
}

// Dims returns the number of terms k and levels L.
func (e StratumEstimate) Dims() (k, levels int) {
	return e.Levels.Dims()
}

// CloneEstimates deep-copies a list of stratum estimates.
func CloneEstimates(in []StratumEstimate) []StratumEstimate {
	out := make([]StratumEstimate, len(in))
	for i, e := range in {
		out[i] = StratumEstimate{Stratum: e.Stratum, Levels: mat.DenseCopyOf(e.Levels)}
	}
	return out
}

// CheckEstimates verifies that blups match the random-effect structure of
// the design stratum by stratum.
func CheckEstimates(d *Design, blups []StratumEstimate) error {
	if len(blups) != len(d.Strata) {
		return core.NewInvariantError("group estimates", "%d strata, design has %d", len(blups), len(d.Strata))
	}
	for i, s := range d.Strata {
		if blups[i].Levels == nil {
			return core.NewInvariantError("group estimates", "stratum %q is nil", s.Name)
		}
		k, l := blups[i].Dims()
		if k != s.NumTerms() || l != s.NumLevels() {
			return core.NewInvariantError("group estimates",
				"stratum %q is %dx%d, design expects %dx%d", s.Name, k, l, s.NumTerms(), s.NumLevels())
		}
	}
	return nil
}

// VarCorr carries the estimated variance components: the residual standard
// deviation and, per stratum, the relative lower-triangular covariance
// factor Λ such that the stratum covariance is Sigma² ΛΛᵀ.
type VarCorr struct {
	Sigma   float64
	Lambdas []*mat.TriDense
}

// ScaleFactor returns σΛ for stratum s, the lower Cholesky factor of the
// stratum covariance on the standard-deviation scale.
func (v VarCorr) ScaleFactor(s int) *mat.TriDense {
	k, _ := v.Lambdas[s].Dims()
	out := mat.NewTriDense(k, mat.Lower, nil)
	out.ScaleTri(v.Sigma, v.Lambdas[s])
	return out
}

// StratumSD returns the standard deviations of the random-effect terms of
// stratum s.
func (v VarCorr) StratumSD(s int) []float64 {
	l := v.ScaleFactor(s)
	k, _ := l.Dims()
	var cov mat.SymDense
	cov.SymOuterK(1, l)
	sd := make([]float64, k)
	for j := range sd {
		sd[j] = math.Sqrt(cov.At(j, j))
	}
	return sd
}

// Components flattens the residual SD and every stratum SD into one
// vector, ordered as Design.VarianceNames.
func (v VarCorr) Components() []float64 {
	out := []float64{v.Sigma}
	for s := range v.Lambdas {
		out = append(out, v.StratumSD(s)...)
	}
	return out
}

// Inflation holds the scale-inflation multipliers of a model: one k x k
// factor per stratum and one scalar for the residuals.
type Inflation struct {
	Strata   []*mat.Dense
	Residual float64
}

// Identity returns the neutral inflation for a design.
func Identity(d *Design) Inflation {
	infl := Inflation{Strata: make([]*mat.Dense, len(d.Strata)), Residual: 1}
	for i, s := range d.Strata {
		k := s.NumTerms()
		f := mat.NewDense(k, k, nil)
		for j := 0; j < k; j++ {
			f.Set(j, j, 1)
		}
		infl.Strata[i] = f
	}
	return infl
}

// Validate checks that every factor is finite, matches the design and that
// the residual factor is non-negative.
func (in Inflation) Validate(d *Design) error {
	if len(in.Strata) != len(d.Strata) {
		return core.NewInvariantError("inflation", "%d stratum factors for %d strata", len(in.Strata), len(d.Strata))
	}
	for i, f := range in.Strata {
		k := d.Strata[i].NumTerms()
		if f == nil {
			return core.NewInvariantError("inflation", "stratum %q factor is nil", d.Strata[i].Name)
		}
		r, c := f.Dims()
		if r != k || c != k {
			return core.NewInvariantError("inflation", "stratum %q factor is %dx%d, want %dx%d", d.Strata[i].Name, r, c, k, k)
		}
		for _, v := range f.RawMatrix().Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return core.NewInvariantError("inflation", "stratum %q factor is not finite", d.Strata[i].Name)
			}
		}
	}
	if math.IsNaN(in.Residual) || math.IsInf(in.Residual, 0) || in.Residual < 0 {
		return core.NewInvariantError("inflation", "residual factor %v", in.Residual)
	}
	return nil
}
