package henderson

import (
	"math"

	"mixperm/domain/lmm"

	"gonum.org/v1/gonum/mat"
)

// Model is a fitted linear mixed model. It implements ports.FittedModel and
// is immutable once returned by Fit.
type Model struct {
	design     *lmm.Design
	y          []float64
	beta       []float64
	blups      []lmm.StratumEstimate
	resid      []float64
	varcorr    lmm.VarCorr
	iterations int
}

func newModel(d *lmm.Design, y []float64, st *state, lambdas []*mat.TriDense, iterations int) *Model {
	m := &Model{
		design:     d,
		y:          append([]float64(nil), y...),
		beta:       st.beta,
		resid:      st.resid,
		varcorr:    lmm.VarCorr{Sigma: math.Sqrt(st.sigma2), Lambdas: lambdas},
		iterations: iterations,
		blups:      make([]lmm.StratumEstimate, len(d.Strata)),
	}
	off := 0
	for s, sd := range d.Strata {
		k, levels := sd.NumTerms(), sd.NumLevels()
		est := mat.NewDense(k, levels, nil)
		for lvl := 0; lvl < levels; lvl++ {
			for j := 0; j < k; j++ {
				est.Set(j, lvl, st.b[off+lvl*k+j])
			}
		}
		m.blups[s] = lmm.StratumEstimate{Stratum: sd.Name, Levels: est}
		off += k * levels
	}
	return m
}

func (m *Model) Kind() lmm.Kind { return lmm.KindLinear }

func (m *Model) Design() *lmm.Design { return m.design }

func (m *Model) Response() []float64 { return append([]float64(nil), m.y...) }

func (m *Model) Coef() []float64 { return append([]float64(nil), m.beta...) }

func (m *Model) Ranef() []lmm.StratumEstimate { return lmm.CloneEstimates(m.blups) }

func (m *Model) Residuals() []float64 { return append([]float64(nil), m.resid...) }

// VarCorr returns copies of the variance components.
func (m *Model) VarCorr() lmm.VarCorr {
	out := lmm.VarCorr{Sigma: m.varcorr.Sigma, Lambdas: make([]*mat.TriDense, len(m.varcorr.Lambdas))}
	for i, l := range m.varcorr.Lambdas {
		k, _ := l.Dims()
		c := mat.NewTriDense(k, mat.Lower, nil)
		c.Copy(l)
		out.Lambdas[i] = c
	}
	return out
}

// Iterations returns the number of EM iterations the fit took.
func (m *Model) Iterations() int { return m.iterations }
