// Package testkit provides fixtures and test doubles for the resampling
// packages: hand-built designs, a fixed-value model and fitters that
// avoid the cost of a full mixed-model fit.
package testkit

import (
	"strconv"

	"mixperm/domain/lmm"
	"mixperm/ports"

	"gonum.org/v1/gonum/mat"
)

// Model is a FittedModel whose every accessor returns the field it names.
type Model struct {
	ModelKind lmm.Kind
	D         *lmm.Design
	Y         []float64
	Beta      []float64
	Blups     []lmm.StratumEstimate
	Resid     []float64
	VC        lmm.VarCorr
}

var _ ports.FittedModel = (*Model)(nil)

func (m *Model) Kind() lmm.Kind               { return m.ModelKind }
func (m *Model) Design() *lmm.Design          { return m.D }
func (m *Model) Response() []float64          { return append([]float64(nil), m.Y...) }
func (m *Model) Coef() []float64              { return append([]float64(nil), m.Beta...) }
func (m *Model) Ranef() []lmm.StratumEstimate { return lmm.CloneEstimates(m.Blups) }
func (m *Model) Residuals() []float64         { return append([]float64(nil), m.Resid...) }
func (m *Model) VarCorr() lmm.VarCorr         { return m.VC }

// InterceptDesign builds an intercept-only fixed design with one grouping
// factor of levels levels and perLevel observations each, with a random
// intercept.
func InterceptDesign(levels, perLevel int) *lmm.Design {
	n := levels * perLevel
	x := mat.NewDense(n, 1, nil)
	z := mat.NewDense(n, 1, nil)
	group := make([]int, n)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
		z.Set(i, 0, 1)
		group[i] = i / perLevel
	}
	return &lmm.Design{
		X:         x,
		CoefNames: []string{"(Intercept)"},
		Strata: []lmm.StratumDesign{{
			Name:      "group",
			Levels:    LevelNames(levels),
			Group:     group,
			Z:         z,
			TermNames: []string{"(Intercept)"},
		}},
	}
}

// SlopeDesign builds an intercept-and-slope fixed design on covariate x with
// a random intercept and slope per level. Observations are assigned to
// levels in contiguous blocks of len(x)/levels.
func SlopeDesign(x []float64, levels int) *lmm.Design {
	n := len(x)
	per := n / levels
	xm := mat.NewDense(n, 2, nil)
	z := mat.NewDense(n, 2, nil)
	group := make([]int, n)
	for i, xi := range x {
		xm.Set(i, 0, 1)
		xm.Set(i, 1, xi)
		z.Set(i, 0, 1)
		z.Set(i, 1, xi)
		g := i / per
		if g >= levels {
			g = levels - 1
		}
		group[i] = g
	}
	return &lmm.Design{
		X:         xm,
		CoefNames: []string{"(Intercept)", "x"},
		Strata: []lmm.StratumDesign{{
			Name:      "group",
			Levels:    LevelNames(levels),
			Group:     group,
			Z:         z,
			TermNames: []string{"(Intercept)", "x"},
		}},
	}
}

// LevelNames returns "L1" .. "Ln".
func LevelNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "L" + strconv.Itoa(i+1)
	}
	return out
}

// Estimates wraps a k x L row-major slice as a one-stratum estimate list.
func Estimates(name string, k, levels int, data []float64) []lmm.StratumEstimate {
	return []lmm.StratumEstimate{{Stratum: name, Levels: mat.NewDense(k, levels, data)}}
}

// Lambda returns a one-stratum relative factor with the given lower
// triangle in row-major order.
func Lambda(k int, lower ...float64) []*mat.TriDense {
	t := mat.NewTriDense(k, mat.Lower, nil)
	idx := 0
	for i := 0; i < k; i++ {
		for j := 0; j <= i; j++ {
			if idx < len(lower) {
				t.SetTri(i, j, lower[idx])
			}
			idx++
		}
	}
	return []*mat.TriDense{t}
}
