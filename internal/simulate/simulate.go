// Package simulate generates grouped data sets from a known linear mixed
// model, for examples and tests.
package simulate

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"mixperm/domain/lmm"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Setup describes a data set with an intercept and one covariate x, and one
// grouping factor with a random intercept and optionally a random slope.
type Setup struct {
	Groups      int
	PerGroup    int
	Intercept   float64
	Slope       float64
	InterceptSD float64
	SlopeSD     float64 // > 0 adds a random slope on x
	Sigma       float64
	Seed        uint64
}

// DefaultSetup is a moderately sized data set with a clear slope.
func DefaultSetup() Setup {
	return Setup{
		Groups:      10,
		PerGroup:    20,
		Intercept:   2,
		Slope:       1,
		InterceptSD: 1,
		Sigma:       0.5,
		Seed:        1,
	}
}

// Truth holds the effects a data set was generated from.
type Truth struct {
	Beta  []float64
	Ranef lmm.StratumEstimate
}

// Generate draws a design and response from s.
func Generate(s Setup) (*lmm.Design, []float64, Truth, error) {
	if s.Groups < 1 || s.PerGroup < 1 {
		return nil, nil, Truth{}, fmt.Errorf("simulate: need at least one group and one observation per group")
	}
	src := rand.NewPCG(s.Seed, s.Seed^0x5851f42d4c957f2d)
	unit := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	xdist := distuv.Uniform{Min: -1, Max: 1, Src: src}

	k := 1
	terms := []string{"(Intercept)"}
	if s.SlopeSD > 0 {
		k = 2
		terms = append(terms, "x")
	}
	b := mat.NewDense(k, s.Groups, nil)
	levels := make([]string, s.Groups)
	for g := 0; g < s.Groups; g++ {
		levels[g] = "g" + strconv.Itoa(g+1)
		b.Set(0, g, s.InterceptSD*unit.Rand())
		if k == 2 {
			b.Set(1, g, s.SlopeSD*unit.Rand())
		}
	}

	n := s.Groups * s.PerGroup
	x := mat.NewDense(n, 2, nil)
	z := mat.NewDense(n, k, nil)
	group := make([]int, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		g := i / s.PerGroup
		xi := xdist.Rand()
		x.Set(i, 0, 1)
		x.Set(i, 1, xi)
		z.Set(i, 0, 1)
		re := b.At(0, g)
		if k == 2 {
			z.Set(i, 1, xi)
			re += b.At(1, g) * xi
		}
		group[i] = g
		y[i] = s.Intercept + s.Slope*xi + re + s.Sigma*unit.Rand()
	}

	d := &lmm.Design{
		X:         x,
		CoefNames: []string{"(Intercept)", "x"},
		Strata: []lmm.StratumDesign{{
			Name:      "group",
			Levels:    levels,
			Group:     group,
			Z:         z,
			TermNames: terms,
		}},
	}
	truth := Truth{
		Beta:  []float64{s.Intercept, s.Slope},
		Ranef: lmm.StratumEstimate{Stratum: "group", Levels: b},
	}
	return d, y, truth, d.Validate()
}
