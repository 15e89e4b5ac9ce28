package lmm

import (
	"strconv"

	"mixperm/domain/core"

	"gonum.org/v1/gonum/mat"
)

// Design is the structural part of a linear mixed model: the fixed-effect
// matrix and one StratumDesign per blocking factor.
type Design struct {
	X         *mat.Dense // n x p
	CoefNames []string
	Strata    []StratumDesign
}

// StratumDesign describes one blocking factor. Observation i contributes
// Z[i,:] · b[Group[i]] to the linear predictor.
type StratumDesign struct {
	Name      string
	Levels    []string
	Group     []int      // level index per observation
	Z         *mat.Dense // n x k random-effect covariates
	TermNames []string
}

// NumTerms returns the dimension k of the stratum's random-effect vector.
func (s StratumDesign) NumTerms() int {
	_, k := s.Z.Dims()
	return k
}

// NumLevels returns the number of levels L.
func (s StratumDesign) NumLevels() int {
	return len(s.Levels)
}

// NumObs returns the number of observations n.
func (d *Design) NumObs() int {
	n, _ := d.X.Dims()
	return n
}

// NumCoef returns the number of fixed-effect coefficients p.
func (d *Design) NumCoef() int {
	_, p := d.X.Dims()
	return p
}

// NumRanef returns the total number of random-effect columns q.
func (d *Design) NumRanef() int {
	q := 0
	for _, s := range d.Strata {
		q += s.NumTerms() * s.NumLevels()
	}
	return q
}

// Validate checks the shape invariants every consumer relies on.
func (d *Design) Validate() error {
	if d == nil || d.X == nil {
		return core.NewInvariantError("design", "fixed-effect matrix is nil")
	}
	n, p := d.X.Dims()
	if len(d.CoefNames) != 0 && len(d.CoefNames) != p {
		return core.NewInvariantError("design", "%d coefficient names for %d columns", len(d.CoefNames), p)
	}
	for _, s := range d.Strata {
		if s.Z == nil {
			return core.NewInvariantError("design", "stratum %q has no random-effect matrix", s.Name)
		}
		zn, k := s.Z.Dims()
		if zn != n {
			return core.NewInvariantError("design", "stratum %q has %d rows, want %d", s.Name, zn, n)
		}
		if len(s.TermNames) != 0 && len(s.TermNames) != k {
			return core.NewInvariantError("design", "stratum %q has %d term names for %d terms", s.Name, len(s.TermNames), k)
		}
		if len(s.Group) != n {
			return core.NewInvariantError("design", "stratum %q groups %d of %d observations", s.Name, len(s.Group), n)
		}
		if len(s.Levels) == 0 {
			return core.NewInvariantError("design", "stratum %q has no levels", s.Name)
		}
		for i, g := range s.Group {
			if g < 0 || g >= len(s.Levels) {
				return core.NewInvariantError("design", "stratum %q observation %d has level %d of %d", s.Name, i, g, len(s.Levels))
			}
		}
	}
	return nil
}

// Coefnames returns the coefficient names, generating positional names
// when none were supplied.
func (d *Design) Coefnames() []string {
	if len(d.CoefNames) == d.NumCoef() {
		return append([]string(nil), d.CoefNames...)
	}
	names := make([]string, d.NumCoef())
	for j := range names {
		names[j] = "β" + strconv.Itoa(j+1)
	}
	return names
}

// VarianceNames names the variance components in the order of
// VarCorr.Components: "σ", then "<stratum>:<term>" for every random-effect
// standard deviation.
func (d *Design) VarianceNames() []string {
	names := []string{"σ"}
	for _, s := range d.Strata {
		for j := 0; j < s.NumTerms(); j++ {
			term := "t" + strconv.Itoa(j+1)
			if j < len(s.TermNames) && s.TermNames[j] != "" {
				term = s.TermNames[j]
			}
			names = append(names, s.Name+":"+term)
		}
	}
	return names
}

// RanefMatrix expands the random-effect structure into the dense n x q
// matrix whose columns are ordered stratum, level, term.
func (d *Design) RanefMatrix() *mat.Dense {
	n := d.NumObs()
	q := d.NumRanef()
	if q == 0 {
		return nil
	}
	z := mat.NewDense(n, q, nil)
	offset := 0
	for _, s := range d.Strata {
		k := s.NumTerms()
		for i, g := range s.Group {
			for j := 0; j < k; j++ {
				z.Set(i, offset+g*k+j, s.Z.At(i, j))
			}
		}
		offset += k * s.NumLevels()
	}
	return z
}
