// Package henderson fits Gaussian linear mixed models by EM-REML on
// Henderson's mixed-model equations, written in the relative-factor form
// b = Λu with u ~ N(0, σ²I).
//
// Each iteration solves
//
//	[ XᵀX      XᵀZΛ       ] [β]   [ Xᵀy   ]
//	[ ΛᵀZᵀX    ΛᵀZᵀZΛ + I ] [u] = [ ΛᵀZᵀy ]
//
// profiles σ² = (‖y − Xβ − ZΛu‖² + ‖u‖²) / (n − p), and updates each
// stratum covariance from the conditional moments of its levels.
package henderson

import (
	"context"
	"fmt"
	"math"

	"mixperm/domain/core"
	"mixperm/domain/lmm"
	"mixperm/internal"
	"mixperm/internal/numeric"
	"mixperm/ports"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Options controls the EM iteration.
type Options struct {
	MaxIter   int
	Tolerance float64 // relative parameter change that counts as converged
	// BoundaryTolerance is the relative standard deviation below which a
	// random-effect direction is set to exactly zero.
	BoundaryTolerance float64
}

// DefaultOptions returns the settings used by NewFitter.
func DefaultOptions() Options {
	return Options{MaxIter: 2000, Tolerance: 1e-7, BoundaryTolerance: 1e-4}
}

// Fitter implements ports.Fitter.
type Fitter struct {
	opts   Options
	logger *internal.Logger
}

// NewFitter creates a fitter; a zero Options value selects the defaults.
func NewFitter(opts Options, logger *internal.Logger) *Fitter {
	def := DefaultOptions()
	if opts.MaxIter <= 0 {
		opts.MaxIter = def.MaxIter
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = def.Tolerance
	}
	if opts.BoundaryTolerance <= 0 {
		opts.BoundaryTolerance = def.BoundaryTolerance
	}
	if logger == nil {
		logger = internal.NewNopLogger()
	}
	return &Fitter{opts: opts, logger: logger}
}

// cross holds the cross products that do not change between iterations.
type cross struct {
	xtx *mat.Dense
	xtz *mat.Dense
	ztz *mat.Dense
	xty *mat.VecDense
	zty *mat.VecDense
	z   *mat.Dense
}

// state is the solution of the mixed-model equations for one Λ.
type state struct {
	beta   []float64
	u      []float64
	b      []float64
	resid  []float64
	sigma2 float64
	chol   mat.Cholesky
}

// Fit fits the model with design d to y.
func (f *Fitter) Fit(ctx context.Context, d *lmm.Design, y []float64) (ports.FittedModel, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	n, p := d.X.Dims()
	if len(y) != n {
		return nil, core.NewInvariantError("fit", "%d responses for %d observations", len(y), n)
	}
	if n <= p {
		return nil, core.NewRankDeficientError("fixed-effect design", n, p+1)
	}
	if rank := numeric.Rank(d.X); rank < p {
		return nil, core.NewRankDeficientError("fixed-effect design", rank, p)
	}

	cp := newCross(d, y)
	lambdas := make([]*mat.TriDense, len(d.Strata))
	for s, sd := range d.Strata {
		k := sd.NumTerms()
		l := mat.NewTriDense(k, mat.Lower, nil)
		for j := 0; j < k; j++ {
			l.SetTri(j, j, 1)
		}
		lambdas[s] = l
	}

	var st *state
	var err error
	iter := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iter++
		st, err = f.solve(d, cp, y, lambdas)
		if err != nil {
			return nil, core.NewConvergenceError(iter, err)
		}
		if len(d.Strata) == 0 {
			break
		}
		next, err := f.update(d, st, lambdas)
		if err != nil {
			return nil, core.NewConvergenceError(iter, err)
		}
		done := f.converged(lambdas, next)
		lambdas = next
		if done {
			st, err = f.solve(d, cp, y, lambdas)
			if err != nil {
				return nil, core.NewConvergenceError(iter, err)
			}
			break
		}
		if iter >= f.opts.MaxIter {
			return nil, core.NewConvergenceError(iter, nil)
		}
	}
	f.logger.Trace("fit converged in %d iterations, sigma=%g", iter, math.Sqrt(st.sigma2))

	return newModel(d, y, st, lambdas, iter), nil
}

func newCross(d *lmm.Design, y []float64) *cross {
	n, p := d.X.Dims()
	yv := mat.NewVecDense(n, y)
	cp := &cross{xtx: mat.NewDense(p, p, nil), xty: mat.NewVecDense(p, nil)}
	cp.xtx.Mul(d.X.T(), d.X)
	cp.xty.MulVec(d.X.T(), yv)
	cp.z = d.RanefMatrix()
	if cp.z != nil {
		_, q := cp.z.Dims()
		cp.xtz = mat.NewDense(p, q, nil)
		cp.xtz.Mul(d.X.T(), cp.z)
		cp.ztz = mat.NewDense(q, q, nil)
		cp.ztz.Mul(cp.z.T(), cp.z)
		cp.zty = mat.NewVecDense(q, nil)
		cp.zty.MulVec(cp.z.T(), yv)
	}
	return cp
}

// blockLambda expands the per-stratum factors to the q x q block-diagonal Λ.
func blockLambda(d *lmm.Design, lambdas []*mat.TriDense) *mat.Dense {
	q := d.NumRanef()
	lam := mat.NewDense(q, q, nil)
	off := 0
	for s, sd := range d.Strata {
		k := sd.NumTerms()
		for lvl := 0; lvl < sd.NumLevels(); lvl++ {
			base := off + lvl*k
			for i := 0; i < k; i++ {
				for j := 0; j <= i; j++ {
					lam.Set(base+i, base+j, lambdas[s].At(i, j))
				}
			}
		}
		off += k * sd.NumLevels()
	}
	return lam
}

func (f *Fitter) solve(d *lmm.Design, cp *cross, y []float64, lambdas []*mat.TriDense) (*state, error) {
	n, p := d.X.Dims()
	q := d.NumRanef()
	dim := p + q

	a := mat.NewSymDense(dim, nil)
	rhs := mat.NewVecDense(dim, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			a.SetSym(i, j, cp.xtx.At(i, j))
		}
		rhs.SetVec(i, cp.xty.AtVec(i))
	}

	var lam *mat.Dense
	if q > 0 {
		lam = blockLambda(d, lambdas)
		var xtzl, ztzl, lztzl mat.Dense
		xtzl.Mul(cp.xtz, lam)
		ztzl.Mul(cp.ztz, lam)
		lztzl.Mul(lam.T(), &ztzl)
		var lzty mat.VecDense
		lzty.MulVec(lam.T(), cp.zty)
		for i := 0; i < p; i++ {
			for j := 0; j < q; j++ {
				a.SetSym(i, p+j, xtzl.At(i, j))
			}
		}
		for i := 0; i < q; i++ {
			for j := i; j < q; j++ {
				v := lztzl.At(i, j)
				if i == j {
					v++
				}
				a.SetSym(p+i, p+j, v)
			}
			rhs.SetVec(p+i, lzty.AtVec(i))
		}
	}

	st := &state{}
	if !st.chol.Factorize(a) {
		return nil, fmt.Errorf("mixed-model equations are not positive definite")
	}
	var sol mat.VecDense
	if err := st.chol.SolveVecTo(&sol, rhs); err != nil {
		return nil, fmt.Errorf("solve mixed-model equations: %w", err)
	}
	raw := sol.RawVector().Data
	st.beta = append([]float64(nil), raw[:p]...)
	st.u = append([]float64(nil), raw[p:]...)

	fitted := mat.NewVecDense(n, nil)
	fitted.MulVec(d.X, mat.NewVecDense(p, st.beta))
	if q > 0 {
		bv := mat.NewVecDense(q, nil)
		bv.MulVec(lam, mat.NewVecDense(q, st.u))
		st.b = bv.RawVector().Data
		zb := mat.NewVecDense(n, nil)
		zb.MulVec(cp.z, bv)
		fitted.AddVec(fitted, zb)
	}
	st.resid = append([]float64(nil), y...)
	floats.Sub(st.resid, fitted.RawVector().Data)

	prss := floats.Dot(st.resid, st.resid) + floats.Dot(st.u, st.u)
	st.sigma2 = prss / float64(n-p)
	if math.IsNaN(st.sigma2) || math.IsInf(st.sigma2, 0) || st.sigma2 <= 0 {
		return nil, fmt.Errorf("residual variance %g is degenerate", st.sigma2)
	}
	if !numeric.FiniteSlice(st.beta) || !numeric.FiniteSlice(st.b) {
		return nil, fmt.Errorf("non-finite estimates")
	}
	return st, nil
}

// update performs the EM step for every stratum covariance and returns the
// new relative factors.
func (f *Fitter) update(d *lmm.Design, st *state, lambdas []*mat.TriDense) ([]*mat.TriDense, error) {
	_, p := d.X.Dims()
	var cinv mat.SymDense
	if err := st.chol.InverseTo(&cinv); err != nil {
		return nil, fmt.Errorf("invert mixed-model equations: %w", err)
	}

	next := make([]*mat.TriDense, len(d.Strata))
	boundary := f.opts.BoundaryTolerance * f.opts.BoundaryTolerance
	off := 0
	for s, sd := range d.Strata {
		k, levels := sd.NumTerms(), sd.NumLevels()
		sum := mat.NewDense(k, k, nil)
		cll := mat.NewDense(k, k, nil)
		for lvl := 0; lvl < levels; lvl++ {
			base := off + lvl*k
			bl := mat.NewVecDense(k, st.b[base:base+k])
			var outer mat.Dense
			outer.Outer(1, bl, bl)
			sum.Add(sum, &outer)

			for i := 0; i < k; i++ {
				for j := 0; j < k; j++ {
					cll.Set(i, j, cinv.At(p+base+i, p+base+j))
				}
			}
			var lc, lclt mat.Dense
			lc.Mul(lambdas[s], cll)
			lclt.Mul(&lc, lambdas[s].T())
			lclt.Scale(st.sigma2, &lclt)
			sum.Add(sum, &lclt)
		}
		rel := mat.NewSymDense(k, nil)
		for i := 0; i < k; i++ {
			for j := i; j < k; j++ {
				rel.SetSym(i, j, (sum.At(i, j)+sum.At(j, i))/(2*float64(levels)*st.sigma2))
			}
		}
		if !numeric.AllFinite(rel) {
			return nil, fmt.Errorf("stratum %q covariance is not finite", sd.Name)
		}
		next[s] = numeric.SemidefiniteCholesky(rel, boundary)
		off += k * levels
	}
	return next, nil
}

func (f *Fitter) converged(prev, next []*mat.TriDense) bool {
	tol := f.opts.Tolerance
	for s := range prev {
		k, _ := prev[s].Dims()
		for i := 0; i < k; i++ {
			for j := 0; j <= i; j++ {
				a, b := prev[s].At(i, j), next[s].At(i, j)
				if math.Abs(a-b) > tol*(math.Abs(a)+tol) {
					return false
				}
			}
		}
	}
	return true
}
