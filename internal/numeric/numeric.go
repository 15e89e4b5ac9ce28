// Package numeric collects the small dense linear-algebra routines shared by
// the inflation, least-squares and fitting code.
package numeric

import (
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ColumnCovariance returns the covariance of the columns of a (k x L), each
// column being one observation of a k-vector, with divisor L.
func ColumnCovariance(a mat.Matrix) *mat.SymDense {
	k, l := a.Dims()
	cov := mat.NewSymDense(k, nil)
	if l < 2 {
		return cov
	}
	stat.CovarianceMatrix(cov, a.T(), nil)
	cov.ScaleSym(float64(l-1)/float64(l), cov)
	return cov
}

// PopulationStdDev returns the standard deviation of x with divisor len(x).
func PopulationStdDev(x []float64) float64 {
	sd, err := stats.StandardDeviationPopulation(x)
	if err != nil {
		return 0
	}
	return sd
}

// SemidefiniteCholesky returns a lower-triangular L with L Lᵀ = a for a
// symmetric positive semidefinite a. Pivots at or below tol are treated as
// zero and their column is cleared, so singular covariances factor without
// producing NaN.
func SemidefiniteCholesky(a mat.Symmetric, tol float64) *mat.TriDense {
	n := a.SymmetricDim()
	l := mat.NewTriDense(n, mat.Lower, nil)
	for j := 0; j < n; j++ {
		d := a.At(j, j)
		for k := 0; k < j; k++ {
			d -= l.At(j, k) * l.At(j, k)
		}
		if d <= tol {
			continue
		}
		ljj := math.Sqrt(d)
		l.SetTri(j, j, ljj)
		for i := j + 1; i < n; i++ {
			s := a.At(i, j)
			for k := 0; k < j; k++ {
				s -= l.At(i, k) * l.At(j, k)
			}
			l.SetTri(i, j, s/ljj)
		}
	}
	return l
}

// Rank returns the numerical rank of a, using the conventional tolerance
// max(r, c) * eps * σ_max on the singular values.
func Rank(a mat.Matrix) int {
	r, c := a.Dims()
	if r == 0 || c == 0 {
		return 0
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return 0
	}
	values := svd.Values(nil)
	if len(values) == 0 || values[0] == 0 {
		return 0
	}
	tol := float64(max(r, c)) * values[0] * eps
	rank := 0
	for _, v := range values {
		if v > tol {
			rank++
		}
	}
	return rank
}

const eps = 2.220446049250313e-16

// EigenSym returns ascending eigenvalues and matching eigenvectors (as
// columns) of a symmetric matrix.
func EigenSym(a mat.Symmetric) ([]float64, *mat.Dense, bool) {
	var es mat.EigenSym
	if !es.Factorize(a, true) {
		return nil, nil, false
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	return es.Values(nil), &vecs, true
}

// AllFinite reports whether every entry of a is a finite number.
func AllFinite(a mat.Matrix) bool {
	r, c := a.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := a.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// FiniteSlice reports whether every entry of x is a finite number.
func FiniteSlice(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
