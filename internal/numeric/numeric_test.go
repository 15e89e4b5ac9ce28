package numeric

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var approx = cmpopts.EquateApprox(0, 1e-12)

func TestColumnCovariance(t *testing.T) {
	// Two terms observed on four levels.
	a := mat.NewDense(2, 4, []float64{
		1, -1, 1, -1,
		2, 2, -2, -2,
	})
	cov := ColumnCovariance(a)
	got := []float64{cov.At(0, 0), cov.At(0, 1), cov.At(1, 1)}
	if diff := cmp.Diff([]float64{1, 0, 4}, got, approx); diff != "" {
		t.Errorf("covariance mismatch (-want +got):\n%s", diff)
	}

	single := ColumnCovariance(mat.NewDense(2, 1, []float64{3, 4}))
	assert.Equal(t, 0.0, single.At(0, 0))
}

func TestPopulationStdDev(t *testing.T) {
	assert.InDelta(t, 2, PopulationStdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9}), 1e-12)
	assert.Equal(t, 0.0, PopulationStdDev(nil))
}

func TestSemidefiniteCholesky(t *testing.T) {
	t.Run("positive definite", func(t *testing.T) {
		a := mat.NewSymDense(2, []float64{4, 2, 2, 5})
		l := SemidefiniteCholesky(a, 1e-12)
		var back mat.SymDense
		back.SymOuterK(1, l)
		assert.True(t, mat.EqualApprox(a, &back, 1e-12))
		assert.InDelta(t, 2, l.At(0, 0), 1e-12)
	})

	t.Run("singular", func(t *testing.T) {
		// Rank one: [1 1]ᵀ[1 1].
		a := mat.NewSymDense(2, []float64{1, 1, 1, 1})
		l := SemidefiniteCholesky(a, 1e-12)
		require.True(t, AllFinite(l))
		assert.Equal(t, 0.0, l.At(1, 1))
		var back mat.SymDense
		back.SymOuterK(1, l)
		assert.True(t, mat.EqualApprox(a, &back, 1e-12))
	})

	t.Run("zero", func(t *testing.T) {
		l := SemidefiniteCholesky(mat.NewSymDense(3, nil), 1e-12)
		assert.True(t, mat.Equal(l, mat.NewTriDense(3, mat.Lower, nil)))
	})
}

func TestRank(t *testing.T) {
	full := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1})
	assert.Equal(t, 2, Rank(full))

	collinear := mat.NewDense(3, 2, []float64{1, 2, 2, 4, 3, 6})
	assert.Equal(t, 1, Rank(collinear))

	assert.Equal(t, 0, Rank(mat.NewDense(2, 2, nil)))
}

func TestEigenSym(t *testing.T) {
	a := mat.NewSymDense(2, []float64{2, 0, 0, 3})
	values, vecs, ok := EigenSym(a)
	require.True(t, ok)
	if diff := cmp.Diff([]float64{2, 3}, values, approx); diff != "" {
		t.Errorf("eigenvalues (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 1, math.Abs(vecs.At(0, 0)), 1e-12)
}

func TestFinite(t *testing.T) {
	assert.True(t, FiniteSlice([]float64{1, -2, 0}))
	assert.False(t, FiniteSlice([]float64{1, math.NaN()}))
	assert.False(t, FiniteSlice([]float64{math.Inf(-1)}))
	assert.False(t, AllFinite(mat.NewDense(1, 2, []float64{0, math.Inf(1)})))
}
