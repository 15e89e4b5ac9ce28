package inflation

import (
	"math"
	"testing"

	"mixperm/domain/core"
	"mixperm/domain/lmm"
	"mixperm/internal/numeric"
	"mixperm/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestDefaultDegenerateTolerance(t *testing.T) {
	assert.Equal(t, 1e-10, DefaultDegenerateTolerance)
	assert.Equal(t, DefaultDegenerateTolerance, Options{}.tolerance())
	assert.Equal(t, 1e-6, Options{DegenerateTolerance: 1e-6}.tolerance())
}

func TestStratumFactorScalar(t *testing.T) {
	// Model SD 1, empirical SD 2: the levels must be halved.
	mle := mat.NewTriDense(1, mat.Lower, []float64{1})
	levels := mat.NewDense(1, 4, []float64{2, -2, 2, -2})

	f, err := StratumFactor(mle, levels, DefaultDegenerateTolerance)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, f.At(0, 0), 1e-12)
}

func TestStratumFactorMatchesModelCovariance(t *testing.T) {
	mle := mat.NewTriDense(2, mat.Lower, []float64{1.5, 0, 0.3, 0.8})
	levels := mat.NewDense(2, 6, []float64{
		0.4, -1.2, 0.9, 0.1, -0.6, 0.4,
		0.2, 0.5, -0.3, -0.9, 0.7, -0.2,
	})

	f, err := StratumFactor(mle, levels, DefaultDegenerateTolerance)
	require.NoError(t, err)
	require.True(t, numeric.AllFinite(f))
	assert.GreaterOrEqual(t, f.At(0, 0), 0.0)
	assert.GreaterOrEqual(t, f.At(1, 1), 0.0)

	// The inflated levels have the model covariance.
	var inflated mat.Dense
	inflated.Mul(f, levels)
	got := numeric.ColumnCovariance(&inflated)
	var want mat.SymDense
	want.SymOuterK(1, mle)
	assert.True(t, mat.EqualApprox(&want, got, 1e-10), "got\n%v\nwant\n%v", mat.Formatted(got), mat.Formatted(&want))
}

func TestStratumFactorDegenerate(t *testing.T) {
	mle := mat.NewTriDense(2, mat.Lower, []float64{1, 0, 0.5, 1})

	t.Run("all levels equal", func(t *testing.T) {
		f, err := StratumFactor(mle, mat.NewDense(2, 5, nil), DefaultDegenerateTolerance)
		require.NoError(t, err)
		id := mat.NewDiagDense(2, []float64{1, 1})
		assert.True(t, mat.EqualApprox(id, f, 1e-12), "degenerate stratum must be neutral, got\n%v", mat.Formatted(f))
	})

	t.Run("one direction without spread", func(t *testing.T) {
		levels := mat.NewDense(2, 4, []float64{
			1, -1, 1, -1,
			0, 0, 0, 0,
		})
		f, err := StratumFactor(mle, levels, DefaultDegenerateTolerance)
		require.NoError(t, err)
		require.True(t, numeric.AllFinite(f))
		// The dead direction e2 passes through unchanged.
		assert.InDelta(t, 0, f.At(0, 1), 1e-12)
		assert.InDelta(t, 1, f.At(1, 1), 1e-12)
		// The live direction is scaled to the model factor's first column.
		assert.InDelta(t, 1, f.At(0, 0), 1e-12)
		assert.InDelta(t, 0.5, f.At(1, 0), 1e-12)
	})

	t.Run("single level", func(t *testing.T) {
		f, err := StratumFactor(mat.NewTriDense(1, mat.Lower, []float64{2}), mat.NewDense(1, 1, []float64{3}), DefaultDegenerateTolerance)
		require.NoError(t, err)
		assert.Equal(t, 1.0, f.At(0, 0))
	})
}

func TestResidualFactor(t *testing.T) {
	assert.InDelta(t, 2, ResidualFactor(3, []float64{1.5, -1.5, 1.5, -1.5}, DefaultDegenerateTolerance), 1e-12)
	assert.Equal(t, 1.0, ResidualFactor(3, []float64{0, 0, 0}, DefaultDegenerateTolerance))
	assert.Equal(t, 1.0, ResidualFactor(3, nil, DefaultDegenerateTolerance))
	assert.Equal(t, 0.0, ResidualFactor(0, []float64{1, -1}, DefaultDegenerateTolerance))
}

func TestCompute(t *testing.T) {
	d := testkit.InterceptDesign(4, 2)
	model := &testkit.Model{
		ModelKind: lmm.KindLinear,
		D:         d,
		Beta:      []float64{2},
		Blups:     testkit.Estimates("group", 1, 4, []float64{2, -2, 2, -2}),
		Resid:     []float64{1, -1, 1, -1, 1, -1, 1, -1},
		VC:        lmm.VarCorr{Sigma: 0.5, Lambdas: testkit.Lambda(1, 2)},
	}

	infl, err := Compute(model, model.Ranef(), model.Residuals(), DefaultOptions())
	require.NoError(t, err)
	// σΛ = 1 against an empirical SD of 2.
	assert.InDelta(t, 0.5, infl.Strata[0].At(0, 0), 1e-12)
	assert.InDelta(t, 0.5, infl.Residual, 1e-12)

	_, err = Compute(model, testkit.Estimates("group", 1, 3, []float64{1, 2, 3}), model.Residuals(), DefaultOptions())
	assert.ErrorIs(t, err, core.ErrInvariantViolation)

	_, err = Compute(model, model.Ranef(), []float64{1}, DefaultOptions())
	assert.ErrorIs(t, err, core.ErrInvariantViolation)
}

func TestComputeZeroVarianceModel(t *testing.T) {
	d := testkit.InterceptDesign(3, 2)
	model := &testkit.Model{
		ModelKind: lmm.KindLinear,
		D:         d,
		Beta:      []float64{1},
		Blups:     testkit.Estimates("group", 1, 3, []float64{0, 0, 0}),
		Resid:     []float64{0.1, -0.1, 0.2, -0.2, 0, 0},
		VC:        lmm.VarCorr{Sigma: 0.2, Lambdas: testkit.Lambda(1, 0)},
	}
	infl, err := Compute(model, model.Ranef(), model.Residuals(), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1.0, infl.Strata[0].At(0, 0))
	assert.False(t, math.IsNaN(infl.Residual))
}
