package henderson

import (
	"context"
	"math"
	"testing"

	"mixperm/domain/core"
	"mixperm/domain/lmm"
	"mixperm/internal/simulate"
	"mixperm/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestFitRecoversSimulatedModel(t *testing.T) {
	setup := simulate.DefaultSetup()
	setup.Groups = 30
	setup.PerGroup = 20
	d, y, truth, err := simulate.Generate(setup)
	require.NoError(t, err)

	m, err := NewFitter(Options{}, nil).Fit(context.Background(), d, y)
	require.NoError(t, err)
	model := m.(*Model)

	beta := model.Coef()
	assert.InDelta(t, truth.Beta[0], beta[0], 0.6)
	assert.InDelta(t, truth.Beta[1], beta[1], 0.15)

	vc := model.VarCorr()
	assert.InDelta(t, setup.Sigma, vc.Sigma, 0.1)
	assert.InDelta(t, setup.InterceptSD, vc.StratumSD(0)[0], 0.5)
	assert.Greater(t, model.Iterations(), 0)

	// Conditional modes track the simulated group effects.
	var corrNum, na, nb float64
	for g := 0; g < setup.Groups; g++ {
		a, b := truth.Ranef.Levels.At(0, g), model.Ranef()[0].Levels.At(0, g)
		corrNum += a * b
		na += a * a
		nb += b * b
	}
	assert.Greater(t, corrNum/math.Sqrt(na*nb), 0.9)
}

func TestFitResidualsAreConsistent(t *testing.T) {
	d, y, _, err := simulate.Generate(simulate.DefaultSetup())
	require.NoError(t, err)
	m, err := NewFitter(DefaultOptions(), nil).Fit(context.Background(), d, y)
	require.NoError(t, err)

	// y = Xβ + Zb + e exactly.
	z := d.RanefMatrix()
	_, q := z.Dims()
	b := make([]float64, 0, q)
	ranef := m.Ranef()[0]
	_, levels := ranef.Dims()
	for lvl := 0; lvl < levels; lvl++ {
		b = append(b, ranef.Level(lvl)...)
	}
	var zb mat.VecDense
	zb.MulVec(z, mat.NewVecDense(q, b))
	var xb mat.VecDense
	xb.MulVec(d.X, mat.NewVecDense(2, m.Coef()))
	resid := m.Residuals()
	for i := range y {
		assert.InDelta(t, y[i], xb.AtVec(i)+zb.AtVec(i)+resid[i], 1e-9)
	}
	assert.Equal(t, y, m.Response())
}

func TestFitWithoutRandomEffectsIsOLS(t *testing.T) {
	x := mat.NewDense(5, 2, []float64{1, 0, 1, 1, 1, 2, 1, 3, 1, 4})
	d := &lmm.Design{X: x}
	y := []float64{1, 3.1, 4.9, 7.2, 8.8}

	m, err := NewFitter(DefaultOptions(), nil).Fit(context.Background(), d, y)
	require.NoError(t, err)
	beta := m.Coef()
	assert.InDelta(t, 1.06, beta[0], 1e-10)
	assert.InDelta(t, 1.97, beta[1], 1e-10)
	assert.Empty(t, m.Ranef())
}

func TestFitBalancedInterceptIsGrandMean(t *testing.T) {
	d := testkit.InterceptDesign(4, 3)
	y := []float64{1, 2, 3, 5, 6, 7, 0, 1, 2, 9, 9, 9}

	m, err := NewFitter(DefaultOptions(), nil).Fit(context.Background(), d, y)
	require.NoError(t, err)
	assert.InDelta(t, 54.0/12, m.Coef()[0], 1e-8)
	assert.Equal(t, lmm.KindLinear, m.Kind())
}

func TestFitRejectsRankDeficientX(t *testing.T) {
	d := testkit.InterceptDesign(3, 2)
	// Duplicate the intercept column.
	d.X = mat.NewDense(6, 2, []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1})
	d.CoefNames = []string{"(Intercept)", "copy"}
	require.NoError(t, d.Validate())
	_, err := NewFitter(DefaultOptions(), nil).Fit(context.Background(), d, make([]float64, 6))
	assert.True(t, core.IsRankDeficient(err), "%v", err)
}

func TestFitReportsNonConvergence(t *testing.T) {
	d, y, _, err := simulate.Generate(simulate.DefaultSetup())
	require.NoError(t, err)
	_, err = NewFitter(Options{MaxIter: 1}, nil).Fit(context.Background(), d, y)
	assert.True(t, core.IsConvergenceFailure(err), "%v", err)
	assert.False(t, core.IsFatal(err))
}

func TestFitRejectsBadInput(t *testing.T) {
	d := testkit.InterceptDesign(3, 2)
	_, err := NewFitter(DefaultOptions(), nil).Fit(context.Background(), d, []float64{1, 2})
	assert.ErrorIs(t, err, core.ErrInvariantViolation)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewFitter(DefaultOptions(), nil).Fit(ctx, d, []float64{1, 2, 3, 4, 5, 6})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestModelReturnsCopies(t *testing.T) {
	d, y, _, err := simulate.Generate(simulate.DefaultSetup())
	require.NoError(t, err)
	m, err := NewFitter(DefaultOptions(), nil).Fit(context.Background(), d, y)
	require.NoError(t, err)

	c := m.Coef()
	c[0] = 1e6
	assert.NotEqual(t, 1e6, m.Coef()[0])

	r := m.Ranef()
	r[0].Levels.Set(0, 0, 1e6)
	assert.NotEqual(t, 1e6, m.Ranef()[0].Levels.At(0, 0))

	vc := m.VarCorr()
	vc.Lambdas[0].SetTri(0, 0, 1e6)
	assert.NotEqual(t, 1e6, m.VarCorr().Lambdas[0].At(0, 0))
}

func TestFitIsDeterministic(t *testing.T) {
	d, y, _, err := simulate.Generate(simulate.DefaultSetup())
	require.NoError(t, err)
	f := NewFitter(DefaultOptions(), nil)
	a, err := f.Fit(context.Background(), d, y)
	require.NoError(t, err)
	b, err := f.Fit(context.Background(), d, y)
	require.NoError(t, err)
	assert.Equal(t, a.Coef(), b.Coef())
}
