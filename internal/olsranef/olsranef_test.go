package olsranef

import (
	"testing"

	"mixperm/domain/core"
	"mixperm/domain/lmm"
	"mixperm/internal/testkit"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func interceptModel() *testkit.Model {
	d := testkit.InterceptDesign(3, 2)
	return &testkit.Model{
		ModelKind: lmm.KindLinear,
		D:         d,
		Y:         []float64{3, 5, 1, 1, 2, 4},
		Beta:      []float64{2},
		VC:        lmm.VarCorr{Sigma: 1, Lambdas: testkit.Lambda(1, 1)},
	}
}

func TestEstimateInterceptLevelMeans(t *testing.T) {
	for _, mode := range []lmm.OLSMode{lmm.OLSSimultaneous, lmm.OLSStratum} {
		t.Run(mode.String(), func(t *testing.T) {
			est, err := Estimate(interceptModel(), mode)
			require.NoError(t, err)
			require.Len(t, est, 1)
			got := mat.Row(nil, 0, est[0].Levels)
			if diff := cmp.Diff([]float64{2, -1, 1}, got, cmpopts.EquateApprox(0, 1e-10)); diff != "" {
				t.Errorf("level estimates (-want +got):\n%s", diff)
			}
			assert.Equal(t, "group", est[0].Stratum)
		})
	}
}

func TestEstimateRandomSlopes(t *testing.T) {
	// Level 1: r = 1 + 2x; level 2: r = -1 + 0.5x, exactly.
	x := []float64{0, 1, 2, 0, 2, 4}
	d := testkit.SlopeDesign(x, 2)
	y := []float64{1, 3, 5, -1, 0, 1}
	model := &testkit.Model{ModelKind: lmm.KindLinear, D: d, Y: y, Beta: []float64{0, 0}}

	for _, mode := range []lmm.OLSMode{lmm.OLSSimultaneous, lmm.OLSStratum} {
		est, err := Estimate(model, mode)
		require.NoError(t, err, mode.String())
		want := mat.NewDense(2, 2, []float64{1, -1, 2, 0.5})
		assert.True(t, mat.EqualApprox(want, est[0].Levels, 1e-10), "%s got\n%v", mode, mat.Formatted(est[0].Levels))
	}
}

func TestEstimateCollinearColumns(t *testing.T) {
	// x is constant within level 2, so its intercept and slope columns are
	// collinear there.
	x := []float64{0, 1, 2, 3, 3, 3}
	d := testkit.SlopeDesign(x, 2)
	model := &testkit.Model{ModelKind: lmm.KindLinear, D: d, Y: []float64{1, 2, 3, 4, 5, 6}, Beta: []float64{0, 0}}

	for _, mode := range []lmm.OLSMode{lmm.OLSSimultaneous, lmm.OLSStratum} {
		_, err := Estimate(model, mode)
		require.Error(t, err, mode.String())
		assert.True(t, core.IsRankDeficient(err), "%s: %v", mode, err)
	}
}

func TestEstimateTooFewObservations(t *testing.T) {
	// Two terms, one observation in the last level.
	x := []float64{0, 1, 2, 5}
	d := testkit.SlopeDesign(x, 2)
	d.Strata[0].Group = []int{0, 0, 0, 1}
	model := &testkit.Model{ModelKind: lmm.KindLinear, D: d, Y: []float64{1, 2, 3, 4}, Beta: []float64{0, 0}}

	_, err := Estimate(model, lmm.OLSStratum)
	assert.ErrorIs(t, err, core.ErrRankDeficient)
}

func TestEstimateCrossedStrata(t *testing.T) {
	// Two crossed intercept strata: pooled columns of each stratum sum to
	// the same vector, so only the per-stratum problem is identified.
	n := 8
	x := mat.NewDense(n, 1, nil)
	ones := mat.NewDense(n, 1, nil)
	subj := make([]int, n)
	item := make([]int, n)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
		ones.Set(i, 0, 1)
		subj[i] = i / 4
		item[i] = i % 2
	}
	d := &lmm.Design{
		X: x,
		Strata: []lmm.StratumDesign{
			{Name: "subj", Levels: testkit.LevelNames(2), Group: subj, Z: ones},
			{Name: "item", Levels: testkit.LevelNames(2), Group: item, Z: ones},
		},
	}
	model := &testkit.Model{ModelKind: lmm.KindLinear, D: d, Y: []float64{1, 2, 3, 4, 5, 6, 7, 8}, Beta: []float64{4.5}}

	_, err := Estimate(model, lmm.OLSSimultaneous)
	assert.ErrorIs(t, err, core.ErrRankDeficient)

	est, err := Estimate(model, lmm.OLSStratum)
	require.NoError(t, err)
	require.Len(t, est, 2)
	assert.InDelta(t, -2, est[0].Levels.At(0, 0), 1e-10)
	assert.InDelta(t, 2, est[0].Levels.At(0, 1), 1e-10)
	assert.InDelta(t, -0.5, est[1].Levels.At(0, 0), 1e-10)
	assert.InDelta(t, 0.5, est[1].Levels.At(0, 1), 1e-10)
}

func TestEstimateUnknownMode(t *testing.T) {
	_, err := Estimate(interceptModel(), lmm.OLSMode(7))
	assert.ErrorIs(t, err, core.ErrInvariantViolation)
}
