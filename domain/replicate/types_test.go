package replicate

import (
	"errors"
	"testing"

	"mixperm/domain/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTable() *Table {
	return &Table{
		CoefNames:  []string{"a", "b"},
		Hypothesis: []float64{0, 0},
		Records: []Record{
			{Index: 0, Coef: []float64{1, 10}, Sigma: 0.5},
			{Index: 1, Failed: true, Err: core.NewConvergenceError(3, errors.New("singular"))},
			{Index: 2, Coef: []float64{3, 30}, Sigma: 0.7},
		},
	}
}

func TestTableAccessors(t *testing.T) {
	tbl := sampleTable()
	require.NoError(t, tbl.Validate())

	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, 1, tbl.Failures())
	assert.Len(t, tbl.Successes(), 2)
	assert.Equal(t, []float64{10, 30}, tbl.Coef(1))
	assert.Equal(t, []float64{0.5, 0.7}, tbl.Sigmas())
	assert.Contains(t, tbl.FailureSummary(), "1 of 3 replicates failed")
}

func TestTableValidate(t *testing.T) {
	tbl := sampleTable()
	tbl.Records[2].Index = 5
	assert.ErrorIs(t, tbl.Validate(), core.ErrInvariantViolation)

	tbl = sampleTable()
	tbl.Records[0].Coef = []float64{1}
	assert.ErrorIs(t, tbl.Validate(), core.ErrInvariantViolation)
}

func TestTableVarianceComponents(t *testing.T) {
	tbl := sampleTable()
	tbl.VarianceNames = []string{"σ", "group:(Intercept)"}
	tbl.Records[0].StratumSD = [][]float64{{1.5}}
	tbl.Records[2].StratumSD = [][]float64{{2.5}}
	require.NoError(t, tbl.Validate())

	assert.Equal(t, []float64{0.5, 1.5}, tbl.Records[0].Variance())
	assert.Equal(t, []float64{0.5, 0.7}, tbl.Variance(0))
	assert.Equal(t, []float64{1.5, 2.5}, tbl.Variance(1))

	tbl.Records[2].StratumSD = nil
	assert.ErrorIs(t, tbl.Validate(), core.ErrInvariantViolation)
}

func TestStreamModeParse(t *testing.T) {
	for _, m := range []StreamMode{StreamShared, StreamPerReplicate} {
		got, err := ParseStreamMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseStreamMode("threaded")
	assert.Error(t, err)
}

func TestIntervalContains(t *testing.T) {
	iv := Interval{Lower: 1, Upper: 2}
	assert.True(t, iv.Contains(1))
	assert.True(t, iv.Contains(2))
	assert.False(t, iv.Contains(2.0001))
}
