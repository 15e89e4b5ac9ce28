package replicate

import (
	"fmt"

	"mixperm/domain/core"
	"mixperm/domain/lmm"
)

// Record is the outcome of refitting one synthetic response.
type Record struct {
	Index     int         `json:"index"`
	Coef      []float64   `json:"coef,omitempty"`
	Sigma     float64     `json:"sigma,omitempty"`
	StratumSD [][]float64 `json:"stratum_sd,omitempty"`
	Failed    bool        `json:"failed"`
	Err       error       `json:"-"`
}

// Variance returns σ followed by the flattened per-stratum SDs.
func (r Record) Variance() []float64 {
	out := []float64{r.Sigma}
	for _, sd := range r.StratumSD {
		out = append(out, sd...)
	}
	return out
}

// Table is the ordered set of records of one run. Index i holds the
// replicate submitted i-th; completion order is not retained.
type Table struct {
	RunID core.RunID `json:"run_id"`
	// Fingerprint identifies the plan, replicate count and stream mode.
	// Equal fingerprints and seeds give equal tables whenever the stream
	// layout is reproducible.
	Fingerprint core.Hash `json:"fingerprint"`
	Mode        lmm.Mode  `json:"mode"`
	CoefNames   []string  `json:"coef_names"`
	Hypothesis  []float64 `json:"hypothesis"`
	// VarianceNames labels σ followed by every stratum SD, in the order
	// of Record.Variance. Empty when the table records no components.
	VarianceNames []string `json:"variance_names,omitempty"`
	Records       []Record `json:"records"`
}

// Len returns the number of replicates, failed ones included.
func (t *Table) Len() int {
	return len(t.Records)
}

// Failures returns the number of failed replicates.
func (t *Table) Failures() int {
	n := 0
	for _, r := range t.Records {
		if r.Failed {
			n++
		}
	}
	return n
}

// Successes returns the records whose refit succeeded, in index order.
func (t *Table) Successes() []Record {
	out := make([]Record, 0, len(t.Records))
	for _, r := range t.Records {
		if !r.Failed {
			out = append(out, r)
		}
	}
	return out
}

// Coef returns coefficient j of every successful replicate.
func (t *Table) Coef(j int) []float64 {
	out := make([]float64, 0, len(t.Records))
	for _, r := range t.Records {
		if !r.Failed {
			out = append(out, r.Coef[j])
		}
	}
	return out
}

// Sigmas returns the residual standard deviation of every successful replicate.
func (t *Table) Sigmas() []float64 {
	out := make([]float64, 0, len(t.Records))
	for _, r := range t.Records {
		if !r.Failed {
			out = append(out, r.Sigma)
		}
	}
	return out
}

// Variance returns variance component j of every successful replicate;
// j indexes VarianceNames.
func (t *Table) Variance(j int) []float64 {
	out := make([]float64, 0, len(t.Records))
	for _, r := range t.Records {
		if !r.Failed {
			out = append(out, r.Variance()[j])
		}
	}
	return out
}

// Validate checks that every successful record has one coefficient per
// name and, when the table names variance components, one of each.
func (t *Table) Validate() error {
	for i, r := range t.Records {
		if r.Index != i {
			return core.NewInvariantError("replicate table", "record %d carries index %d", i, r.Index)
		}
		if r.Failed {
			continue
		}
		if len(r.Coef) != len(t.CoefNames) {
			return core.NewInvariantError("replicate table", "record %d has %d coefficients, want %d", i, len(r.Coef), len(t.CoefNames))
		}
		if len(t.VarianceNames) > 0 && len(r.Variance()) != len(t.VarianceNames) {
			return core.NewInvariantError("replicate table", "record %d has %d variance components, want %d", i, len(r.Variance()), len(t.VarianceNames))
		}
	}
	return nil
}

// FailureSummary gives a one-line description of the failed replicates.
func (t *Table) FailureSummary() string {
	f := t.Failures()
	if f == 0 {
		return fmt.Sprintf("%d replicates, no failures", t.Len())
	}
	var first error
	for _, r := range t.Records {
		if r.Failed && r.Err != nil {
			first = r.Err
			break
		}
	}
	return fmt.Sprintf("%d of %d replicates failed (first: %v)", f, t.Len(), first)
}
