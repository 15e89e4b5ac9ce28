package replicate

// PValue is the permutation p-value of one coefficient.
type PValue struct {
	Coef     string  `json:"coef"`
	Observed float64 `json:"observed"`
	PValue   float64 `json:"p_value"`
	N        int     `json:"n"` // successful replicates compared
}

// Interval is a two-sided interval for one coefficient or variance
// component; Coef holds its name.
type Interval struct {
	Coef  string  `json:"coef"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Level float64 `json:"level"`
}

// Contains reports whether v lies in the closed interval.
func (iv Interval) Contains(v float64) bool {
	return v >= iv.Lower && v <= iv.Upper
}

// Summary describes the replicate distribution of one coefficient or
// variance component.
type Summary struct {
	Coef      string  `json:"coef"`
	Reference float64 `json:"reference"`
	Mean      float64 `json:"mean"`
	Bias      float64 `json:"bias"`
	StdDev    float64 `json:"std_dev"`
	Median    float64 `json:"median"`
	N         int     `json:"n"`
}
