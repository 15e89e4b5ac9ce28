package resample

import (
	"math/rand"

	"mixperm/domain/core"
	"mixperm/domain/lmm"
)

// ResidualDraw says which residual feeds each output position, and with
// which sign.
type ResidualDraw struct {
	Source []int
	Sign   []float64
}

// DrawResiduals draws the transform of n residuals.
func DrawResiduals(rng *rand.Rand, n int, method lmm.ResidualMethod) (ResidualDraw, error) {
	d := ResidualDraw{Source: make([]int, n), Sign: make([]float64, n)}
	switch method {
	case lmm.ResidualBootstrap:
		for i := range d.Source {
			d.Source[i] = rng.Intn(n)
			d.Sign[i] = 1
		}
	case lmm.ResidualSignFlip:
		for i := range d.Source {
			d.Source[i] = i
			d.Sign[i] = flip(rng)
		}
	case lmm.ResidualShuffle:
		for i := range d.Source {
			d.Source[i] = i
			d.Sign[i] = 1
		}
		rng.Shuffle(n, func(i, j int) {
			d.Source[i], d.Source[j] = d.Source[j], d.Source[i]
		})
	default:
		return ResidualDraw{}, core.NewInvariantError("residual transform", "unknown method %v", method)
	}
	return d, nil
}

// ApplyResiduals returns scale · Sign[i] · resids[Source[i]] for every i.
func ApplyResiduals(resids []float64, draw ResidualDraw, scale float64) ([]float64, error) {
	if len(draw.Source) != len(resids) || len(draw.Sign) != len(resids) {
		return nil, core.NewInvariantError("residual transform", "draw covers %d of %d residuals", len(draw.Source), len(resids))
	}
	out := make([]float64, len(resids))
	for i, src := range draw.Source {
		if src < 0 || src >= len(resids) {
			return nil, core.NewInvariantError("residual transform", "source index %d out of range", src)
		}
		out[i] = scale * draw.Sign[i] * resids[src]
	}
	return out, nil
}

// TransformResiduals draws and applies in one step.
func TransformResiduals(rng *rand.Rand, resids []float64, scale float64, method lmm.ResidualMethod) ([]float64, error) {
	draw, err := DrawResiduals(rng, len(resids), method)
	if err != nil {
		return nil, err
	}
	return ApplyResiduals(resids, draw, scale)
}
