package testkit

import (
	"context"
	"fmt"
	"sync/atomic"

	"mixperm/domain/core"
	"mixperm/domain/lmm"
	"mixperm/ports"

	"github.com/stretchr/testify/mock"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// OLSFitter fits the fixed effects by least squares and reports zero group
// effects. It is deterministic and cheap, which is all the driver needs.
type OLSFitter struct {
	calls atomic.Int64
}

var _ ports.Fitter = (*OLSFitter)(nil)

// Calls returns the number of Fit calls so far.
func (f *OLSFitter) Calls() int {
	return int(f.calls.Load())
}

func (f *OLSFitter) Fit(ctx context.Context, d *lmm.Design, y []float64) (ports.FittedModel, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, p := d.X.Dims()
	var qr mat.QR
	qr.Factorize(d.X)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, mat.NewVecDense(n, y)); err != nil {
		return nil, core.NewRankDeficientError("fixed-effect design", 0, p)
	}
	m := &Model{
		ModelKind: lmm.KindLinear,
		D:         d,
		Y:         append([]float64(nil), y...),
		Beta:      append([]float64(nil), beta.RawVector().Data...),
	}
	for _, s := range d.Strata {
		m.Blups = append(m.Blups, lmm.StratumEstimate{Stratum: s.Name, Levels: mat.NewDense(s.NumTerms(), s.NumLevels(), nil)})
		m.VC.Lambdas = append(m.VC.Lambdas, mat.NewTriDense(s.NumTerms(), mat.Lower, nil))
	}
	m.Resid = append([]float64(nil), y...)
	floats.Sub(m.Resid, ports.Fitted(m))
	m.VC.Sigma = floats.Norm(m.Resid, 2) / float64(max(n-p, 1))
	return m, nil
}

// FailingFitter wraps another fitter and fails the calls for which Fail
// returns true with a convergence failure.
type FailingFitter struct {
	Next ports.Fitter
	Fail func(call int) bool
	Err  error // returned instead of a convergence failure when set

	calls atomic.Int64
}

func (f *FailingFitter) Fit(ctx context.Context, d *lmm.Design, y []float64) (ports.FittedModel, error) {
	call := int(f.calls.Add(1)) - 1
	if f.Fail != nil && f.Fail(call) {
		if f.Err != nil {
			return nil, f.Err
		}
		return nil, core.NewConvergenceError(call, fmt.Errorf("injected failure"))
	}
	return f.Next.Fit(ctx, d, y)
}

// MockFitter is a testify mock of ports.Fitter.
type MockFitter struct {
	mock.Mock
}

func (m *MockFitter) Fit(ctx context.Context, d *lmm.Design, y []float64) (ports.FittedModel, error) {
	args := m.Called(ctx, d, y)
	model, _ := args.Get(0).(ports.FittedModel)
	return model, args.Error(1)
}
