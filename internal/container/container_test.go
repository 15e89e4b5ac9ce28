package container

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"mixperm/adapters/henderson"
	"mixperm/internal/config"
	"mixperm/internal/errors"
	"mixperm/internal/simulate"
	"mixperm/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithoutMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"

	c, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, c.Service)
	assert.IsType(t, ports.NoopProgress{}, c.Progress)
	assert.Nil(t, c.Registry)
	assert.Nil(t, c.MetricsHandler())
	assert.False(t, c.Options.ProgressReporting)

	c.StartMetrics()
	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestNewProgressWithoutMetricsAddr(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Resampling.ProgressReporting = true

	c, err := New(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, ports.NoopProgress{}, c.Progress)
	assert.True(t, c.Options.ProgressReporting)
	assert.Nil(t, c.Registry)
	assert.Nil(t, c.MetricsHandler())
}

func TestNewZeroSeedUsesClock(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Run.Seed = 0

	c, err := New(cfg)
	require.NoError(t, err)
	assert.NotZero(t, c.RNG.Seed())

	cfg.Run.Seed = 9
	c, err = New(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(9), c.RNG.Seed())
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(nil)
	assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))

	cfg := config.Default()
	cfg.Resampling.GroupMethod = "rotate"
	_, err = New(cfg)
	assert.Equal(t, errors.CodeConfigInvalid, errors.GetCode(err))
}

func TestMetricsFollowARun(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Run.MetricsAddr = "127.0.0.1:0"
	cfg.Run.Replicates = 10

	c, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, c.Registry)
	assert.True(t, c.Options.ProgressReporting)

	setup := simulate.DefaultSetup()
	setup.Groups, setup.PerGroup = 6, 8
	d, y, _, err := simulate.Generate(setup)
	require.NoError(t, err)
	model, err := c.Fitter.Fit(context.Background(), d, y)
	require.NoError(t, err)
	assert.IsType(t, &henderson.Model{}, model)

	table, err := c.Service.Permutation(context.Background(), cfg.Run.Replicates, model, c.Options)
	require.NoError(t, err)
	assert.Equal(t, 10, table.Len())

	rec := httptest.NewRecorder()
	c.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "mixperm_replicates_planned 10")
	assert.Contains(t, body, "mixperm_replicates_completed_total 10")
	assert.Contains(t, body, "mixperm_runs_finished_total 1")
}
