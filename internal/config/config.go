package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"mixperm/app"
	"mixperm/domain/lmm"
	"mixperm/domain/replicate"
	"mixperm/internal/errors"
	"mixperm/internal/inflation"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete resampling configuration.
type Config struct {
	Resampling ResamplingConfig `yaml:"resampling"`
	Fitter     FitterConfig     `yaml:"fitter"`
	Run        RunConfig        `yaml:"run"`
	LogLevel   string           `yaml:"log_level"`
}

// ResamplingConfig holds the settings passed to every bootstrap or
// permutation run.
type ResamplingConfig struct {
	UseParallel         bool    `yaml:"use_parallel"`
	Workers             int     `yaml:"workers"`
	ResidualMethod      string  `yaml:"residual_method"`
	GroupMethod         string  `yaml:"group_method"`
	BlupMethod          string  `yaml:"blup_method"`
	OLSMode             string  `yaml:"ols_mode"`
	StreamMode          string  `yaml:"stream_mode"`
	ProgressReporting   bool    `yaml:"progress"`
	DegenerateTolerance float64 `yaml:"degenerate_tolerance"`
}

// FitterConfig holds the reference fitter's iteration limits.
type FitterConfig struct {
	MaxIter   int     `yaml:"max_iter"`
	Tolerance float64 `yaml:"tolerance"`
}

// RunConfig holds the settings of the demo binary.
type RunConfig struct {
	Mode        string        `yaml:"mode"`
	Replicates  int           `yaml:"replicates"`
	Seed        int64         `yaml:"seed"` // 0 seeds from the clock
	Level       float64       `yaml:"level"`
	Direction   string        `yaml:"direction"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Resampling: ResamplingConfig{
			ResidualMethod:      "signflip",
			GroupMethod:         "signflip",
			BlupMethod:          "shrunken",
			OLSMode:             "simultaneous",
			StreamMode:          "shared",
			DegenerateTolerance: inflation.DefaultDegenerateTolerance,
		},
		Fitter: FitterConfig{MaxIter: 2000, Tolerance: 1e-7},
		Run: RunConfig{
			Mode:       "bootstrap",
			Replicates: 1000,
			Seed:       1,
			Level:      0.95,
			Direction:  "greater",
			Timeout:    10 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by MIXPERM_CONFIG, and the environment, in increasing precedence. A .env
// file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("MIXPERM_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, errors.Wrap(err, "failed to read environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.ConfigInvalidf("MIXPERM_CONFIG", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.ConfigInvalidf(path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	r := &c.Resampling
	var err error
	if r.UseParallel, err = getEnvBoolOrDefault("MIXPERM_USE_PARALLEL", r.UseParallel); err != nil {
		return err
	}
	if r.Workers, err = getEnvIntOrDefault("MIXPERM_WORKERS", r.Workers); err != nil {
		return err
	}
	r.ResidualMethod = getEnvOrDefault("MIXPERM_RESIDUAL_METHOD", r.ResidualMethod)
	r.GroupMethod = getEnvOrDefault("MIXPERM_GROUP_METHOD", r.GroupMethod)
	r.BlupMethod = getEnvOrDefault("MIXPERM_BLUP_METHOD", r.BlupMethod)
	r.OLSMode = getEnvOrDefault("MIXPERM_OLS_MODE", r.OLSMode)
	r.StreamMode = getEnvOrDefault("MIXPERM_STREAM_MODE", r.StreamMode)
	if r.ProgressReporting, err = getEnvBoolOrDefault("MIXPERM_PROGRESS", r.ProgressReporting); err != nil {
		return err
	}
	if r.DegenerateTolerance, err = getEnvFloatOrDefault("MIXPERM_DEGENERATE_TOLERANCE", r.DegenerateTolerance); err != nil {
		return err
	}

	f := &c.Fitter
	if f.MaxIter, err = getEnvIntOrDefault("MIXPERM_MAX_ITER", f.MaxIter); err != nil {
		return err
	}
	if f.Tolerance, err = getEnvFloatOrDefault("MIXPERM_TOLERANCE", f.Tolerance); err != nil {
		return err
	}

	run := &c.Run
	run.Mode = getEnvOrDefault("MIXPERM_MODE", run.Mode)
	if run.Replicates, err = getEnvIntOrDefault("MIXPERM_REPLICATES", run.Replicates); err != nil {
		return err
	}
	seed, err := getEnvIntOrDefault("MIXPERM_SEED", int(run.Seed))
	if err != nil {
		return err
	}
	run.Seed = int64(seed)
	if run.Level, err = getEnvFloatOrDefault("MIXPERM_LEVEL", run.Level); err != nil {
		return err
	}
	run.Direction = getEnvOrDefault("MIXPERM_DIRECTION", run.Direction)
	run.MetricsAddr = getEnvOrDefault("MIXPERM_METRICS_ADDR", run.MetricsAddr)
	if run.Timeout, err = getEnvDurationOrDefault("MIXPERM_TIMEOUT", run.Timeout); err != nil {
		return err
	}

	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	return nil
}

// Validate checks ranges and that every method name parses.
func (c *Config) Validate() error {
	opts, err := c.Options()
	if err != nil {
		return err
	}
	if c.Resampling.Workers < 0 {
		return errors.ConfigInvalid("workers must not be negative")
	}
	if c.Resampling.DegenerateTolerance < 0 {
		return errors.ConfigInvalid("degenerate tolerance must not be negative")
	}
	if c.Fitter.MaxIter <= 0 {
		return errors.ConfigInvalid("max_iter must be positive")
	}
	if c.Fitter.Tolerance <= 0 {
		return errors.ConfigInvalid("tolerance must be positive")
	}
	if c.Run.Mode != "bootstrap" && c.Run.Mode != "permutation" {
		return errors.ConfigInvalid(fmt.Sprintf("mode %q is neither bootstrap nor permutation", c.Run.Mode))
	}
	if c.Run.Mode == "permutation" {
		if opts.ResidualMethod == lmm.ResidualBootstrap || opts.GroupMethod == lmm.GroupBootstrap {
			return errors.ConfigInvalid("permutation needs signflip or shuffle for residual and group methods")
		}
	}
	if c.Run.Replicates <= 0 {
		return errors.ConfigInvalid("replicates must be positive")
	}
	if !(c.Run.Level > 0 && c.Run.Level < 1) {
		return errors.ConfigInvalid(fmt.Sprintf("level %v outside (0, 1)", c.Run.Level))
	}
	if _, err := lmm.ParseDirection(c.Run.Direction); err != nil {
		return errors.ConfigInvalidf("direction", err)
	}
	return nil
}

// Options converts the resampling section to service options.
func (c *Config) Options() (app.Options, error) {
	r := c.Resampling
	opts := app.Options{
		UseParallel:         r.UseParallel,
		Workers:             r.Workers,
		ProgressReporting:   r.ProgressReporting,
		DegenerateTolerance: r.DegenerateTolerance,
	}
	var err error
	if opts.ResidualMethod, err = lmm.ParseResidualMethod(r.ResidualMethod); err != nil {
		return app.Options{}, errors.ConfigInvalidf("residual method", err)
	}
	if opts.GroupMethod, err = lmm.ParseGroupMethod(r.GroupMethod); err != nil {
		return app.Options{}, errors.ConfigInvalidf("group method", err)
	}
	if opts.BlupMethod, err = lmm.ParseBlupMethod(r.BlupMethod); err != nil {
		return app.Options{}, errors.ConfigInvalidf("blup method", err)
	}
	if opts.OLSMode, err = lmm.ParseOLSMode(r.OLSMode); err != nil {
		return app.Options{}, errors.ConfigInvalidf("OLS mode", err)
	}
	if opts.StreamMode, err = replicate.ParseStreamMode(r.StreamMode); err != nil {
		return app.Options{}, errors.ConfigInvalidf("stream mode", err)
	}
	return opts, nil
}

// Direction returns the parsed test direction.
func (c *Config) Direction() lmm.Direction {
	d, _ := lmm.ParseDirection(c.Run.Direction)
	return d
}

// Helper functions for environment variable parsing. Unlike plain
// defaults, a set but malformed value is an error.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.ConfigInvalidf(key, err)
	}
	return intValue, nil
}

func getEnvFloatOrDefault(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, errors.ConfigInvalidf(key, err)
	}
	return floatValue, nil
}

func getEnvBoolOrDefault(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.ConfigInvalidf(key, err)
	}
	return boolValue, nil
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.ConfigInvalidf(key, err)
	}
	return duration, nil
}
