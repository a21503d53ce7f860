package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return DefaultConfig()
}

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidate_ParallelBoundaries(t *testing.T) {
	for _, tc := range []struct {
		parallel int
		ok       bool
	}{
		{1, true},
		{50, true},
		{0, false},
		{51, false},
	} {
		cfg := validConfig()
		cfg.Executor.Parallel = tc.parallel
		err := cfg.Validate()
		if tc.ok {
			assert.NoError(t, err, "parallel=%d", tc.parallel)
		} else {
			assert.ErrorIs(t, err, ErrInvalidValue, "parallel=%d", tc.parallel)
		}
	}
}

func TestValidate_PollIntervalBoundaries(t *testing.T) {
	for _, tc := range []struct {
		interval float64
		ok       bool
	}{
		{0.5, true},
		{60, true},
		{0.4, false},
		{61, false},
	} {
		cfg := validConfig()
		cfg.Executor.PollIntervalMinutes = tc.interval
		err := cfg.Validate()
		if tc.ok {
			assert.NoError(t, err, "poll_interval=%g", tc.interval)
		} else {
			assert.ErrorIs(t, err, ErrInvalidValue, "poll_interval=%g", tc.interval)
		}
	}
}

func TestValidate_ZeroTimeoutDisables(t *testing.T) {
	cfg := validConfig()
	cfg.Executor.TimeoutMinutes = 0
	cfg.Executor.InactivityTimeoutMinutes = 0
	assert.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.Executor.Timeout())
}

func TestValidate_TimeoutBoundaries(t *testing.T) {
	cfg := validConfig()
	cfg.Executor.TimeoutMinutes = 481
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidValue)

	cfg = validConfig()
	cfg.Executor.InactivityTimeoutMinutes = 121
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidValue)
}

func TestValidate_RetryBoundaries(t *testing.T) {
	cfg := validConfig()
	cfg.Executor.MaxRetries = 0
	cfg.Executor.MaxFixerAttempts = 20
	assert.NoError(t, cfg.Validate())

	cfg.Executor.MaxRetries = 21
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidValue)
}

func TestValidate_StringRejectsNewline(t *testing.T) {
	cfg := validConfig()
	cfg.Executor.Model = "claude\nsonnet"
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "executor", verr.Section)
	assert.Equal(t, "model", verr.Field)
}

func TestValidate_StringRejectsOverlong(t *testing.T) {
	cfg := validConfig()
	cfg.Linear.Team = strings.Repeat("a", 201)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidValue)

	cfg.Linear.Team = strings.Repeat("a", 200)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_LabelEntriesChecked(t *testing.T) {
	cfg := validConfig()
	cfg.Linear.Labels = []string{"ok", "bad\nlabel"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidValue)
}

func TestValidate_BudgetBoundaries(t *testing.T) {
	cfg := validConfig()
	cfg.Budget.WarnAtPercent = 100
	assert.NoError(t, cfg.Validate())

	cfg.Budget.WarnAtPercent = 101
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidValue)

	cfg = validConfig()
	cfg.Budget.DailyLimitUSD = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidValue)
}

func TestValidate_MissingStateName(t *testing.T) {
	cfg := validConfig()
	cfg.Linear.States.Ready = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingRequiredField)
}

func TestValidate_RepoShape(t *testing.T) {
	cfg := validConfig()
	cfg.GitHub.Repo = "acme/widgets"
	assert.NoError(t, cfg.Validate())

	cfg.GitHub.Repo = "not-a-repo"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidValue)
}

func TestValidate_CollectsMultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Executor.Parallel = 0
	cfg.Budget.WarnAtPercent = 200
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parallel")
	assert.Contains(t, err.Error(), "warn_at_percent")
}
