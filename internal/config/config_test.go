package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBudgetFromEnvOrDefaultsAppliesEnvOverrides(t *testing.T) {
	os.Setenv("BACKPRESSURE_THRESHOLD", "0.9")
	os.Setenv("MAX_BACKPRESSURE_DELAY_MS", "120")
	defer func() {
		os.Unsetenv("BACKPRESSURE_THRESHOLD")
		os.Unsetenv("MAX_BACKPRESSURE_DELAY_MS")
	}()

	bc := BudgetFromEnvOrDefaults(nil)
	require.Equal(t, 0.9, bc.Backpressure.Threshold)
	require.Equal(t, 120, bc.Backpressure.MaxDelayMs)
	require.Equal(t, 5, bc.CircuitBreaker.FailureThreshold) // untouched default
}

func TestBudgetFromEnvOrDefaultsFallsBackToFileThenDefaults(t *testing.T) {
	f := &Features{}
	f.Budget.CircuitBreaker.FailureThreshold = 10
	bc := BudgetFromEnvOrDefaults(f)
	require.Equal(t, 10, bc.CircuitBreaker.FailureThreshold)
	require.Equal(t, 0.8, bc.Backpressure.Threshold) // default, not set in file or env
}

func TestHubFromEnvOrDefaultsUsesFileOverDefault(t *testing.T) {
	f := &Features{}
	f.Hub.MaxQueueSize = 50
	hc := HubFromEnvOrDefaults(f)
	require.Equal(t, 50, hc.MaxQueueSize)
	require.Equal(t, 100, hc.MaxConcurrentOperations) // default
}

func TestLockManagerFromEnvOrDefaults(t *testing.T) {
	lc := LockManagerFromEnvOrDefaults(nil)
	require.Equal(t, 30000, lc.DefaultTimeoutMs)
	require.Equal(t, 5000, lc.CleanupIntervalMs)
}

func TestParseBool(t *testing.T) {
	require.True(t, ParseBool("true"))
	require.True(t, ParseBool("1"))
	require.False(t, ParseBool("false"))
	require.False(t, ParseBool("garbage"))
}
