package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ObservabilityConfig struct {
	Metrics struct {
		Enabled  bool   `mapstructure:"enabled"`
		Provider string `mapstructure:"provider"`
		Port     int    `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Tracing struct {
		Enabled      bool   `mapstructure:"enabled"`
		ServiceName  string `mapstructure:"service_name"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	} `mapstructure:"tracing"`
}

// BudgetConfig captures Budget Manager knobs loaded from config or env.
type BudgetConfig struct {
	Backpressure struct {
		Threshold  float64 `mapstructure:"threshold"`
		MaxDelayMs int     `mapstructure:"max_delay_ms"`
	} `mapstructure:"backpressure"`
	CircuitBreaker struct {
		FailureThreshold int `mapstructure:"failure_threshold"`
		ResetTimeoutMs   int `mapstructure:"reset_timeout_ms"`
		HalfOpenRequests int `mapstructure:"half_open_requests"`
	} `mapstructure:"circuit_breaker"`
	RateLimit struct {
		Requests   int `mapstructure:"requests"`
		IntervalMs int `mapstructure:"interval_ms"`
	} `mapstructure:"rate_limit"`
}

// HubConfig captures Communication Hub knobs.
type HubConfig struct {
	MaxConcurrentOperations int `mapstructure:"max_concurrent_operations"`
	MessageTimeoutMs        int `mapstructure:"message_timeout_ms"`
	RetryAttempts           int `mapstructure:"retry_attempts"`
	MaxQueueSize            int `mapstructure:"max_queue_size"`
}

// LockManagerConfig captures Distributed Lock Manager knobs.
type LockManagerConfig struct {
	DefaultTimeoutMs  int `mapstructure:"default_timeout_ms"`
	CleanupIntervalMs int `mapstructure:"cleanup_interval_ms"`
}

// CircuitBreakerConfig holds the top-level circuit_breaker section of
// features.yaml. Nothing in this module reads it: the collaborator wrappers
// (Redis, database, gRPC, HTTP) take their settings from circuitbreaker's
// env-driven getters, and the budget breaker from BudgetConfig.
type CircuitBreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	ResetTimeoutMs   int `mapstructure:"reset_timeout_ms"`
	SuccessThreshold int `mapstructure:"success_threshold"`
}

// ExecutorConfig captures Task Executor knobs.
type ExecutorConfig struct {
	CheckpointTimeoutMs int `mapstructure:"checkpoint_timeout_ms"`
}

// Features is the top-level config/features.yaml document.
type Features struct {
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	Budget         BudgetConfig         `mapstructure:"budget"`
	Hub            HubConfig            `mapstructure:"hub"`
	LockManager    LockManagerConfig    `mapstructure:"lock_manager"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Executor       ExecutorConfig       `mapstructure:"executor"`
}

// Load loads features.yaml from CONFIG_PATH or /app/config/features.yaml
func Load() (*Features, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("/app/config/features.yaml"); err == nil {
			cfgPath = "/app/config/features.yaml"
		} else {
			cfgPath = "config/features.yaml"
		}
	}

	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, "features.yaml")
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
	}
	var f Features
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &f, nil
}

// MetricsPort returns port from config or an env override METRICS_PORT, falling back to defaultPort
func MetricsPort(defaultPort int) int {
	if p := os.Getenv("METRICS_PORT"); p != "" {
		var v int
		_, _ = fmt.Sscanf(p, "%d", &v)
		if v > 0 {
			return v
		}
	}
	if f, err := Load(); err == nil {
		if f.Observability.Metrics.Port > 0 {
			return f.Observability.Metrics.Port
		}
	}
	return defaultPort
}

// BudgetFromEnvOrDefaults returns merged budget config using env overrides first, then config file, with sensible defaults.
func BudgetFromEnvOrDefaults(f *Features) BudgetConfig {
	bc := BudgetConfig{}
	bc.Backpressure.Threshold = 0.8
	bc.Backpressure.MaxDelayMs = 5000
	bc.CircuitBreaker.FailureThreshold = 5
	bc.CircuitBreaker.ResetTimeoutMs = 60000
	bc.CircuitBreaker.HalfOpenRequests = 1
	// rate-limit defaults disabled (0)

	if f != nil {
		if f.Budget.Backpressure.Threshold > 0 {
			bc.Backpressure.Threshold = f.Budget.Backpressure.Threshold
		}
		if f.Budget.Backpressure.MaxDelayMs > 0 {
			bc.Backpressure.MaxDelayMs = f.Budget.Backpressure.MaxDelayMs
		}
		if f.Budget.CircuitBreaker.FailureThreshold > 0 {
			bc.CircuitBreaker.FailureThreshold = f.Budget.CircuitBreaker.FailureThreshold
		}
		if f.Budget.CircuitBreaker.ResetTimeoutMs > 0 {
			bc.CircuitBreaker.ResetTimeoutMs = f.Budget.CircuitBreaker.ResetTimeoutMs
		}
		if f.Budget.CircuitBreaker.HalfOpenRequests > 0 {
			bc.CircuitBreaker.HalfOpenRequests = f.Budget.CircuitBreaker.HalfOpenRequests
		}
		if f.Budget.RateLimit.Requests > 0 {
			bc.RateLimit.Requests = f.Budget.RateLimit.Requests
		}
		if f.Budget.RateLimit.IntervalMs > 0 {
			bc.RateLimit.IntervalMs = f.Budget.RateLimit.IntervalMs
		}
	}

	if v := os.Getenv("BACKPRESSURE_THRESHOLD"); v != "" {
		var x float64
		_, _ = fmt.Sscanf(v, "%f", &x)
		if x > 0 {
			bc.Backpressure.Threshold = x
		}
	}
	if v := os.Getenv("MAX_BACKPRESSURE_DELAY_MS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			bc.Backpressure.MaxDelayMs = x
		}
	}
	if v := os.Getenv("CIRCUIT_FAILURE_THRESHOLD"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			bc.CircuitBreaker.FailureThreshold = x
		}
	}
	if v := os.Getenv("CIRCUIT_RESET_TIMEOUT_MS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			bc.CircuitBreaker.ResetTimeoutMs = x
		}
	}
	if v := os.Getenv("CIRCUIT_HALF_OPEN_REQUESTS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			bc.CircuitBreaker.HalfOpenRequests = x
		}
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			bc.RateLimit.Requests = x
		}
	}
	if v := os.Getenv("RATE_LIMIT_INTERVAL_MS"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			bc.RateLimit.IntervalMs = x
		}
	}

	return bc
}

// HubFromEnvOrDefaults merges config-file Hub settings with sensible
// defaults; spec.md §4.6 names these four knobs explicitly.
func HubFromEnvOrDefaults(f *Features) HubConfig {
	hc := HubConfig{
		MaxConcurrentOperations: 100,
		MessageTimeoutMs:        30000,
		RetryAttempts:           3,
		MaxQueueSize:            1000,
	}
	if f != nil {
		if f.Hub.MaxConcurrentOperations > 0 {
			hc.MaxConcurrentOperations = f.Hub.MaxConcurrentOperations
		}
		if f.Hub.MessageTimeoutMs > 0 {
			hc.MessageTimeoutMs = f.Hub.MessageTimeoutMs
		}
		if f.Hub.RetryAttempts > 0 {
			hc.RetryAttempts = f.Hub.RetryAttempts
		}
		if f.Hub.MaxQueueSize > 0 {
			hc.MaxQueueSize = f.Hub.MaxQueueSize
		}
	}
	return hc
}

// LockManagerFromEnvOrDefaults merges config-file Lock Manager settings
// with sensible defaults.
func LockManagerFromEnvOrDefaults(f *Features) LockManagerConfig {
	lc := LockManagerConfig{
		DefaultTimeoutMs:  30000,
		CleanupIntervalMs: 5000,
	}
	if f != nil {
		if f.LockManager.DefaultTimeoutMs > 0 {
			lc.DefaultTimeoutMs = f.LockManager.DefaultTimeoutMs
		}
		if f.LockManager.CleanupIntervalMs > 0 {
			lc.CleanupIntervalMs = f.LockManager.CleanupIntervalMs
		}
	}
	return lc
}

// ExecutorFromEnvOrDefaults merges config-file Task Executor settings
// with sensible defaults.
func ExecutorFromEnvOrDefaults(f *Features) ExecutorConfig {
	ec := ExecutorConfig{CheckpointTimeoutMs: 10000}
	if f != nil && f.Executor.CheckpointTimeoutMs > 0 {
		ec.CheckpointTimeoutMs = f.Executor.CheckpointTimeoutMs
	}
	return ec
}

// DurationMs converts a millisecond count from config into a time.Duration.
func DurationMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ParseBool converts common string representations to bool.
func ParseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n != 0
		}
	}
	return false
}
