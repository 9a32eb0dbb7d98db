// Package ratecontrol paces outbound language-model requests against
// provider/tier RPM and TPM ceilings loaded from config/models.yaml.
package ratecontrol

import (
	"context"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	RateLimits struct {
		DefaultRPM    int `yaml:"default_rpm"`
		DefaultTPM    int `yaml:"default_tpm"`
		TierOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"tier_overrides"`
		ProviderOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit is a plain RPM/TPM ceiling, independent of any particular
// enforcement mechanism. budget.Manager.AllocateBudget takes one of these
// as a proportional-scaling ceiling without depending on the token-bucket
// machinery below.
type RateLimit struct {
	RPM int
	TPM int
}

var builtInProviderLimits = map[string]RateLimit{
	"openai":    {RPM: 30, TPM: 60000},
	"anthropic": {RPM: 20, TPM: 40000},
	"google":    {RPM: 40, TPM: 80000},
	"meta":      {RPM: 60, TPM: 120000},
	"mistral":   {RPM: 50, TPM: 100000},
	"cohere":    {RPM: 45, TPM: 90000},
	"unknown":   {RPM: 45, TPM: 90000},
}

// Limiter paces requests against configured RPM/TPM ceilings. It holds one
// golang.org/x/time/rate token bucket pair (requests, tokens) per
// provider/tier combination it has seen, so pacing reflects actually
// consumed allowance rather than a stateless recomputation per call. A
// Limiter is constructed explicitly by its caller (internal/hub, in this
// repo) and carries no package-level state, unlike the single global
// config this package shed in favor of dependency injection.
type Limiter struct {
	mu       sync.RWMutex
	cfg      fileConfig
	buckets  map[string]*bucketPair
	configMu sync.Mutex
	paths    []string
}

type bucketPair struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// New constructs a Limiter, loading its RPM/TPM configuration from the
// first readable path in searchPaths (falling back to a short upward walk
// from the working directory for config/models.yaml, matching the
// teacher's deployment layout). A nil/empty searchPaths uses
// MODELS_CONFIG_PATH and the conventional deployment locations.
func New(searchPaths []string) *Limiter {
	if len(searchPaths) == 0 {
		searchPaths = []string{
			os.Getenv("MODELS_CONFIG_PATH"),
			"/app/config/models.yaml",
			"./config/models.yaml",
			"../../config/models.yaml",
			"../../../config/models.yaml",
		}
	}
	l := &Limiter{
		buckets: make(map[string]*bucketPair),
		paths:   searchPaths,
	}
	l.cfg = loadConfig(searchPaths)
	return l
}

func loadConfig(paths []string) fileConfig {
	var cfg fileConfig
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp fileConfig
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("ratecontrol: failed to unmarshal rate limit config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		log.Printf("ratecontrol: loaded rate limit configuration from %s", p)
		return cfg
	}
	if cfg.RateLimits.DefaultRPM == 0 && cfg.RateLimits.DefaultTPM == 0 && len(cfg.RateLimits.TierOverrides) == 0 && len(cfg.RateLimits.ProviderOverrides) == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp fileConfig
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
					log.Printf("ratecontrol: loaded rate limit configuration from %s", path)
				}
			}
		}
	}
	return cfg
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// Reload re-reads configuration from the Limiter's configured search
// paths. Existing token buckets keep their accumulated state; only future
// LimitForTier/LimitForProvider lookups see the new ceilings.
func (l *Limiter) Reload() {
	l.configMu.Lock()
	defer l.configMu.Unlock()
	cfg := loadConfig(l.paths)
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// LimitForTier returns the configured RPM/TPM ceiling for tier, falling
// back to the default ceiling when no override exists.
func (l *Limiter) LimitForTier(tier string) RateLimit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.cfg.RateLimits.TierOverrides != nil {
		if override, ok := l.cfg.RateLimits.TierOverrides[strings.ToLower(strings.TrimSpace(tier))]; ok {
			return RateLimit{RPM: override.RPM, TPM: override.TPM}
		}
	}
	return RateLimit{RPM: l.cfg.RateLimits.DefaultRPM, TPM: l.cfg.RateLimits.DefaultTPM}
}

// LimitForProvider returns the configured RPM/TPM ceiling for provider,
// falling back to a built-in estimate for known providers.
func (l *Limiter) LimitForProvider(provider string) RateLimit {
	l.mu.RLock()
	overrides := l.cfg.RateLimits.ProviderOverrides
	l.mu.RUnlock()
	if overrides != nil {
		if override, ok := overrides[strings.ToLower(strings.TrimSpace(provider))]; ok {
			return RateLimit{RPM: override.RPM, TPM: override.TPM}
		}
	}
	if limit, ok := builtInProviderLimits[strings.ToLower(strings.TrimSpace(provider))]; ok {
		return limit
	}
	return RateLimit{}
}

// CombineLimits returns the tighter of two ceilings per dimension, falling
// back to whichever side actually specifies a value when the other is
// unset.
func CombineLimits(a, b RateLimit) RateLimit {
	limit := RateLimit{}
	limit.RPM = minPositive(a.RPM, b.RPM)
	limit.TPM = minPositive(a.TPM, b.TPM)
	if limit.RPM == 0 {
		limit.RPM = max(a.RPM, b.RPM)
	}
	if limit.TPM == 0 {
		limit.TPM = max(a.TPM, b.TPM)
	}
	return limit
}

// DelayForRequest reserves estimatedTokens against the provider/tier's
// token bucket (creating it on first use) and returns how long the caller
// must wait before the reservation becomes valid. Unlike a stateless
// formula, repeated calls against the same provider/tier drain a real
// bucket, so bursts are paced against actually-consumed allowance rather
// than recomputed from scratch each time.
func (l *Limiter) DelayForRequest(ctx context.Context, provider, tier string, estimatedTokens int) time.Duration {
	tierLimit := l.LimitForTier(tier)
	providerLimit := l.LimitForProvider(provider)
	combined := CombineLimits(tierLimit, providerLimit)
	if combined.RPM <= 0 && combined.TPM <= 0 {
		return 0
	}
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}

	key := strings.ToLower(strings.TrimSpace(provider)) + "|" + strings.ToLower(strings.TrimSpace(tier))
	bp := l.bucketFor(key, combined)

	now := time.Now()
	reqRes := bp.requests.ReserveN(now, 1)
	if !reqRes.OK() {
		return delayForLimit(combined, estimatedTokens)
	}

	tokensNeeded := estimatedTokens
	if tokensNeeded < 1 {
		tokensNeeded = 1
	}
	tokRes := bp.tokens.ReserveN(now, tokensNeeded)
	if !tokRes.OK() {
		reqRes.Cancel()
		return delayForLimit(combined, estimatedTokens)
	}

	delay := reqRes.DelayFrom(now)
	if tokDelay := tokRes.DelayFrom(now); tokDelay > delay {
		delay = tokDelay
	}
	return delay
}

func (l *Limiter) bucketFor(key string, limit RateLimit) *bucketPair {
	l.mu.RLock()
	bp, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return bp
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if bp, ok := l.buckets[key]; ok {
		return bp
	}

	rpmBurst := limit.RPM
	if rpmBurst < 1 {
		rpmBurst = 1
	}
	tpmBurst := limit.TPM
	if tpmBurst < 1 {
		tpmBurst = 1
	}
	bp = &bucketPair{
		requests: rate.NewLimiter(ratePerSecond(limit.RPM), rpmBurst),
		tokens:   rate.NewLimiter(ratePerSecond(limit.TPM), tpmBurst),
	}
	l.buckets[key] = bp
	return bp
}

func ratePerSecond(perMinute int) rate.Limit {
	if perMinute <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(perMinute) / 60.0)
}

// delayForLimit is the stateless fallback used when a reservation can
// never be satisfied by the configured burst (e.g. a single request asks
// for more tokens than the per-minute ceiling allows outright).
func delayForLimit(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = math.Max(delayMs, 60000.0/float64(limit.RPM))
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		if a < b {
			return a
		}
		return b
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
