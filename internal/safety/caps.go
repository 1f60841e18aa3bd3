// Package safety implements the global admission caps and clamps from
// spec.md §4.J: per-process resource limits overridable via env vars, body
// size/rate-limit/API-key admission checks, and retry/timeout clamping
// applied to a block definition before it's scheduled.
package safety

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/flowforge/dagrunner/internal/blockdag"
)

// Caps holds the global safety limits from spec.md §4.J. All durations are
// stored as time.Duration even though the spec names them in milliseconds,
// since that's what every caller (dagexec.Config, httpapi middleware,
// runqueue.Pump) actually wants.
type Caps struct {
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs"`
	MaxRunDuration    time.Duration `mapstructure:"max_run_duration"`
	MaxBlockDuration  time.Duration `mapstructure:"max_block_duration"`
	MaxRetriesCap     int           `mapstructure:"max_retries_cap"`
	StallTimeout      time.Duration `mapstructure:"stall_timeout"`
	OrphanTimeout     time.Duration `mapstructure:"orphan_timeout"`
	QueueLease        time.Duration `mapstructure:"queue_lease"`
	MaxTokensPerRun   int           `mapstructure:"max_tokens_per_run"`
	MaxTokensPerBlock int           `mapstructure:"max_tokens_per_block"`
	MaxRequestBytes   int64         `mapstructure:"max_request_bytes"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMax      int           `mapstructure:"rate_limit_max"`
	APIKey            string        `mapstructure:"api_key"`
}

// MarshalJSON renders durations in milliseconds, matching the field names
// spec.md §4.J uses (maxRunDurationMs, stallTimeoutMs, ...) for the
// GET /api/dag/safety response.
func (c Caps) MarshalJSON() ([]byte, error) {
	type dto struct {
		MaxConcurrentRuns  int   `json:"max_concurrent_runs"`
		MaxRunDurationMs   int64 `json:"max_run_duration_ms"`
		MaxBlockDurationMs int64 `json:"max_block_duration_ms"`
		MaxRetriesCap      int   `json:"max_retries_cap"`
		StallTimeoutMs     int64 `json:"stall_timeout_ms"`
		OrphanTimeoutMs    int64 `json:"orphan_timeout_ms"`
		QueueLeaseMs       int64 `json:"queue_lease_ms"`
		MaxTokensPerRun    int   `json:"max_tokens_per_run"`
		MaxTokensPerBlock  int   `json:"max_tokens_per_block"`
		MaxRequestBytes    int64 `json:"max_request_bytes"`
		RateLimitWindowMs  int64 `json:"rate_limit_window_ms"`
		RateLimitMax       int   `json:"rate_limit_max"`
		APIKeyConfigured   bool  `json:"api_key_configured"`
	}
	return json.Marshal(dto{
		MaxConcurrentRuns:  c.MaxConcurrentRuns,
		MaxRunDurationMs:   c.MaxRunDuration.Milliseconds(),
		MaxBlockDurationMs: c.MaxBlockDuration.Milliseconds(),
		MaxRetriesCap:      c.MaxRetriesCap,
		StallTimeoutMs:     c.StallTimeout.Milliseconds(),
		OrphanTimeoutMs:    c.OrphanTimeout.Milliseconds(),
		QueueLeaseMs:       c.QueueLease.Milliseconds(),
		MaxTokensPerRun:    c.MaxTokensPerRun,
		MaxTokensPerBlock:  c.MaxTokensPerBlock,
		MaxRequestBytes:    c.MaxRequestBytes,
		RateLimitWindowMs:  c.RateLimitWindow.Milliseconds(),
		RateLimitMax:       c.RateLimitMax,
		APIKeyConfigured:   c.APIKey != "",
	})
}

// Default returns the caps' default values (spec.md §4.J).
func Default() Caps {
	return Caps{
		MaxConcurrentRuns: 2,
		MaxRunDuration:    30 * time.Minute,
		MaxBlockDuration:  10 * time.Minute,
		MaxRetriesCap:     2,
		StallTimeout:      5 * time.Minute,
		OrphanTimeout:     2 * time.Minute,
		QueueLease:        30 * time.Second,
		MaxRequestBytes:   512 * 1024,
		RateLimitWindow:   60 * time.Second,
		RateLimitMax:      120,
	}
}

// envSpec names the env var and the field setter for FromEnv, so adding a
// new overridable cap is one line instead of a repeated if/parse block.
type envSpec struct {
	name string
	set  func(*Caps, string)
}

var envSpecs = []envSpec{
	{"MAX_CONCURRENT_RUNS", func(c *Caps, v string) { c.MaxConcurrentRuns = atoiOr(v, c.MaxConcurrentRuns) }},
	{"MAX_RUN_DURATION_MS", func(c *Caps, v string) { c.MaxRunDuration = msOr(v, c.MaxRunDuration) }},
	{"MAX_BLOCK_DURATION_MS", func(c *Caps, v string) { c.MaxBlockDuration = msOr(v, c.MaxBlockDuration) }},
	{"MAX_RETRIES_CAP", func(c *Caps, v string) { c.MaxRetriesCap = atoiOr(v, c.MaxRetriesCap) }},
	{"STALL_TIMEOUT_MS", func(c *Caps, v string) { c.StallTimeout = msOr(v, c.StallTimeout) }},
	{"ORPHAN_TIMEOUT_MS", func(c *Caps, v string) { c.OrphanTimeout = msOr(v, c.OrphanTimeout) }},
	{"QUEUE_LEASE_MS", func(c *Caps, v string) { c.QueueLease = msOr(v, c.QueueLease) }},
	{"MAX_TOKENS_PER_RUN", func(c *Caps, v string) { c.MaxTokensPerRun = atoiOr(v, c.MaxTokensPerRun) }},
	{"MAX_TOKENS_PER_BLOCK", func(c *Caps, v string) { c.MaxTokensPerBlock = atoiOr(v, c.MaxTokensPerBlock) }},
	{"MAX_REQUEST_BYTES", func(c *Caps, v string) { c.MaxRequestBytes = int64(atoiOr(v, int(c.MaxRequestBytes))) }},
	{"RATE_LIMIT_WINDOW_MS", func(c *Caps, v string) { c.RateLimitWindow = msOr(v, c.RateLimitWindow) }},
	{"RATE_LIMIT_MAX", func(c *Caps, v string) { c.RateLimitMax = atoiOr(v, c.RateLimitMax) }},
	{"API_KEY", func(c *Caps, v string) { c.APIKey = v }},
}

const envPrefix = "DAGRUNNER_"

// FromEnv applies process-env overrides (each prefixed DAGRUNNER_, per
// spec.md §4.J "all overridable via process env") on top of base.
func FromEnv(base Caps, getenv func(string) string) Caps {
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, spec := range envSpecs {
		if v := getenv(envPrefix + spec.name); v != "" {
			spec.set(&base, v)
		}
	}
	return base
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func msOr(s string, fallback time.Duration) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

// ClampRetry caps a block's retry.max_attempts at maxRetriesCap, per
// spec.md §4.J's start-request admission clamp.
func (c Caps) ClampRetry(policy blockdag.RetryPolicy) blockdag.RetryPolicy {
	if c.MaxRetriesCap > 0 && policy.MaxAttempts > c.MaxRetriesCap {
		policy.MaxAttempts = c.MaxRetriesCap
	}
	return policy
}

// ClampTimeoutMS caps a block's timeout_ms at maxBlockDurationMs.
func (c Caps) ClampTimeoutMS(timeoutMS int) int {
	capMS := int(c.MaxBlockDuration / time.Millisecond)
	if capMS > 0 && (timeoutMS <= 0 || timeoutMS > capMS) {
		return capMS
	}
	return timeoutMS
}

// ClampDAG returns a copy of dag with every block's retry/timeout clamped to
// these caps, applied once at admission time (spec.md §4.J).
func ClampDAG(dag blockdag.DAGDef, caps Caps) blockdag.DAGDef {
	out := dag
	out.Blocks = make([]blockdag.BlockDef, len(dag.Blocks))
	for i, b := range dag.Blocks {
		b.Retry = caps.ClampRetry(b.Retry)
		b.TimeoutMS = caps.ClampTimeoutMS(b.TimeoutMS)
		out.Blocks[i] = b
	}
	return out
}
