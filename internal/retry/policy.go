// Package retry decides whether and when a failed task runs again.
package retry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ChuLiYu/itinerary-coord/internal/fault"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// Config is the per-kind retry tuple.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
}

// DefaultConfig is used for kinds with no explicit entry.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		ClaimTimeout: 30 * time.Second,
	}
}

// withDefaults fills zero fields from d.
func (c Config) withDefaults(d Config) Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = d.ClaimTimeout
	}
	return c
}

// Decision is the outcome of evaluating a failed attempt.
type Decision struct {
	Status        types.TaskStatus // PENDING, DEAD or FAILED
	NextAttemptAt time.Time        // set when Status is PENDING
	Delay         time.Duration
	Reason        string
}

// Jitter returns a random duration in [0, max].
type Jitter func(max time.Duration) time.Duration

// Policy 重試策略，依 kind 查表；未設定的 kind 使用預設值
type Policy struct {
	def   Config
	kinds map[types.TaskKind]Config

	mu     sync.Mutex
	jitter Jitter
}

// Option configures a Policy.
type Option func(*Policy)

// WithJitter replaces the random jitter source, mainly for tests.
func WithJitter(j Jitter) Option {
	return func(p *Policy) { p.jitter = j }
}

// NewPolicy builds a policy. Zero fields in def fall back to DefaultConfig and
// zero fields in a per-kind entry fall back to def.
func NewPolicy(def Config, perKind map[types.TaskKind]Config, opts ...Option) *Policy {
	def = def.withDefaults(DefaultConfig())
	p := &Policy{
		def:    def,
		kinds:  make(map[types.TaskKind]Config, len(perKind)),
		jitter: uniformJitter,
	}
	for k, c := range perKind {
		p.kinds[k] = c.withDefaults(def)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// ConfigFor returns the effective configuration for kind.
func (p *Policy) ConfigFor(kind types.TaskKind) Config {
	if c, ok := p.kinds[kind]; ok {
		return c
	}
	return p.def
}

// ClaimTimeout is the claim TTL for kind.
func (p *Policy) ClaimTimeout(kind types.TaskKind) time.Duration {
	return p.ConfigFor(kind).ClaimTimeout
}

// ShouldRetry reports whether a task that has made attemptCount attempts and
// just failed with err may run again.
func (p *Policy) ShouldRetry(kind types.TaskKind, attemptCount int, err error) bool {
	if !fault.IsRetryable(err) {
		return false
	}
	return attemptCount < p.ConfigFor(kind).MaxAttempts
}

// BaseDelay is the un-jittered backoff after the attemptCount-th failure:
// min(maxDelay, base × multiplier^(attemptCount-1)).
func (p *Policy) BaseDelay(kind types.TaskKind, attemptCount int) time.Duration {
	c := p.ConfigFor(kind)
	if attemptCount < 1 {
		attemptCount = 1
	}
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attemptCount-1))
	if d > float64(c.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// NextDelay is BaseDelay plus jitter drawn from [0, 0.1 × delay].
func (p *Policy) NextDelay(kind types.TaskKind, attemptCount int) time.Duration {
	d := p.BaseDelay(kind, attemptCount)
	p.mu.Lock()
	j := p.jitter(d / 10)
	p.mu.Unlock()
	return d + j
}

// Decide evaluates a failed attempt. attemptCount includes the attempt that
// just failed.
func (p *Policy) Decide(kind types.TaskKind, attemptCount int, err error, now time.Time) Decision {
	switch fault.ClassOf(err) {
	case fault.ClassPermanent:
		return Decision{Status: types.StatusDead, Reason: "permanent error"}
	case fault.ClassProtocol:
		return Decision{Status: types.StatusFailed, Reason: "protocol error"}
	case fault.ClassConflict:
		return Decision{Status: types.StatusFailed, Reason: "unresolved conflict"}
	}
	if !p.ShouldRetry(kind, attemptCount, err) {
		return Decision{Status: types.StatusDead, Reason: "retries exhausted"}
	}
	delay := p.NextDelay(kind, attemptCount)
	return Decision{
		Status:        types.StatusPending,
		NextAttemptAt: now.Add(delay),
		Delay:         delay,
		Reason:        "retry scheduled",
	}
}
