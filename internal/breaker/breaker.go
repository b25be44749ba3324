// ============================================================================
// 熔斷器 - 保護對不穩定外部依賴的呼叫
// ============================================================================
//
// Package: internal/breaker
//
// 狀態轉換:
//   CLOSED ──(滾動視窗內 transient 失敗數 >= FailureThreshold)──> OPEN
//   OPEN ──(經過 ResetTimeout)──> HALF_OPEN（只允許一個試探呼叫）
//   HALF_OPEN ──(試探成功)──> CLOSED，計數歸零
//   HALF_OPEN ──(試探失敗)──> OPEN，重新計時
//
// 失敗分類:
//   - transient（逾時、5xx、限流）計入熔斷器
//   - permanent（憑證錯誤、格式錯誤）不計入，直接回傳給呼叫端
//   - 呼叫端自行取消（context.Canceled）不計入
//
// 狀態只存在於本行程，不需要跨節點一致。
// ============================================================================

package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/itinerary-coord/internal/fault"
)

// State 熔斷器狀態
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is matched by every *OpenError.
var ErrOpen = errors.New("circuit breaker open")

// OpenError 熔斷器開啟時的快速失敗錯誤
type OpenError struct {
	Name    string
	RetryAt time.Time // 最早可能進入 HALF_OPEN 的時間
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// FaultClass marks breaker rejections as transient.
func (e *OpenError) FaultClass() fault.Class { return fault.ClassTransient }

// Config 單一依賴的熔斷參數
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RollingWindow    time.Duration `yaml:"rolling_window"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	PerCallTimeout   time.Duration `yaml:"per_call_timeout"`
	RateLimit        float64       `yaml:"rate_limit"` // 每秒請求數，0 表示不限流
	Burst            int           `yaml:"burst"`
}

// DefaultConfig is used for dependencies with no explicit entry.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RollingWindow:    time.Minute,
		ResetTimeout:     30 * time.Second,
		PerCallTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults(d Config) Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = d.RollingWindow
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.PerCallTimeout <= 0 {
		c.PerCallTimeout = d.PerCallTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = d.RateLimit
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	return c
}

// StateInfo 熔斷器狀態快照，供觀測與 CLI 使用
type StateInfo struct {
	Name         string        `json:"name"`
	State        string        `json:"state"`
	Failures     int           `json:"failures"`
	OpenedAt     time.Time     `json:"opened_at,omitempty"`
	ResetTimeout time.Duration `json:"reset_timeout"`
}

// Listener is notified after every state transition.
type Listener func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithListener registers a state transition callback.
func WithListener(l Listener) Option {
	return func(b *Breaker) { b.listeners = append(b.listeners, l) }
}

// Breaker 單一依賴的熔斷器
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	failures []time.Time // 滾動視窗內的 transient 失敗時間
	openedAt time.Time
	trial    bool // HALF_OPEN 試探呼叫進行中

	now       func() time.Time
	listeners []Listener
}

// New 建立熔斷器；cfg 的零值欄位使用 DefaultConfig
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg.withDefaults(DefaultConfig()),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// State returns the current state. OPEN only moves to HALF_OPEN on the next
// call, so reading never consumes the trial slot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Info returns a snapshot for observability.
func (b *Breaker) Info() StateInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return StateInfo{
		Name:         b.name,
		State:        b.state.String(),
		Failures:     len(b.failures),
		OpenedAt:     b.openedAt,
		ResetTimeout: b.cfg.ResetTimeout,
	}
}

// Execute runs fn under the breaker with the per-call timeout applied. An
// OPEN breaker returns *OpenError without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.PerCallTimeout)
	defer cancel()

	err = fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fault.Transient(fault.KindTimeout, err)
	}
	b.record(trial, err, ctx.Err() != nil)
	return err
}

func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		retryAt := b.openedAt.Add(b.cfg.ResetTimeout)
		if now.Before(retryAt) {
			return false, &OpenError{Name: b.name, RetryAt: retryAt}
		}
		b.transitionLocked(StateHalfOpen)
		b.trial = true
		return true, nil
	default: // HALF_OPEN
		if b.trial {
			return false, &OpenError{Name: b.name, RetryAt: now.Add(b.cfg.ResetTimeout)}
		}
		b.trial = true
		return true, nil
	}
}

func (b *Breaker) record(trial bool, err error, callerCanceled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	counts := err != nil && !callerCanceled && fault.ClassOf(err) == fault.ClassTransient

	if trial {
		b.trial = false
		switch {
		case err == nil:
			b.failures = nil
			b.transitionLocked(StateClosed)
		case counts:
			b.openedAt = now
			b.transitionLocked(StateOpen)
		}
		// 不計入的錯誤：維持 HALF_OPEN，下一個呼叫重新試探
		return
	}

	if b.state != StateClosed || !counts {
		return
	}
	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.failures = nil
		b.openedAt = now
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.RollingWindow)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	for _, l := range b.listeners {
		l(b.name, from, to)
	}
}
