package breaker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/itinerary-coord/internal/fault"
)

// Registry 依名稱管理每個外部依賴的熔斷器與限流器
type Registry struct {
	def  Config
	cfgs map[string]Config
	opts []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
	limiters map[string]*rate.Limiter
}

// NewRegistry builds a registry. Breakers are created lazily on first use;
// per-dependency entries inherit zero fields from def.
func NewRegistry(def Config, perDependency map[string]Config, opts ...Option) *Registry {
	def = def.withDefaults(DefaultConfig())
	cfgs := make(map[string]Config, len(perDependency))
	for name, c := range perDependency {
		cfgs[name] = c.withDefaults(def)
	}
	return &Registry{
		def:      def,
		cfgs:     cfgs,
		opts:     opts,
		breakers: make(map[string]*Breaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(name)
}

func (r *Registry) getLocked(name string) *Breaker {
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.cfgs[name]
	if !ok {
		cfg = r.def
	}
	b := New(name, cfg, r.opts...)
	r.breakers[name] = b
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiters[name] = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return b
}

// Call runs fn against the named dependency. A local rate-limit rejection is
// a transient rate_limited fault and does not touch the breaker.
func (r *Registry) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	b := r.getLocked(name)
	lim := r.limiters[name]
	r.mu.Unlock()

	if lim != nil && !lim.Allow() {
		return fault.Transient(fault.KindRateLimited, fmt.Errorf("local rate limit for %q", name))
	}
	return b.Execute(ctx, fn)
}

// States lists every breaker created so far, sorted by name.
func (r *Registry) States() []StateInfo {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]StateInfo, 0, len(list))
	for _, b := range list {
		out = append(out, b.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
