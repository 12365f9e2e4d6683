package resilience

import (
	"sync"
	"time"
)

// Well-known service names protected by the fabric.
const (
	ServiceModel     = "model"
	ServiceKV        = "kv"
	ServiceAnalytics = "analytics"
	ServiceTools     = "tools"
	ServiceEmbedding = "embedding"
)

// Registry holds the named breakers and per-service retry policies for one
// process. It is constructed once by the dispatcher wiring and passed down,
// so tests can substitute isolated instances.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	policies map[string]Policy
}

// RegistryConfig carries the per-service breaker settings derived from the
// application configuration.
type RegistryConfig struct {
	Default BreakerConfig
	// Analytics uses a higher failure threshold and longer recovery
	// timeout because its failures must never propagate.
	Analytics BreakerConfig
	Policy    Policy
}

// DefaultRegistryConfig returns the standard fabric configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Default: DefaultBreakerConfig(),
		Analytics: BreakerConfig{
			FailureThreshold: 10,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 2,
		},
		Policy: DefaultPolicy(),
	}
}

// NewRegistry builds breakers for every well-known service.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		policies: make(map[string]Policy),
	}
	for _, name := range []string{ServiceModel, ServiceKV, ServiceTools, ServiceEmbedding} {
		r.breakers[name] = NewBreaker(name, cfg.Default)
		r.policies[name] = cfg.Policy
	}
	r.breakers[ServiceAnalytics] = NewBreaker(ServiceAnalytics, cfg.Analytics)
	r.policies[ServiceAnalytics] = cfg.Policy
	return r
}

// Breaker returns the breaker for a named service, creating a default one
// for names registered after startup.
func (r *Registry) Breaker(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, DefaultBreakerConfig())
	r.breakers[name] = b
	return b
}

// Policy returns the retry policy for a named service.
func (r *Registry) Policy(name string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[name]; ok {
		return p
	}
	return DefaultPolicy()
}

// OnStateChange installs the observer hook on every breaker.
func (r *Registry) OnStateChange(fn func(name string, from, to State)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.OnStateChange(fn)
	}
}

// Stats returns per-service breaker snapshots.
func (r *Registry) Stats() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]any, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
