package llm

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/harun/deskflow/internal/observability"
)

// HealthState is the coarse condition of a provider.
type HealthState string

const (
	StateUnknown     HealthState = "unknown"
	StateHealthy     HealthState = "healthy"
	StateDegraded    HealthState = "degraded"
	StateRateLimited HealthState = "rate_limited"
	StateUnhealthy   HealthState = "unhealthy"
)

// ProviderHealth is the tracked state of one provider.
type ProviderHealth struct {
	Name                 string      `json:"name"`
	State                HealthState `json:"state"`
	ConsecutiveFailures  int         `json:"consecutive_failures"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	TotalRequests        int64       `json:"total_requests"`
	TotalFailures        int64       `json:"total_failures"`
	LastError            string      `json:"last_error,omitempty"`
	CooldownUntil        time.Time   `json:"cooldown_until,omitempty"`
}

// HealthConfig tunes the HealthMonitor.
type HealthConfig struct {
	FailureThreshold  int
	RecoveryThreshold int
	BaseCooldown      time.Duration
	MaxCooldown       time.Duration
}

// DefaultHealthConfig returns the standard thresholds.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		BaseCooldown:      30 * time.Second,
		MaxCooldown:       300 * time.Second,
	}
}

// HealthMonitor tracks provider failures to bias the failover order.
// A provider in cooldown is tried last, never skipped.
type HealthMonitor struct {
	mu        sync.Mutex
	cfg       HealthConfig
	providers map[string]*ProviderHealth
	now       func() time.Time
}

// NewHealthMonitor creates a monitor. Zero config fields take defaults.
func NewHealthMonitor(cfg HealthConfig) *HealthMonitor {
	def := DefaultHealthConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = def.RecoveryThreshold
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = def.BaseCooldown
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = def.MaxCooldown
	}
	return &HealthMonitor{
		cfg:       cfg,
		providers: make(map[string]*ProviderHealth),
		now:       time.Now,
	}
}

func (h *HealthMonitor) get(name string) *ProviderHealth {
	ph, ok := h.providers[name]
	if !ok {
		ph = &ProviderHealth{Name: name, State: StateUnknown}
		h.providers[name] = ph
	}
	return ph
}

// RecordSuccess registers a successful call.
func (h *HealthMonitor) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.get(name)
	ph.TotalRequests++
	ph.ConsecutiveFailures = 0
	ph.ConsecutiveSuccesses++

	switch ph.State {
	case StateUnknown, StateHealthy:
		ph.State = StateHealthy
	default:
		if ph.ConsecutiveSuccesses >= h.cfg.RecoveryThreshold {
			ph.State = StateHealthy
			ph.CooldownUntil = time.Time{}
			ph.LastError = ""
			observability.SetProviderCooldown(name, false)
		}
	}
}

// RecordFailure registers a failed call. A rate limit starts a cooldown at
// once; a non-transient failure counts as reaching the failure threshold.
func (h *HealthMonitor) RecordFailure(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.get(name)
	ph.TotalRequests++
	ph.TotalFailures++
	ph.ConsecutiveSuccesses = 0
	ph.ConsecutiveFailures++
	if err != nil {
		ph.LastError = err.Error()
	}

	var pe *ProviderError
	hard := errors.As(err, &pe) && !pe.Transient
	if hard && ph.ConsecutiveFailures < h.cfg.FailureThreshold {
		ph.ConsecutiveFailures = h.cfg.FailureThreshold
	}

	now := h.now()
	switch {
	case errors.Is(err, ErrRateLimited):
		ph.State = StateRateLimited
		ph.CooldownUntil = now.Add(h.cooldown(ph.ConsecutiveFailures))
		observability.SetProviderCooldown(name, true)
	case ph.ConsecutiveFailures >= h.cfg.FailureThreshold:
		ph.State = StateUnhealthy
		ph.CooldownUntil = now.Add(h.cooldown(ph.ConsecutiveFailures))
		observability.SetProviderCooldown(name, true)
	default:
		ph.State = StateDegraded
	}
}

// cooldown is base × 2^(failures−threshold), capped.
func (h *HealthMonitor) cooldown(failures int) time.Duration {
	exp := failures - h.cfg.FailureThreshold
	if exp < 0 {
		exp = 0
	}
	d := h.cfg.BaseCooldown
	for i := 0; i < exp; i++ {
		d *= 2
		if d >= h.cfg.MaxCooldown {
			return h.cfg.MaxCooldown
		}
	}
	if d > h.cfg.MaxCooldown {
		return h.cfg.MaxCooldown
	}
	return d
}

// InCooldown reports whether the provider should be tried last.
func (h *HealthMonitor) InCooldown(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ph, ok := h.providers[name]
	return ok && h.now().Before(ph.CooldownUntil)
}

// Order returns names with providers in cooldown moved to the end. Relative
// order is otherwise preserved.
func (h *HealthMonitor) Order(names []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	out := append([]string(nil), names...)
	cooling := func(name string) bool {
		ph, ok := h.providers[name]
		return ok && now.Before(ph.CooldownUntil)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return !cooling(out[i]) && cooling(out[j])
	})
	return out
}

// Get returns a copy of one provider's state.
func (h *HealthMonitor) Get(name string) ProviderHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.get(name)
}

// Summary returns a copy of every tracked provider's state.
func (h *HealthMonitor) Summary() map[string]ProviderHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]ProviderHealth, len(h.providers))
	for name, ph := range h.providers {
		out[name] = *ph
	}
	return out
}
