package connectivity

import (
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// BreakerState is the state of one domain's circuit.
type BreakerState string

const (
	BreakerClosed BreakerState = "closed" // requests pass through
	BreakerOpen   BreakerState = "open"   // requests rejected without network I/O
)

// BreakerConfig tunes the per-domain circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures inside FailureWindow open the circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// FailureWindow bounds how far back failures count.
	FailureWindow time.Duration `yaml:"failure_window" json:"failure_window"`
	// BlockDuration is how long an open circuit rejects requests.
	BlockDuration time.Duration `yaml:"block_duration" json:"block_duration"`
}

func (c *BreakerConfig) defaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 5 * time.Minute
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = 10 * time.Minute
	}
}

// DomainState is a point-in-time view of one domain's circuit.
type DomainState struct {
	Domain    string       `json:"domain"`
	State     BreakerState `json:"state"`
	Failures  int          `json:"failures"`
	OpenedAt  time.Time    `json:"opened_at,omitzero"`
	OpenUntil time.Time    `json:"open_until,omitzero"`
}

type domainCircuit struct {
	failures []time.Time // consecutive failures, oldest first
	openedAt time.Time   // zero when closed
}

// BreakerRegistry holds one sliding-window circuit per normalized domain.
// Domains are isolated: failures on one never affect another. The mutex is
// never held across network I/O.
type BreakerRegistry struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	domains map[string]*domainCircuit
	now     func() time.Time
	logger  *slog.Logger
}

// BreakerOption configures a BreakerRegistry.
type BreakerOption func(*BreakerRegistry)

// WithBreakerClock sets a custom clock (for testing).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(b *BreakerRegistry) { b.now = fn }
}

// WithBreakerLogger sets the logger used for open/close transitions.
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *BreakerRegistry) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBreakerRegistry creates a registry. Zero config fields take defaults:
// 5 failures within 5 minutes open a domain for 10 minutes.
func NewBreakerRegistry(cfg BreakerConfig, opts ...BreakerOption) *BreakerRegistry {
	cfg.defaults()
	b := &BreakerRegistry{
		cfg:     cfg,
		domains: make(map[string]*domainCircuit),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// NormalizeDomain maps a host (optionally with port) to the breaker key:
// lowercase, no port, no trailing dot, no leading "www.".
func NormalizeDomain(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if hh, _, err := net.SplitHostPort(h); err == nil {
		h = hh
	}
	h = strings.Trim(h, "[]")
	h = strings.TrimSuffix(h, ".")
	return strings.TrimPrefix(h, "www.")
}

// Allow returns nil if a request to domain may proceed, or *ErrCircuitOpen.
// An open circuit whose block duration has elapsed closes implicitly here.
func (b *BreakerRegistry) Allow(domain string) error {
	domain = NormalizeDomain(domain)
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.domains[domain]
	if !ok || c.openedAt.IsZero() {
		return nil
	}
	until := c.openedAt.Add(b.cfg.BlockDuration)
	if b.now().Before(until) {
		return &ErrCircuitOpen{Domain: domain, Until: until}
	}
	delete(b.domains, domain)
	b.logger.Info("circuit closed after block duration", "domain", domain)
	return nil
}

// RecordSuccess ends the domain's run of consecutive failures.
func (b *BreakerRegistry) RecordSuccess(domain string) {
	domain = NormalizeDomain(domain)
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.domains[domain]; ok && c.openedAt.IsZero() {
		delete(b.domains, domain)
	}
}

// RecordFailure appends a failure for domain and reports whether this
// failure opened the circuit.
func (b *BreakerRegistry) RecordFailure(domain string) bool {
	domain = NormalizeDomain(domain)
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.domains[domain]
	if !ok {
		c = &domainCircuit{}
		b.domains[domain] = c
	}
	if !c.openedAt.IsZero() {
		return false
	}
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := c.failures[:0]
	for _, ts := range c.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.failures = append(kept, now)

	if len(c.failures) >= b.cfg.FailureThreshold {
		c.openedAt = now
		b.logger.Warn("circuit opened",
			"domain", domain,
			"failures", len(c.failures),
			"block", b.cfg.BlockDuration)
		return true
	}
	return false
}

// Reset clears all state for domain unconditionally.
func (b *BreakerRegistry) Reset(domain string) {
	domain = NormalizeDomain(domain)
	b.mu.Lock()
	delete(b.domains, domain)
	b.mu.Unlock()
	b.logger.Info("circuit reset", "domain", domain)
}

// State returns the current view of domain.
func (b *BreakerRegistry) State(domain string) DomainState {
	domain = NormalizeDomain(domain)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(domain, b.domains[domain])
}

// Snapshot lists every tracked domain, sorted by name.
func (b *BreakerRegistry) Snapshot() []DomainState {
	b.mu.Lock()
	out := make([]DomainState, 0, len(b.domains))
	for d, c := range b.domains {
		out = append(out, b.stateLocked(d, c))
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func (b *BreakerRegistry) stateLocked(domain string, c *domainCircuit) DomainState {
	st := DomainState{Domain: domain, State: BreakerClosed}
	if c == nil {
		return st
	}
	st.Failures = len(c.failures)
	if !c.openedAt.IsZero() {
		until := c.openedAt.Add(b.cfg.BlockDuration)
		if b.now().Before(until) {
			st.State = BreakerOpen
			st.OpenedAt = c.openedAt
			st.OpenUntil = until
		}
	}
	return st
}
