package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/recette/horosafe"
	"github.com/hazyhaar/recette/ingest/internal/model"
)

// DefaultMaxResults applies when neither the caller nor the provider set a
// limit.
const DefaultMaxResults = 10

type entry struct {
	desc     model.ProviderDescriptor
	provider Provider
	limiter  *rate.Limiter // nil: unlimited
}

// Registry holds the providers and their descriptors. It is safe for
// concurrent use; no lock is held while a provider runs.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	defaultID string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithClock sets the clock used by the rate limiters.
func WithClock(fn func() time.Time) Option { return func(r *Registry) { r.now = fn } }

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{entries: make(map[string]*entry), logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds or replaces a provider. The id is case-insensitive. A
// descriptor marked Default becomes the default, unseating the previous one.
func (r *Registry) Register(desc model.ProviderDescriptor, p Provider) error {
	id := strings.ToLower(strings.TrimSpace(desc.ID))
	if err := horosafe.ValidateIdentifier(id); err != nil {
		return fmt.Errorf("search: provider id: %w", err)
	}
	if p == nil {
		return fmt.Errorf("search: provider %s: nil implementation", id)
	}
	desc.ID = id
	if desc.DisplayName == "" {
		desc.DisplayName = id
	}
	e := &entry{desc: desc, provider: p}
	if n := desc.Capabilities.RateLimitPerMinute; n > 0 {
		e.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if desc.Default {
		if old, ok := r.entries[r.defaultID]; ok && old.desc.ID != id {
			old.desc.Default = false
		}
		r.defaultID = id
	} else if r.defaultID == id {
		r.defaultID = ""
	}
	r.entries[id] = e
	return nil
}

// SetEnabled toggles a provider.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return model.Errorf(model.CodeUnknownProvider, "unknown search provider %q", id)
	}
	e.desc.Enabled = enabled
	return nil
}

// Resolve returns the descriptor for id. An empty id is the default.
func (r *Registry) Resolve(id string) (model.ProviderDescriptor, error) {
	e, err := r.resolve(id)
	if err != nil {
		return model.ProviderDescriptor{}, err
	}
	return e.desc, nil
}

func (r *Registry) resolve(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" {
		key = r.defaultID
		if key == "" {
			return nil, model.Errorf(model.CodeUnknownProvider, "no default search provider configured")
		}
	}
	e, ok := r.entries[key]
	if !ok {
		return nil, model.Errorf(model.CodeUnknownProvider, "unknown search provider %q", id).WithDetail("providerId", id)
	}
	if !e.desc.Enabled {
		return nil, model.Errorf(model.CodeDisabledProvider, "search provider %q is disabled", e.desc.ID).WithDetail("providerId", e.desc.ID)
	}
	cp := *e
	return &cp, nil
}

// ListEnabled returns the enabled descriptors, default first, then by id.
func (r *Registry) ListEnabled() []model.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ProviderDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if e.desc.Enabled {
			out = append(out, e.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Default != out[j].Default {
			return out[i].Default
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Result is a served search.
type Result struct {
	Candidates []model.SearchCandidate `json:"candidates"`
	Outcome    model.SearchOutcome     `json:"outcome"`
}

// Search runs query on the provider named by c.ProviderID (default when
// empty). With c.Fallback set, a transient failure is retried exactly once
// on the default provider when it is a different, enabled provider.
// Failures are SEARCH_FAILED carrying the provider error kind.
func (r *Registry) Search(ctx context.Context, query string, c model.SearchConstraints) (*Result, error) {
	e, err := r.resolve(c.ProviderID)
	if err != nil {
		return nil, err
	}
	out := &Result{Outcome: model.SearchOutcome{RequestedProvider: e.desc.ID, ServedBy: e.desc.ID}}

	cands, perr := r.run(ctx, e, query, c)
	if perr == nil {
		out.Candidates = cands
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, model.Wrap(model.CodeCancelled, ctx.Err(), "search cancelled")
	}
	if !c.Fallback || !perr.Transient() {
		return nil, searchFailed(perr)
	}
	def, derr := r.resolve("")
	if derr != nil || def.desc.ID == e.desc.ID {
		return nil, searchFailed(perr)
	}

	r.logger.Warn("search: falling back to default provider",
		"requested", e.desc.ID, "fallback", def.desc.ID, "kind", perr.Kind, "status", perr.StatusCode)
	cands, ferr := r.run(ctx, def, query, c)
	if ferr != nil {
		if ctx.Err() != nil {
			return nil, model.Wrap(model.CodeCancelled, ctx.Err(), "search cancelled")
		}
		return nil, searchFailed(ferr).WithDetail("fallbackFrom", e.desc.ID)
	}
	out.Candidates = cands
	out.Outcome.ServedBy = def.desc.ID
	out.Outcome.FallbackUsed = true
	out.Outcome.FallbackReason = fallbackReason(perr)
	return out, nil
}

// run applies the guard around one provider call.
func (r *Registry) run(ctx context.Context, e *entry, query string, c model.SearchConstraints) ([]model.SearchCandidate, *ProviderError) {
	id := e.desc.ID
	if e.limiter != nil && !e.limiter.AllowN(r.now(), 1) {
		return nil, &ProviderError{Provider: id, Kind: KindRateLimited, Err: fmt.Errorf("local limit of %d/min reached", e.desc.Capabilities.RateLimitPerMinute)}
	}

	limit := c.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	if pc := e.desc.Capabilities.MaxResults; pc > 0 && pc < limit {
		limit = pc
	}
	q := Query{Text: strings.TrimSpace(query), MaxResults: limit}
	if e.desc.Capabilities.SupportsMarket {
		q.Market = c.Market
	}
	if e.desc.Capabilities.SupportsSiteRestriction {
		q.AllowDomains = c.AllowDomains
	}

	start := time.Now()
	raw, err := e.provider.Search(ctx, q)
	if err != nil {
		pe := classify(id, err)
		r.logger.Warn("search: provider failed", "provider", id, "kind", pe.Kind, "status", pe.StatusCode, "error", err)
		return nil, pe
	}
	cands := normalizeCandidates(id, raw, Filter{Allow: c.AllowDomains, Deny: c.DenyDomains}, limit)
	r.logger.Debug("search: provider served", "provider", id, "raw", len(raw), "kept", len(cands), "duration", time.Since(start))
	return cands, nil
}

func searchFailed(pe *ProviderError) *model.Error {
	e := model.Wrap(model.CodeSearchFailed, pe, "search provider %s failed: %s", pe.Provider, pe.Kind).
		WithDetail("providerId", pe.Provider).
		WithDetail("kind", string(pe.Kind))
	if pe.StatusCode != 0 {
		e = e.WithDetail("statusCode", pe.StatusCode)
	}
	return e
}

func fallbackReason(pe *ProviderError) string {
	if pe.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (http %d)", pe.Provider, pe.Kind, pe.StatusCode)
	}
	return fmt.Sprintf("%s: %s", pe.Provider, pe.Kind)
}
