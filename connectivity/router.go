// Package connectivity routes LLM calls to a provider per logical phase and
// guards remote domains with a circuit breaker registry.
//
// Each pipeline phase that needs a model ("extract", "repair_json",
// "paraphrase", "normalize") is a route. Routes live in the llm_routes SQLite
// table and are hot-reloaded: switching a phase from a local stub to a
// remote gateway, or disabling it, is a single row update.
//
//	router := connectivity.New()
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	router.RegisterLocal("extract", stubModel)
//	go router.Watch(ctx, db, time.Second)
//
//	resp, err := router.Call(ctx, "extract", payload)
package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Handler is a transport-agnostic model call: request bytes in, response
// bytes out. Local stubs and remote gateways implement this signature.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory creates a Handler for a remote endpoint. It receives the
// endpoint URL and the per-route config JSON. The returned close function is
// called when the route is removed or replaced during reload; it may be nil.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

// Route describes where a phase is served from.
type Route struct {
	Phase    string          `json:"phase"`
	Strategy string          `json:"strategy"`
	Endpoint string          `json:"endpoint,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Model    string          `json:"model,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// fingerprint changes whenever a rebuild of the handler is required.
func (rt Route) fingerprint() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remoteEntry struct {
	handler Handler
	close   func()
}

// Router dispatches phase calls based on the llm_routes table.
// Reads use RLock, reloads take the full lock.
type Router struct {
	mu            sync.RWMutex
	localHandlers map[string]Handler
	remoteEntries map[string]remoteEntry
	routeSnap     map[string]Route
	factories     map[string]TransportFactory
	middleware    []HandlerMiddleware
	logger        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMiddleware wraps every dispatched handler, outermost first.
func WithMiddleware(mws ...HandlerMiddleware) Option {
	return func(r *Router) { r.middleware = append(r.middleware, mws...) }
}

// New creates a Router with no routes.
func New(opts ...Option) *Router {
	r := &Router{
		localHandlers: make(map[string]Handler),
		remoteEntries: make(map[string]remoteEntry),
		routeSnap:     make(map[string]Route),
		factories:     make(map[string]TransportFactory),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-process handler for a phase. It serves the
// phase when the route says "local" or when no route row exists.
func (r *Router) RegisterLocal(phase string, h Handler) {
	r.mu.Lock()
	r.localHandlers[phase] = h
	r.mu.Unlock()
}

// RegisterTransport registers a factory for a remote strategy ("http").
func (r *Router) RegisterTransport(strategy string, f TransportFactory) {
	r.mu.Lock()
	r.factories[strategy] = f
	r.mu.Unlock()
}

// SetRoutes installs routes directly, bypassing the database. Used when
// routes come from the configuration file.
func (r *Router) SetRoutes(routes []Route) {
	next := make(map[string]Route, len(routes))
	for _, rt := range routes {
		next[rt.Phase] = rt
	}
	r.apply(next)
}

// Route returns the current route for a phase. A phase with only a local
// handler reports strategy "local".
func (r *Router) Route(phase string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.routeSnap[phase]; ok {
		return rt, true
	}
	if _, ok := r.localHandlers[phase]; ok {
		return Route{Phase: phase, Strategy: "local"}, true
	}
	return Route{}, false
}

// Routes lists the loaded routes sorted by phase.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	out := make([]Route, 0, len(r.routeSnap))
	for _, rt := range r.routeSnap {
		out = append(out, rt)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Phase < out[j].Phase })
	return out
}

// Call dispatches a model call. Resolution order:
//  1. Noop route: the phase is disabled, ErrRouteDisabled.
//  2. Remote route built from the table.
//  3. Local handler.
//  4. ErrNoRoute.
func (r *Router) Call(ctx context.Context, phase string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	entry, hasRemote := r.remoteEntries[phase]
	localH := r.localHandlers[phase]
	snap, hasRoute := r.routeSnap[phase]
	mws := r.middleware
	r.mu.RUnlock()

	if hasRoute && snap.Strategy == "noop" {
		r.logger.DebugContext(ctx, "llm phase disabled", "phase", phase)
		return nil, &ErrRouteDisabled{Phase: phase}
	}

	var h Handler
	switch {
	case hasRemote:
		r.logger.DebugContext(ctx, "routing remote",
			"phase", phase, "strategy", snap.Strategy, "endpoint", snap.Endpoint, "model", snap.Model)
		h = entry.handler
	case localH != nil:
		r.logger.DebugContext(ctx, "routing local", "phase", phase)
		h = localH
	default:
		return nil, &ErrNoRoute{Phase: phase}
	}
	if len(mws) > 0 {
		h = Chain(mws...)(h)
	}
	return h(ctx, payload)
}

// Reload reads the llm_routes table and rebuilds the remote handler map.
// Only routes whose strategy, endpoint or config changed are rebuilt.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT phase, strategy, COALESCE(endpoint, ''), COALESCE(provider, ''),
		        COALESCE(model, ''), COALESCE(config, '{}')
		 FROM llm_routes`)
	if err != nil {
		return fmt.Errorf("connectivity: query routes: %w", err)
	}
	defer rows.Close()

	next := make(map[string]Route)
	for rows.Next() {
		var rt Route
		var cfg string
		if err := rows.Scan(&rt.Phase, &rt.Strategy, &rt.Endpoint, &rt.Provider, &rt.Model, &cfg); err != nil {
			return fmt.Errorf("connectivity: scan route: %w", err)
		}
		rt.Config = json.RawMessage(cfg)
		next[rt.Phase] = rt
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("connectivity: rows: %w", err)
	}
	r.apply(next)
	return nil
}

func (r *Router) apply(next map[string]Route) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make(map[string]remoteEntry, len(next))
	for phase, rt := range next {
		if rt.Strategy == "local" || rt.Strategy == "noop" {
			continue
		}
		if old, ok := r.routeSnap[phase]; ok && old.fingerprint() == rt.fingerprint() {
			if existing, ok := r.remoteEntries[phase]; ok {
				entries[phase] = existing
				continue
			}
		}
		factory, ok := r.factories[rt.Strategy]
		if !ok {
			r.logger.Warn("no transport factory for strategy", "phase", phase, "strategy", rt.Strategy)
			continue
		}
		h, closeFn, err := factory(rt.Endpoint, rt.Config)
		if err != nil {
			r.logger.Error("route build failed",
				"phase", phase, "strategy", rt.Strategy, "endpoint", rt.Endpoint, "error", err)
			continue
		}
		entries[phase] = remoteEntry{handler: h, close: closeFn}
		r.logger.Info("route built", "phase", phase, "strategy", rt.Strategy, "model", rt.Model)
	}

	for phase, old := range r.remoteEntries {
		if old.close == nil {
			continue
		}
		if _, kept := entries[phase]; !kept {
			old.close()
			continue
		}
		if r.routeSnap[phase].fingerprint() != next[phase].fingerprint() {
			old.close()
		}
	}

	r.remoteEntries = entries
	r.routeSnap = next
	r.logger.Info("llm routes reloaded", "total", len(next), "remote", len(entries))
}

// Close shuts down all remote handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.remoteEntries {
		if entry.close != nil {
			entry.close()
		}
	}
	r.remoteEntries = make(map[string]remoteEntry)
	r.routeSnap = make(map[string]Route)
	return nil
}
