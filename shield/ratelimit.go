package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/recette/kit"
)

// RateLimitConfig defines the rate limit for a single endpoint.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

func (c RateLimitConfig) limit() rate.Limit {
	if c.WindowSeconds <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(c.MaxRequests) / float64(c.WindowSeconds))
}

type client struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// RateLimiter provides per-client, per-endpoint token buckets. Clients are
// keyed by actor when the request names one, by IP otherwise. Rules come
// from the rate_limits table (see Schema).
type RateLimiter struct {
	db      *sql.DB
	mu      sync.RWMutex
	rules   map[string]RateLimitConfig
	clients sync.Map // key → *client
	exclude []string // path prefixes excluded from rate limiting
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter reading rules from db. Call
// StartReloader to refresh rules and collect idle buckets.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		rules:   make(map[string]RateLimitConfig),
		exclude: excludePrefixes,
		now:     time.Now,
	}
	rl.reload()
	return rl
}

// StartReloader reloads rules every 60s and drops buckets idle for 10
// minutes. Stops when done is closed.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	reloadTick := time.NewTicker(60 * time.Second)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-done:
				return
			case <-reloadTick.C:
				rl.reload()
			case <-gcTick.C:
				rl.gc(10 * time.Minute)
			}
		}
	}()
}

func (rl *RateLimiter) reload() {
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		slog.Warn("ratelimit: failed to reload rules", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]RateLimitConfig)
	for rows.Next() {
		var endpoint string
		var cfg RateLimitConfig
		var enabled int
		if err := rows.Scan(&endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &enabled); err != nil {
			continue
		}
		cfg.Enabled = enabled == 1
		rules[endpoint] = cfg
	}

	rl.mu.Lock()
	changed := len(rules) != len(rl.rules)
	for k, v := range rules {
		if rl.rules[k] != v {
			changed = true
		}
	}
	rl.rules = rules
	rl.mu.Unlock()
	if changed {
		// Buckets carry the old limits.
		rl.clients.Clear()
	}
	slog.Debug("ratelimit: rules reloaded", "count", len(rules))
}

func (rl *RateLimiter) gc(idle time.Duration) {
	cutoff := rl.now().Add(-idle)
	rl.clients.Range(func(key, value any) bool {
		if value.(*client).lastSeen.Load() < cutoff.UnixNano() {
			rl.clients.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) rule(endpoint string) (RateLimitConfig, bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	cfg, ok := rl.rules[endpoint]
	if !ok {
		cfg, ok = rl.rules["*"]
	}
	return cfg, ok && cfg.Enabled
}

func (rl *RateLimiter) allow(who, endpoint string) bool {
	cfg, ok := rl.rule(endpoint)
	if !ok {
		return true
	}
	now := rl.now()
	v, _ := rl.clients.LoadOrStore(who+"|"+endpoint, &client{lim: rate.NewLimiter(cfg.limit(), max(cfg.MaxRequests, 1))})
	c := v.(*client)
	c.lastSeen.Store(now.UnixNano())
	return c.lim.AllowN(now, 1)
}

// Middleware enforces rate limits with a 429 JSON response. The endpoint is
// the method and the request path.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		who := kit.GetActor(r.Context())
		if who == "" {
			who = ExtractIP(r)
		}
		if rl.allow(who, endpoint) {
			next.ServeHTTP(w, r)
			return
		}

		cfg, _ := rl.rule(endpoint)
		GetLogger(r.Context()).Warn("ratelimit: request blocked", "client", who, "endpoint", endpoint)
		w.Header().Set("Retry-After", strconv.Itoa(max(cfg.WindowSeconds, 1)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"code":  "RATE_LIMITED",
			"error": "rate limit exceeded",
		})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
