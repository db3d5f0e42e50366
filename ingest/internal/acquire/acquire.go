// Package acquire fetches attacker-reachable URLs safely: URL validation
// before any I/O, SSRF checks on every resolved and dialed address, a
// per-domain circuit breaker, bounded retries and a download size cap.
package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hazyhaar/recette/connectivity"
	"github.com/hazyhaar/recette/horosafe"
	"github.com/hazyhaar/recette/ingest/internal/model"
)

// Config tunes the fetcher.
type Config struct {
	Timeout      time.Duration `yaml:"timeout"`       // per attempt. Default: 20s.
	MaxBytes     int64         `yaml:"max_bytes"`     // Default: 5 MiB.
	UserAgent    string        `yaml:"user_agent"`    // Default: "recette/1.0".
	MaxRetries   int           `yaml:"max_retries"`   // Default: 2. Negative disables retries.
	BaseBackoff  time.Duration `yaml:"base_backoff"`  // Default: 500ms.
	MaxBackoff   time.Duration `yaml:"max_backoff"`   // caps backoff and Retry-After. Default: 10s.
	MaxRedirects int           `yaml:"max_redirects"` // Default: 5.
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 5 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "recette/1.0"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
}

// Page is a fetched document.
type Page struct {
	URL         string    `json:"url"`
	FinalURL    string    `json:"finalUrl"`
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"-"`
	Hash        string    `json:"hash"`
	Attempts    int       `json:"attempts"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// Fetcher performs guarded GETs.
type Fetcher struct {
	cfg      Config
	client   *http.Client
	resolver horosafe.Resolver
	blocked  func(netip.Addr) bool
	breaker  *connectivity.BreakerRegistry
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithResolver replaces the DNS resolver used for SSRF checks.
func WithResolver(r horosafe.Resolver) Option { return func(f *Fetcher) { f.resolver = r } }

// WithBlocked replaces the blocked-address predicate.
func WithBlocked(fn func(netip.Addr) bool) Option { return func(f *Fetcher) { f.blocked = fn } }

// WithBreaker gates fetches through a per-domain circuit breaker.
func WithBreaker(b *connectivity.BreakerRegistry) Option { return func(f *Fetcher) { f.breaker = b } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Fetcher) { f.logger = l } }

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = fn }
}

// New creates a Fetcher. Every dialed address is re-checked against the
// blocked predicate, so a DNS answer that changes between the check and the
// dial is still refused.
func New(cfg Config, opts ...Option) *Fetcher {
	cfg.defaults()
	f := &Fetcher{
		cfg:     cfg,
		blocked: horosafe.IsBlockedAddr,
		logger:  slog.Default(),
		sleep:   sleepCtx,
		now:     time.Now,
	}
	for _, o := range opts {
		o(f)
	}

	dialer := &net.Dialer{
		Timeout: cfg.Timeout,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return fmt.Errorf("%w: unparsable dial address %s", horosafe.ErrSSRF, host)
			}
			if f.blocked(addr.Unmap()) {
				return fmt.Errorf("%w: dial %s", horosafe.ErrSSRF, addr)
			}
			return nil
		},
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       30 * time.Second,
	}
	f.client = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("too many redirects (%d)", len(via))
			}
			if s := req.URL.Scheme; s != "http" && s != "https" {
				return fmt.Errorf("%w: redirect to %s", horosafe.ErrSSRF, s)
			}
			if err := horosafe.CheckHost(req.Context(), f.resolver, req.URL.Hostname(), f.blocked); err != nil {
				return fmt.Errorf("redirect blocked: %w", err)
			}
			return nil
		},
	}
	return f
}

// Client returns the guarded HTTP client, for callers that fetch on their
// own (search providers) and need the same dial-time address checks.
func (f *Fetcher) Client() *http.Client { return f.client }

// ValidateURL checks rawURL without any I/O.
func ValidateURL(rawURL string) (*url.URL, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return nil, model.Errorf(model.CodeEmptyURL, "url is empty")
	}
	if strings.ContainsAny(raw, " \t\r\n\x00") {
		return nil, model.Errorf(model.CodeInvalidURLFormat, "url contains whitespace or control characters")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, model.Wrap(model.CodeInvalidURLFormat, err, "url cannot be parsed")
	}
	if u.Scheme == "" {
		return nil, model.Errorf(model.CodeInvalidURLFormat, "url %q has no scheme", raw)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return nil, model.Errorf(model.CodeInvalidScheme, "scheme %q is not allowed", u.Scheme)
	}
	if u.User != nil {
		return nil, model.Errorf(model.CodeCredentialsInURL, "url carries credentials")
	}
	if u.Hostname() == "" {
		return nil, model.Errorf(model.CodeMissingHost, "url has no host")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	return u, nil
}

// Fetch validates, gates and downloads rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	domain := connectivity.NormalizeDomain(u.Hostname())
	log := f.logger.With("domain", domain)

	if f.breaker != nil {
		if err := f.breaker.Allow(domain); err != nil {
			var open *connectivity.ErrCircuitOpen
			e := model.Wrap(model.CodeCircuitOpen, err, "domain %s is temporarily blocked", domain).WithDetail("domain", domain)
			if errors.As(err, &open) {
				e.WithDetail("openUntil", open.Until)
			}
			return nil, e
		}
	}

	if err := horosafe.CheckHost(ctx, f.resolver, u.Hostname(), f.blocked); err != nil {
		if ctx.Err() != nil {
			return nil, model.Wrap(model.CodeCancelled, ctx.Err(), "fetch cancelled")
		}
		f.failure(domain)
		if errors.Is(err, horosafe.ErrSSRF) {
			log.Warn("fetch refused: non-public target", "error", err)
			return nil, model.Wrap(model.CodeSSRFBlocked, err, "url targets a non-public address").WithDetail("domain", domain)
		}
		return nil, model.Wrap(model.CodeFetchFailed, err, "host lookup failed").WithDetail("domain", domain)
	}

	var lastErr *model.Error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := f.backoff(attempt, lastErr)
			log.Warn("fetch retry", "attempt", attempt, "delay", delay, "error", lastErr)
			if err := f.sleep(ctx, delay); err != nil {
				return nil, model.Wrap(model.CodeCancelled, err, "fetch cancelled during backoff")
			}
		}
		page, err, retry := f.attempt(ctx, u)
		if err == nil {
			page.Attempts = attempt + 1
			f.success(domain)
			log.Debug("fetched", "status", page.StatusCode, "bytes", len(page.Body), "attempts", page.Attempts)
			return page, nil
		}
		if model.CodeOf(err) == model.CodeCancelled {
			return nil, err
		}
		lastErr = err.WithDetail("attempts", attempt+1)
		if !retry {
			break
		}
	}

	switch lastErr.Code {
	case model.CodeFetchHTTPError:
		if status, _ := lastErr.Details["status"].(int); status < 500 && status != http.StatusTooManyRequests {
			// The domain answered; a 404 says nothing about its health.
			f.success(domain)
			return nil, lastErr
		}
	case model.CodeContentTooLarge:
		f.success(domain)
		return nil, lastErr
	}
	f.failure(domain)
	return nil, lastErr
}

// attempt runs one GET. retry reports whether the failure is transient.
func (f *Fetcher) attempt(ctx context.Context, u *url.URL) (*Page, *model.Error, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, model.Wrap(model.CodeInvalidURLFormat, err, "build request"), false
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, model.Wrap(model.CodeCancelled, ctx.Err(), "fetch cancelled"), false
		case errors.Is(err, horosafe.ErrSSRF):
			return nil, model.Wrap(model.CodeSSRFBlocked, err, "request reached a non-public address"), false
		case isTimeout(err):
			return nil, model.Wrap(model.CodeFetchFailed, err, "request timed out"), true
		}
		return nil, model.Wrap(model.CodeFetchFailed, err, "request failed"), false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		e := model.Errorf(model.CodeFetchHTTPError, "http %d", resp.StatusCode).WithDetail("status", resp.StatusCode)
		if ra := retryAfter(resp.Header.Get("Retry-After"), f.now()); ra > 0 {
			e.WithDetail("retryAfter", ra)
		}
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, e, retry
	}

	if resp.ContentLength > f.cfg.MaxBytes {
		return nil, model.Errorf(model.CodeContentTooLarge, "declared size %d exceeds %d bytes", resp.ContentLength, f.cfg.MaxBytes).
			WithDetail("maxBytes", f.cfg.MaxBytes), false
	}
	body, err := horosafe.LimitedReadAll(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		if errors.Is(err, horosafe.ErrResponseTooLarge) {
			return nil, model.Wrap(model.CodeContentTooLarge, err, "body exceeds %d bytes", f.cfg.MaxBytes).
				WithDetail("maxBytes", f.cfg.MaxBytes), false
		}
		if ctx.Err() != nil {
			return nil, model.Wrap(model.CodeCancelled, ctx.Err(), "fetch cancelled"), false
		}
		return nil, model.Wrap(model.CodeFetchFailed, err, "read body"), isTimeout(err)
	}

	sum := sha256.Sum256(body)
	return &Page{
		URL:         u.String(),
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Hash:        hex.EncodeToString(sum[:]),
		FetchedAt:   f.now().UTC(),
	}, nil, false
}

// backoff doubles BaseBackoff per attempt, or honours Retry-After; both are
// capped at MaxBackoff.
func (f *Fetcher) backoff(attempt int, last *model.Error) time.Duration {
	d := f.cfg.BaseBackoff << (attempt - 1)
	if last != nil {
		if ra, ok := last.Details["retryAfter"].(time.Duration); ok && ra > 0 {
			d = ra
		}
	}
	if d > f.cfg.MaxBackoff || d <= 0 {
		d = f.cfg.MaxBackoff
	}
	return d
}

func (f *Fetcher) failure(domain string) {
	if f.breaker != nil && f.breaker.RecordFailure(domain) {
		f.logger.Warn("circuit opened", "domain", domain)
	}
}

func (f *Fetcher) success(domain string) {
	if f.breaker != nil {
		f.breaker.RecordSuccess(domain)
	}
}

func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.Sub(now)
	}
	return 0
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
