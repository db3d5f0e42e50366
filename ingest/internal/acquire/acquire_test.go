package acquire

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/recette/connectivity"
	"github.com/hazyhaar/recette/ingest/internal/model"
)

type stubResolver map[string]string

func (s stubResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ip, ok := s[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return []net.IPAddr{{IP: net.ParseIP(ip)}}, nil
}

// allowLoopback lets tests reach httptest servers while keeping every other
// private range blocked.
func allowLoopback(a netip.Addr) bool {
	if a.IsLoopback() {
		return false
	}
	return a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsUnspecified()
}

type sleepRecorder struct{ delays []time.Duration }

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newBreaker(threshold int) *connectivity.BreakerRegistry {
	return connectivity.NewBreakerRegistry(connectivity.BreakerConfig{
		FailureThreshold: threshold,
		FailureWindow:    time.Minute,
		BlockDuration:    time.Hour,
	})
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		in   string
		code string
	}{
		{"https://recipes.example/tart", ""},
		{"HTTP://recipes.example/", ""},
		{"", model.CodeEmptyURL},
		{"   ", model.CodeEmptyURL},
		{"recipes.example/tart", model.CodeInvalidURLFormat},
		{"https://recipes.example/a b", model.CodeInvalidURLFormat},
		{"http://[::1", model.CodeInvalidURLFormat},
		{"ftp://recipes.example/", model.CodeInvalidScheme},
		{"javascript:alert(1)", model.CodeInvalidScheme},
		{"file:///etc/passwd", model.CodeInvalidScheme},
		{"https://user:pw@recipes.example/", model.CodeCredentialsInURL},
		{"https:///path", model.CodeMissingHost},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ValidateURL(tt.in)
			if got := model.CodeOf(err); got != tt.code {
				t.Fatalf("code = %q, want %q (err=%v)", got, tt.code, err)
			}
		})
	}
}

func TestFetch_SSRFBlockedWithoutRequest(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	breaker := newBreaker(5)
	f := New(Config{}, WithBreaker(breaker))

	// WHAT: a loopback literal is refused before any request.
	_, err := f.Fetch(context.Background(), srv.URL+"/admin")
	if model.CodeOf(err) != model.CodeSSRFBlocked {
		t.Fatalf("code = %s (%v)", model.CodeOf(err), err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("blocked URL reached the server")
	}
	// WHAT: the refusal counts against the domain.
	if st := breaker.State("127.0.0.1"); st.Failures != 1 {
		t.Fatalf("breaker failures = %d", st.Failures)
	}

	// WHAT: a public-looking name resolving to a private address is refused.
	f = New(Config{}, WithResolver(stubResolver{"metadata.example": "169.254.169.254"}))
	if _, err := f.Fetch(context.Background(), "http://metadata.example/latest"); model.CodeOf(err) != model.CodeSSRFBlocked {
		t.Fatalf("rebinding name: code = %s", model.CodeOf(err))
	}
	// WHAT: an unresolvable host fails closed.
	if _, err := f.Fetch(context.Background(), "http://nowhere.example/"); model.CodeOf(err) != model.CodeFetchFailed {
		t.Fatalf("unresolvable: code = %s", model.CodeOf(err))
	}
}

func TestFetch_BreakerOpenSkipsNetwork(t *testing.T) {
	breaker := newBreaker(1)
	f := New(Config{}, WithBreaker(breaker), WithResolver(stubResolver{"bad.example": "10.1.2.3"}))
	if _, err := f.Fetch(context.Background(), "http://bad.example/"); model.CodeOf(err) != model.CodeSSRFBlocked {
		t.Fatalf("first: %v", err)
	}
	// WHAT: once open, the breaker answers before DNS or HTTP.
	_, err := f.Fetch(context.Background(), "http://www.BAD.example/other")
	if model.CodeOf(err) != model.CodeCircuitOpen {
		t.Fatalf("second: code = %s (%v)", model.CodeOf(err), err)
	}
	breaker.Reset("bad.example")
	if err := breaker.Allow("bad.example"); err != nil {
		t.Fatalf("reset did not close: %v", err)
	}
}

func TestFetch_RetriesTransientStatus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<h1>ok</h1>"))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	breaker := newBreaker(5)
	f := New(Config{BaseBackoff: 100 * time.Millisecond}, WithBlocked(allowLoopback), WithSleep(rec.sleep), WithBreaker(breaker))
	page, err := f.Fetch(context.Background(), srv.URL+"/r#frag")
	if err != nil {
		t.Fatal(err)
	}
	if page.Attempts != 3 || string(page.Body) != "<h1>ok</h1>" || page.Hash == "" {
		t.Fatalf("page = %+v", page)
	}
	if len(rec.delays) != 2 || rec.delays[0] != 100*time.Millisecond || rec.delays[1] != 200*time.Millisecond {
		t.Fatalf("delays = %v", rec.delays)
	}
	if st := breaker.State("127.0.0.1"); st.Failures != 0 {
		t.Fatalf("success should leave no failures, got %d", st.Failures)
	}
}

func TestFetch_RetryExhausted(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	breaker := newBreaker(5)
	f := New(Config{}, WithBlocked(allowLoopback), WithSleep(rec.sleep), WithBreaker(breaker))
	_, err := f.Fetch(context.Background(), srv.URL)
	if model.CodeOf(err) != model.CodeFetchHTTPError {
		t.Fatalf("code = %s", model.CodeOf(err))
	}
	// WHAT: max 2 retries means 3 requests, and one breaker failure per Fetch.
	if hits != 3 {
		t.Fatalf("hits = %d, want 3", hits)
	}
	if st := breaker.State("127.0.0.1"); st.Failures != 1 {
		t.Fatalf("breaker failures = %d, want 1", st.Failures)
	}
}

func TestFetch_NoRetryOnClientError(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := New(Config{}, WithBlocked(allowLoopback), WithSleep((&sleepRecorder{}).sleep))
	_, err := f.Fetch(context.Background(), srv.URL)
	if model.CodeOf(err) != model.CodeFetchHTTPError || hits != 1 {
		t.Fatalf("code = %s, hits = %d", model.CodeOf(err), hits)
	}
}

func TestFetch_RetryAfterCapped(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	f := New(Config{MaxBackoff: 2 * time.Second}, WithBlocked(allowLoopback), WithSleep(rec.sleep))
	if _, err := f.Fetch(context.Background(), srv.URL); err != nil {
		t.Fatal(err)
	}
	if len(rec.delays) != 1 || rec.delays[0] != 2*time.Second {
		t.Fatalf("delays = %v", rec.delays)
	}
}

func TestFetch_ContentTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush() // chunked: no Content-Length
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer srv.Close()

	f := New(Config{MaxBytes: 1024}, WithBlocked(allowLoopback))
	_, err := f.Fetch(context.Background(), srv.URL)
	if model.CodeOf(err) != model.CodeContentTooLarge {
		t.Fatalf("code = %s (%v)", model.CodeOf(err), err)
	}
}

func TestFetch_CancelAbortsRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	breaker := newBreaker(5)
	f := New(Config{}, WithBlocked(allowLoopback), WithBreaker(breaker),
		WithSleep(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}))
	_, err := f.Fetch(ctx, srv.URL)
	if model.CodeOf(err) != model.CodeCancelled {
		t.Fatalf("code = %s", model.CodeOf(err))
	}
	// WHAT: cancellation is not the domain's fault.
	if hits != 1 || breaker.State("127.0.0.1").Failures != 0 {
		t.Fatalf("hits = %d, failures = %d", hits, breaker.State("127.0.0.1").Failures)
	}
}

func TestFetch_RedirectToPrivateBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://10.0.0.5/internal", http.StatusFound)
	}))
	defer srv.Close()

	f := New(Config{}, WithBlocked(allowLoopback))
	_, err := f.Fetch(context.Background(), srv.URL)
	if model.CodeOf(err) != model.CodeSSRFBlocked {
		t.Fatalf("code = %s (%v)", model.CodeOf(err), err)
	}
}
