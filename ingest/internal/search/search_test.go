package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/recette/ingest/internal/apifetch"
	"github.com/hazyhaar/recette/ingest/internal/model"
)

func static(cands ...model.SearchCandidate) ProviderFunc {
	return func(ctx context.Context, q Query) ([]model.SearchCandidate, error) { return cands, nil }
}

func failing(err error, calls *int32) ProviderFunc {
	return func(ctx context.Context, q Query) ([]model.SearchCandidate, error) {
		atomic.AddInt32(calls, 1)
		return nil, err
	}
}

func desc(id string, enabled, def bool) model.ProviderDescriptor {
	return model.ProviderDescriptor{ID: id, Enabled: enabled, Default: def}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(r.Register(desc("Brave", true, true), static(model.SearchCandidate{URL: "https://a.example/1"})))
	must(r.Register(desc("feeds", true, false), static()))
	must(r.Register(desc("legacy", false, false), static()))
	return r
}

func TestResolve(t *testing.T) {
	r := newRegistry(t)
	tests := []struct {
		id   string
		want string
		code string
	}{
		{"", "brave", ""},
		{"BRAVE", "brave", ""},
		{" feeds ", "feeds", ""},
		{"nope", "", model.CodeUnknownProvider},
		{"legacy", "", model.CodeDisabledProvider},
	}
	for _, tt := range tests {
		d, err := r.Resolve(tt.id)
		if model.CodeOf(err) != tt.code && !(tt.code == "" && err == nil) {
			t.Fatalf("Resolve(%q) err = %v, want code %q", tt.id, err, tt.code)
		}
		if tt.code == "" && d.ID != tt.want {
			t.Fatalf("Resolve(%q) = %s, want %s", tt.id, d.ID, tt.want)
		}
	}

	if _, err := NewRegistry().Resolve(""); model.CodeOf(err) != model.CodeUnknownProvider {
		t.Fatalf("no default: %v", err)
	}
}

func TestListEnabled(t *testing.T) {
	r := newRegistry(t)
	if err := r.Register(desc("allrecipes", true, false), static()); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, d := range r.ListEnabled() {
		ids = append(ids, d.ID)
	}
	if got := strings.Join(ids, ","); got != "brave,allrecipes,feeds" {
		t.Fatalf("ListEnabled = %s", got)
	}

	if err := r.SetEnabled("FEEDS", false); err != nil {
		t.Fatal(err)
	}
	if len(r.ListEnabled()) != 2 {
		t.Fatal("disabled provider still listed")
	}
}

func TestRegister_DefaultMoves(t *testing.T) {
	r := newRegistry(t)
	if err := r.Register(desc("feeds", true, true), static()); err != nil {
		t.Fatal(err)
	}
	d, _ := r.Resolve("")
	if d.ID != "feeds" {
		t.Fatalf("default = %s", d.ID)
	}
	if b, _ := r.Resolve("brave"); b.Default {
		t.Fatal("previous default still flagged")
	}
	if err := r.Register(desc("bad id!", true, false), static()); err == nil {
		t.Fatal("invalid id accepted")
	}
}

func TestFilter(t *testing.T) {
	f := Filter{Allow: []string{"example.com", "*.cuisine.fr"}, Deny: []string{"spam.example.com"}}
	tests := map[string]bool{
		"example.com":         true,
		"www.example.com":     true,
		"blog.example.com":    true,
		"spam.example.com":    false, // deny beats allow
		"a.spam.example.com":  false,
		"notexample.com":      false,
		"recettes.cuisine.fr": true,
		"other.org":           false,
	}
	for host, want := range tests {
		if got := f.Permits(host); got != want {
			t.Errorf("Permits(%q) = %v, want %v", host, got, want)
		}
	}
	if !(Filter{}).Permits("anything.org") {
		t.Error("empty filter must permit")
	}
}

func TestSearch_NormalizesCandidates(t *testing.T) {
	r := NewRegistry()
	raw := []model.SearchCandidate{
		{URL: "https://www.a.example/tart/#comments", Title: " Tart "},
		{URL: "https://a.example/tart"}, // duplicate of the first
		{URL: "ftp://a.example/file"},
		{URL: "https://blocked.example/x"},
		{URL: "https://b.example/pie", SiteName: "B Kitchen"},
		{URL: "https://c.example/flan", Score: 3},
	}
	var seen Query
	p := ProviderFunc(func(ctx context.Context, q Query) ([]model.SearchCandidate, error) {
		seen = q
		return raw, nil
	})
	d := desc("api", true, true)
	d.Capabilities = model.ProviderCapabilities{MaxResults: 5, SupportsMarket: true}
	if err := r.Register(d, p); err != nil {
		t.Fatal(err)
	}

	res, err := r.Search(context.Background(), "  lemon tart ", model.SearchConstraints{
		Market: "fr-FR", DenyDomains: []string{"blocked.example"}, AllowDomains: []string{"a.example"}, MaxResults: 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	if seen.Text != "lemon tart" || seen.Market != "fr-FR" || seen.MaxResults != 5 || seen.AllowDomains != nil {
		t.Fatalf("query = %+v", seen)
	}
	// Only a.example passes the allow list.
	if len(res.Candidates) != 1 {
		t.Fatalf("candidates = %+v", res.Candidates)
	}
	c := res.Candidates[0]
	if c.URL != "https://www.a.example/tart/" || c.Title != "Tart" || c.SiteName != "a.example" || c.Position != 1 || c.ProviderID != "api" || c.Score != 1 {
		t.Fatalf("candidate = %+v", c)
	}

	res, _ = r.Search(context.Background(), "x", model.SearchConstraints{DenyDomains: []string{"blocked.example"}, MaxResults: 2})
	if len(res.Candidates) != 2 || res.Candidates[1].URL != "https://b.example/pie" || res.Candidates[1].Position != 2 || res.Candidates[1].Score != 0.5 {
		t.Fatalf("ranked = %+v", res.Candidates)
	}
}

func TestSearch_FallbackOnTransient(t *testing.T) {
	// WHAT: a 503 from the requested provider is served by the default.
	// WHY: discovery should survive one provider's outage when the caller opted in.
	r := newRegistry(t)
	var calls int32
	if err := r.Register(desc("flaky", true, false), failing(&ProviderError{Kind: KindUnavailable, StatusCode: 503}, &calls)); err != nil {
		t.Fatal(err)
	}

	res, err := r.Search(context.Background(), "tart", model.SearchConstraints{ProviderID: "flaky", Fallback: true})
	if err != nil {
		t.Fatal(err)
	}
	o := res.Outcome
	if !o.FallbackUsed || o.ServedBy != "brave" || o.RequestedProvider != "flaky" || !strings.Contains(o.FallbackReason, "503") {
		t.Fatalf("outcome = %+v", o)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].ProviderID != "brave" {
		t.Fatalf("candidates = %+v", res.Candidates)
	}

	// Without opt-in the failure surfaces.
	_, err = r.Search(context.Background(), "tart", model.SearchConstraints{ProviderID: "flaky"})
	if model.CodeOf(err) != model.CodeSearchFailed {
		t.Fatalf("no fallback: %v", err)
	}
	if calls != 2 {
		t.Fatalf("flaky called %d times", calls)
	}
}

func TestSearch_NoFallbackOnPermanent(t *testing.T) {
	r := newRegistry(t)
	var calls int32
	if err := r.Register(desc("badkey", true, false), failing(&ProviderError{Kind: KindAuth, StatusCode: 401}, &calls)); err != nil {
		t.Fatal(err)
	}
	_, err := r.Search(context.Background(), "tart", model.SearchConstraints{ProviderID: "badkey", Fallback: true})
	var me *model.Error
	if !errors.As(err, &me) || me.Code != model.CodeSearchFailed || me.Details["kind"] != "auth" {
		t.Fatalf("err = %v", err)
	}
}

func TestSearch_DefaultFailureNotRetried(t *testing.T) {
	// WHAT: the default provider failing is not retried on itself.
	r := NewRegistry()
	var calls int32
	if err := r.Register(desc("only", true, true), failing(context.DeadlineExceeded, &calls)); err != nil {
		t.Fatal(err)
	}
	_, err := r.Search(context.Background(), "tart", model.SearchConstraints{Fallback: true})
	if model.CodeOf(err) != model.CodeSearchFailed || calls != 1 {
		t.Fatalf("err = %v calls = %d", err, calls)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindTimeout {
		t.Fatalf("kind = %+v", pe)
	}
}

func TestSearch_RateLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return now }))
	d := desc("slow", true, false)
	d.Capabilities.RateLimitPerMinute = 2
	if err := r.Register(d, static(model.SearchCandidate{URL: "https://s.example/"})); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(desc("main", true, true), static(model.SearchCandidate{URL: "https://m.example/"})); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := r.Search(context.Background(), "q", model.SearchConstraints{ProviderID: "slow"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	// Third call within the minute is rate limited, and falls back if allowed.
	if _, err := r.Search(context.Background(), "q", model.SearchConstraints{ProviderID: "slow"}); model.CodeOf(err) != model.CodeSearchFailed {
		t.Fatalf("limit not enforced: %v", err)
	}
	res, err := r.Search(context.Background(), "q", model.SearchConstraints{ProviderID: "slow", Fallback: true})
	if err != nil || res.Outcome.ServedBy != "main" || !strings.Contains(res.Outcome.FallbackReason, "rate_limited") {
		t.Fatalf("res = %+v err = %v", res, err)
	}

	now = now.Add(30 * time.Second)
	if _, err := r.Search(context.Background(), "q", model.SearchConstraints{ProviderID: "slow"}); err != nil {
		t.Fatalf("token not refilled: %v", err)
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		err  ProviderError
		want bool
	}{
		{ProviderError{Kind: KindRateLimited}, true},
		{ProviderError{Kind: KindQuotaExceeded}, true},
		{ProviderError{Kind: KindTimeout}, true},
		{ProviderError{Kind: KindInvalidQuery, StatusCode: 504}, true},
		{ProviderError{Kind: KindAuth, StatusCode: 401}, false},
		{ProviderError{Kind: KindNotFound}, false},
		{ProviderError{Kind: KindInvalidQuery}, false},
	}
	for _, tt := range tests {
		if got := tt.err.Transient(); got != tt.want {
			t.Errorf("%+v Transient = %v", tt.err, got)
		}
	}
	if KindFromStatus(429) != KindRateLimited || KindFromStatus(402) != KindQuotaExceeded || KindFromStatus(502) != KindUnavailable || KindFromStatus(400) != KindInvalidQuery {
		t.Error("KindFromStatus mapping")
	}
}

func TestAPIProvider(t *testing.T) {
	var gotQ string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQ = r.URL.Query().Get("q")
		if r.URL.Query().Get("count") != "5" {
			http.Error(w, "bad count", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"web":{"results":[{"title":"Tarte","url":"https://a.example/tarte","description":"zesty"}]}}`))
	}))
	defer srv.Close()

	p := NewAPIProvider("brave", APIConfig{
		URLTemplate: srv.URL + "/search?q={query}&count={count}",
		Fetch:       apifetchConfig("web.results"),
	}, srv.Client())
	cands, err := p.Search(context.Background(), Query{Text: "tarte citron", MaxResults: 5, AllowDomains: []string{"a.example"}})
	if err != nil {
		t.Fatal(err)
	}
	if gotQ != "tarte citron (site:a.example)" {
		t.Fatalf("q = %q", gotQ)
	}
	if len(cands) != 1 || cands[0].Snippet != "zesty" {
		t.Fatalf("cands = %+v", cands)
	}

	_, err = p.Search(context.Background(), Query{Text: "x", MaxResults: 3})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 400 || pe.Kind != KindInvalidQuery || pe.Transient() {
		t.Fatalf("err = %v", err)
	}
}

const rss = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Cuisine du jour</title>
<item><title>Lemon tart</title><link>https://cuisine.example/lemon-tart</link><description>&lt;p&gt;A sharp lemon curd.&lt;/p&gt;</description></item>
<item><title>Apple pie</title><link>https://cuisine.example/apple-pie</link><description>With a hint of lemon.</description></item>
<item><title>Beef stew</title><link>https://cuisine.example/stew</link><description>Slow cooked.</description></item>
</channel></rss>`

func TestFeedProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rss)
	}))
	defer srv.Close()

	p := NewFeedProvider("feeds", FeedConfig{URLs: []string{srv.URL + "/rss", srv.URL + "/broken"}}, srv.Client())
	cands, err := p.Search(context.Background(), Query{Text: "lemon tart"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("cands = %+v", cands)
	}
	if cands[0].URL != "https://cuisine.example/lemon-tart" || cands[0].Score != 1 || cands[0].SiteName != "Cuisine du jour" {
		t.Fatalf("best = %+v", cands[0])
	}
	if cands[0].Snippet != "A sharp lemon curd." {
		t.Fatalf("snippet = %q", cands[0].Snippet)
	}
	if cands[1].Score != 0.25 {
		t.Fatalf("second score = %v", cands[1].Score)
	}

	// Every feed failing surfaces a classified error.
	p = NewFeedProvider("feeds", FeedConfig{URLs: []string{srv.URL + "/broken"}}, srv.Client())
	_, err = p.Search(context.Background(), Query{Text: "lemon"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusBadGateway || !pe.Transient() {
		t.Fatalf("err = %v", err)
	}
}

func TestBuild(t *testing.T) {
	r, err := Build([]ProviderConfig{
		{ID: "brave", Type: "api", Default: true, API: APIConfig{URLTemplate: "https://api.example/?q={query}"}},
		{ID: "feeds", Type: "feed", Disabled: true, Feed: FeedConfig{URLs: []string{"https://f.example/rss"}}},
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if l := r.ListEnabled(); len(l) != 1 || l[0].ID != "brave" || !l[0].Default {
		t.Fatalf("ListEnabled = %+v", l)
	}
	if _, err := Build([]ProviderConfig{{ID: "x", Type: "carrier-pigeon"}}, nil, nil); err == nil {
		t.Fatal("unknown type accepted")
	}
}

func apifetchConfig(path string) apifetch.Config {
	return apifetch.Config{ResultPath: path, Fields: map[string]string{"text": "description"}}
}
