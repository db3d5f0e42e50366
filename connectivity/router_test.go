package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	_ "modernc.org/sqlite"
)

// setupTestDB creates an in-memory SQLite database with the llm_routes schema.
// MaxOpenConns=1 keeps every query on the same in-memory database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func echoFactory(builds *int32) TransportFactory {
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		if builds != nil {
			atomic.AddInt32(builds, 1)
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte("remote:" + endpoint), nil
		}, nil, nil
	}
}

func TestRegisterLocal_and_Call(t *testing.T) {
	r := New()
	r.RegisterLocal("extract", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	resp, err := r.Call(context.Background(), "extract", []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp) != "hello" {
		t.Fatalf("got %q, want %q", resp, "hello")
	}
	rt, ok := r.Route("extract")
	if !ok || rt.Strategy != "local" {
		t.Fatalf("Route(extract) = %+v, %v", rt, ok)
	}
}

func TestCall_NoRoute(t *testing.T) {
	r := New()
	_, err := r.Call(context.Background(), "paraphrase", nil)
	var nr *ErrNoRoute
	if !errors.As(err, &nr) {
		t.Fatalf("expected ErrNoRoute, got %T: %v", err, err)
	}
	if nr.Phase != "paraphrase" {
		t.Fatalf("got phase %q", nr.Phase)
	}
}

func TestReload_NoopDisablesPhase(t *testing.T) {
	db := setupTestDB(t)
	r := New()
	r.RegisterLocal("normalize", func(ctx context.Context, payload []byte) ([]byte, error) {
		t.Fatal("local handler should not be called for noop")
		return nil, nil
	})
	if err := UpsertRoute(context.Background(), db, Route{Phase: "normalize", Strategy: "noop"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	_, err := r.Call(context.Background(), "normalize", []byte("data"))
	var disabled *ErrRouteDisabled
	if !errors.As(err, &disabled) {
		t.Fatalf("expected ErrRouteDisabled, got %v", err)
	}
}

func TestReload_RemoteOverridesLocal(t *testing.T) {
	db := setupTestDB(t)
	r := New()
	r.RegisterLocal("extract", func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte("local"), nil
	})
	r.RegisterTransport("http", echoFactory(nil))

	err := UpsertRoute(context.Background(), db, Route{
		Phase: "extract", Strategy: "http", Endpoint: "http://gateway:8080", Provider: "openai", Model: "gpt-4o-mini",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	resp, err := r.Call(context.Background(), "extract", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "remote:http://gateway:8080" {
		t.Fatalf("expected remote to override local, got %q", resp)
	}
	rt, _ := r.Route("extract")
	if rt.Model != "gpt-4o-mini" || rt.Provider != "openai" {
		t.Fatalf("route metadata lost: %+v", rt)
	}
}

func TestReload_UnchangedRoutePreservesHandler(t *testing.T) {
	db := setupTestDB(t)
	r := New()
	var builds int32
	r.RegisterTransport("http", echoFactory(&builds))

	if err := UpsertRoute(context.Background(), db, Route{Phase: "extract", Strategy: "http", Endpoint: "http://a"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := r.Reload(context.Background(), db); err != nil {
			t.Fatal(err)
		}
	}
	if c := atomic.LoadInt32(&builds); c != 1 {
		t.Fatalf("expected 1 build across unchanged reloads, got %d", c)
	}
}

func TestReload_ChangedRouteRebuildsAndCloses(t *testing.T) {
	db := setupTestDB(t)
	r := New()
	closed := false
	r.RegisterTransport("http", func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte(endpoint), nil
		}, func() { closed = true }, nil
	})

	ctx := context.Background()
	if err := UpsertRoute(ctx, db, Route{Phase: "extract", Strategy: "http", Endpoint: "http://old"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx, db); err != nil {
		t.Fatal(err)
	}
	if err := UpsertRoute(ctx, db, Route{Phase: "extract", Strategy: "http", Endpoint: "http://new"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx, db); err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Fatal("old handler close function not called")
	}
	resp, err := r.Call(ctx, "extract", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "http://new" {
		t.Fatalf("expected new endpoint, got %q", resp)
	}
}

func TestSetRoutes_FromConfig(t *testing.T) {
	r := New()
	r.RegisterTransport("http", echoFactory(nil))
	r.SetRoutes([]Route{
		{Phase: "extract", Strategy: "http", Endpoint: "http://x"},
		{Phase: "paraphrase", Strategy: "noop"},
	})
	if got := r.Routes(); len(got) != 2 || got[0].Phase != "extract" {
		t.Fatalf("Routes() = %+v", got)
	}
	if _, err := r.Call(context.Background(), "extract", nil); err != nil {
		t.Fatal(err)
	}
}

func TestMiddleware_AppliedToEveryCall(t *testing.T) {
	var seen int32
	count := func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			atomic.AddInt32(&seen, 1)
			return next(ctx, payload)
		}
	}
	r := New(WithMiddleware(count, Recovery(nil)))
	r.RegisterLocal("extract", func(ctx context.Context, payload []byte) ([]byte, error) {
		panic("boom")
	})
	_, err := r.Call(context.Background(), "extract", nil)
	var p *ErrPanic
	if !errors.As(err, &p) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
	if atomic.LoadInt32(&seen) != 1 {
		t.Fatalf("middleware ran %d times", seen)
	}
}

func TestHTTPFactory_PostsAndReportsStatus(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sekret")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sekret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) == "fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	h, closeFn, err := HTTPFactory()(srv.URL, json.RawMessage(`{"api_key_env":"TEST_LLM_KEY","allow_private":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	resp, err := h(context.Background(), []byte("prompt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != `{"text":"ok"}` {
		t.Fatalf("got %q", resp)
	}

	_, err = h(context.Background(), []byte("fail"))
	var rs *ErrRemoteStatus
	if !errors.As(err, &rs) || rs.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 ErrRemoteStatus, got %v", err)
	}
}

func TestHTTPFactory_RefusesPrivateEndpoint(t *testing.T) {
	if _, _, err := HTTPFactory()("http://127.0.0.1:9/v1", nil); err == nil {
		t.Fatal("expected loopback endpoint to be refused without allow_private")
	}
}
