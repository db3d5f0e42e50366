package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/hazyhaar/recette/dbopen"
	"github.com/hazyhaar/recette/ingest"
	"github.com/hazyhaar/recette/shield"
)

const tartPage = `<html><head><title>Lemon tart</title>
<script type="application/ld+json">{"@context":"https://schema.org","@type":"Recipe",
 "name":"Lemon tart","description":"A sharp tart.","recipeYield":"8",
 "recipeIngredient":["3 lemons","100 g sugar"],
 "recipeInstructions":[{"@type":"HowToStep","text":"Bake the shell."},{"@type":"HowToStep","text":"Fill and chill."}]}</script>
</head><body><article><h1>Lemon tart</h1><p>Bake the shell. Fill and chill.</p></article></body></html>`

func newAPI(t *testing.T) (*ingest.Service, *httptest.Server) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(shield.Schema))
	noModel := ingest.LLMFunc(func(context.Context, *ingest.LLMRequest) (*ingest.LLMResponse, error) {
		return nil, errors.New("no model in this test")
	})
	svc, err := ingest.New(db, nil,
		ingest.WithLLMClient(noModel),
		ingest.WithAddressPolicy(func(netip.Addr) bool { return false }))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	api := httptest.NewServer(newRouter(svc, shield.NewRateLimiter(db, "/health")))
	t.Cleanup(api.Close)
	return svc, api
}

func call(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, _ := http.NewRequest(method, url, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "ana")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestAPI_SubmitReviewCommit(t *testing.T) {
	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, tartPage)
	}))
	defer pages.Close()
	svc, api := newAPI(t)

	var st ingest.TaskState
	if code := call(t, "POST", api.URL+"/api/tasks", `{"mode":"url","url":"`+pages.URL+`/tart"}`, &st); code != http.StatusAccepted {
		t.Fatalf("submit = %d", code)
	}
	if ok, err := svc.ProcessNext(context.Background()); !ok || err != nil {
		t.Fatalf("process = %v %v", ok, err)
	}
	if code := call(t, "GET", api.URL+"/api/tasks/"+st.TaskID, "", &st); code != 200 || st.Status != "review_ready" {
		t.Fatalf("status = %d %s", code, st.Status)
	}

	// WHAT: a stale version is a 409 carrying the stable code.
	var failure map[string]any
	if code := call(t, "POST", api.URL+"/api/tasks/"+st.TaskID+"/commit", `{"version":999}`, &failure); code != http.StatusConflict || failure["code"] != "COMMIT_CONFLICT" {
		t.Fatalf("stale commit = %d %v", code, failure)
	}

	var res ingest.CommitResult
	body, _ := json.Marshal(map[string]any{"version": st.Version})
	if code := call(t, "POST", api.URL+"/api/tasks/"+st.TaskID+"/commit", string(body), &res); code != 200 || res.RecipeID == "" {
		t.Fatalf("commit = %d %+v", code, res)
	}

	var rec ingest.Recipe
	if code := call(t, "GET", api.URL+"/api/recipes/"+res.RecipeID, "", &rec); code != 200 || rec.Name != "Lemon tart" {
		t.Fatalf("recipe = %d %+v", code, rec)
	}
	var audit []ingest.AuditEntry
	// WHAT: both dispositions are audited under the X-Actor header.
	if code := call(t, "GET", api.URL+"/api/tasks/"+st.TaskID+"/audit", "", &audit); code != 200 || len(audit) != 2 {
		t.Fatalf("audit = %d %+v", code, audit)
	}
	for _, e := range audit {
		if e.Actor != "ana" {
			t.Fatalf("audit actor = %q", e.Actor)
		}
	}
	var evs struct {
		Events []ingest.Event `json:"events"`
		Next   int64          `json:"next"`
	}
	if code := call(t, "GET", api.URL+"/api/tasks/"+st.TaskID+"/events?after=0", "", &evs); code != 200 || len(evs.Events) == 0 {
		t.Fatalf("events = %d %+v", code, evs)
	}
}

func TestAPI_Errors(t *testing.T) {
	_, api := newAPI(t)
	var failure map[string]any

	if code := call(t, "POST", api.URL+"/api/tasks", `{"mode":"url"}`, &failure); code != http.StatusBadRequest || failure["code"] != "EMPTY_URL" {
		t.Fatalf("empty url = %d %v", code, failure)
	}
	if code := call(t, "POST", api.URL+"/api/tasks", `{"mode":`, &failure); code != http.StatusBadRequest || failure["code"] != "INVALID_PAYLOAD" {
		t.Fatalf("malformed = %d %v", code, failure)
	}
	if code := call(t, "GET", api.URL+"/api/tasks/tsk_missing", "", &failure); code != http.StatusNotFound || failure["code"] != "TASK_NOT_FOUND" {
		t.Fatalf("missing task = %d %v", code, failure)
	}
	if code := call(t, "GET", api.URL+"/api/recipes/rcp_missing", "", &failure); code != http.StatusNotFound {
		t.Fatalf("missing recipe = %d", code)
	}
	if code := call(t, "GET", api.URL+"/api/metrics?window=soon", "", &failure); code != http.StatusBadRequest {
		t.Fatalf("bad window = %d", code)
	}
	var providers []ingest.ProviderDescriptor
	if code := call(t, "GET", api.URL+"/api/providers", "", &providers); code != 200 || len(providers) != 0 {
		t.Fatalf("providers = %d %v", code, providers)
	}
	var health map[string]string
	if code := call(t, "GET", api.URL+"/health", "", &health); code != 200 || health["status"] != "ok" {
		t.Fatalf("health = %d", code)
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[string]int{
		"DRAFT_EXPIRED":        http.StatusGone,
		"PARAPHRASE_VIOLATION": http.StatusUnprocessableEntity,
		"INVALID_STATE":        http.StatusConflict,
		"SOMETHING_NEW":        http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusOf(code); got != want {
			t.Errorf("statusOf(%s) = %d, want %d", code, got, want)
		}
	}
}
