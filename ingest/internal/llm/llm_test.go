package llm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hazyhaar/recette/connectivity"
	"github.com/hazyhaar/recette/ingest/internal/model"
)

type recipeReply struct {
	Name        string   `json:"name"`
	Ingredients []string `json:"ingredients"`
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		ok   bool
		want string
	}{
		{"bare", `{"name":"Tart","ingredients":["lemon"]}`, true, "Tart"},
		{"fenced", "Here you go:\n```json\n{\"name\":\"Soup\"}\n```\nEnjoy", true, "Soup"},
		{"prose around", `Sure! {"name":"Pie {with} braces"} hope it helps`, true, "Pie {with} braces"},
		{"no json", "I cannot help with that.", false, ""},
		{"truncated", `{"name":"Cut`, false, ""},
		{"wrong shape", `{"name":42}`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseJSON[recipeReply](tt.text)
			if got.OK() != tt.ok {
				t.Fatalf("OK = %v, want %v (err=%v)", got.OK(), tt.ok, got.Err)
			}
			if tt.ok && got.Value.Name != tt.want {
				t.Fatalf("name = %q, want %q", got.Value.Name, tt.want)
			}
			if !tt.ok && got.Status != ParseFailed {
				t.Fatalf("status = %s", got.Status)
			}
		})
	}
}

func TestExtractJSON_SkipsInvalidCandidates(t *testing.T) {
	// WHAT: a bracketed aside before the payload is skipped.
	// WHY: models often write "[note]" before the object.
	frag, ok := ExtractJSON(`[see below] {"a":1}`)
	if !ok || frag != `{"a":1}` {
		t.Fatalf("ExtractJSON = %q, %v", frag, ok)
	}
}

func TestRouterClient(t *testing.T) {
	r := connectivity.New()
	var seen Request
	r.RegisterLocal(PhaseExtract, func(ctx context.Context, payload []byte) ([]byte, error) {
		if err := json.Unmarshal(payload, &seen); err != nil {
			return nil, err
		}
		return []byte(`{"choices":[{"message":{"content":"{\"name\":\"x\"}"}}],"model":"m-1"}`), nil
	})
	c := NewRouterClient(r, nil)

	resp, err := c.Complete(context.Background(), &Request{Phase: PhaseExtract, Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != `{"name":"x"}` || resp.Model != "m-1" {
		t.Fatalf("resp = %+v", resp)
	}
	if seen.Prompt != "hi" {
		t.Fatalf("handler saw %+v", seen)
	}

	// WHAT: an unrouted phase maps to LLM_UNAVAILABLE.
	if _, err := c.Complete(context.Background(), &Request{Phase: PhaseNormalize}); !Unavailable(err) {
		t.Fatalf("unrouted: %v", err)
	}

	// WHAT: a noop route disables the phase.
	r.SetRoutes([]connectivity.Route{{Phase: PhaseParaphrase, Strategy: "noop"}})
	_, err = c.Complete(context.Background(), &Request{Phase: PhaseParaphrase})
	if model.CodeOf(err) != model.CodeLLMUnavailable {
		t.Fatalf("noop: code %s", model.CodeOf(err))
	}
}

func TestRouterClient_PlainTextReply(t *testing.T) {
	r := connectivity.New()
	r.RegisterLocal(PhaseRepairJSON, func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte("not json at all"), nil
	})
	resp, err := NewRouterClient(r, nil).Complete(context.Background(), &Request{Phase: PhaseRepairJSON})
	if err != nil || resp.Text != "not json at all" {
		t.Fatalf("resp = %+v, %v", resp, err)
	}
}

func TestCatalogRender(t *testing.T) {
	c := DefaultCatalog()
	req, err := c.Render(PhaseExtract, PhaseExtract, map[string]any{"URL": "https://a.example/r", "Content": "Lemon tart"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(req.Prompt, "https://a.example/r") || !strings.Contains(req.Prompt, "Lemon tart") {
		t.Fatalf("prompt = %q", req.Prompt)
	}
	if req.Phase != PhaseExtract || req.System == "" || !req.JSON {
		t.Fatalf("req = %+v", req)
	}

	alt, err := c.Render(PhaseExtract, "extract_concise", map[string]any{"URL": "u", "Content": "c"})
	if err != nil || !strings.Contains(alt.Prompt, "Keys: name") {
		t.Fatalf("alternate = %+v, %v", alt, err)
	}

	// WHAT: a prompt registered for another phase is not used.
	// WHY: an override of "extract" must never run the normalize prompt.
	fb, err := c.Render(PhaseExtract, "normalize", map[string]any{"URL": "u", "Content": "c"})
	if err != nil || !strings.Contains(fb.Prompt, "Page URL") {
		t.Fatalf("cross-phase override = %+v, %v", fb, err)
	}

	norm, err := c.Render(PhaseNormalize, PhaseNormalize, map[string]any{"Recipe": "{}", "FocusAreas": []string{"units", "casing"}})
	if err != nil || !strings.Contains(norm.Prompt, "units, casing") {
		t.Fatalf("normalize = %+v, %v", norm, err)
	}
}

func TestCatalogMerge(t *testing.T) {
	extra, err := ParseCatalog([]byte("extract:\n  template: \"custom {{.URL}}\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	c := DefaultCatalog()
	c.Merge(extra)
	req, err := c.Render(PhaseExtract, "", map[string]any{"URL": "u"})
	if err != nil || req.Prompt != "custom u" {
		t.Fatalf("merged = %+v, %v", req, err)
	}
	if _, err := ParseCatalog([]byte("bad:\n  template: \"{{.Oops\"\n")); err == nil {
		t.Fatal("broken template accepted")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "h" {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Fatalf("Truncate = %q", got)
	}
}
