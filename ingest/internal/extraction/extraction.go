// Package extraction turns a fetched page into a recipe: structured data
// (JSON-LD, then microdata) when the page has it, otherwise the extract
// model over the page's readable content, with a bounded JSON repair loop.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/recette/extract"
	"github.com/hazyhaar/recette/ingest/internal/acquire"
	"github.com/hazyhaar/recette/ingest/internal/llm"
	"github.com/hazyhaar/recette/ingest/internal/model"
)

// Config tunes extraction.
type Config struct {
	// MinConfidence is the model-reported confidence below which a reply is
	// sent back for repair. Default: 0.6.
	MinConfidence float64 `yaml:"min_confidence"`
	// ContentBudget caps the page text handed to the model, in bytes.
	// Default: 12000.
	ContentBudget int `yaml:"content_budget"`
	// MaxJSONRepairs bounds repair calls per task, shared between the
	// extract phase and the post-validation repair. Default: 2.
	MaxJSONRepairs int `yaml:"max_json_repairs"`
	// Languages are the ISO 639-1 codes recipe text is classified into when
	// the page declares none. Default: en, fr, de, es, it.
	Languages []string `yaml:"languages"`
	// NoLanguageDetection leaves the language empty when undeclared.
	NoLanguageDetection bool `yaml:"no_language_detection"`
}

func (c *Config) defaults() {
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.6
	}
	if c.ContentBudget <= 0 {
		c.ContentBudget = 12000
	}
	if c.MaxJSONRepairs <= 0 {
		c.MaxJSONRepairs = 2
	}
}

// Result is the outcome of extraction for one page.
type Result struct {
	Recipe     model.Recipe           `json:"recipe"`
	Source     model.Source           `json:"source"`
	Method     model.ExtractionMethod `json:"method"`
	Confidence float64                `json:"confidence"`
	// SourceText is what the guardrail compares the draft against.
	SourceText string          `json:"sourceText"`
	JSONLD     json.RawMessage `json:"jsonld,omitempty"`
	Meta       extract.Meta    `json:"meta"`
	Snapshot   string          `json:"-"`
	// LLMReply is the last raw model reply, kept for repair prompts.
	LLMReply    string `json:"-"`
	JSONRepairs int    `json:"jsonRepairs"`
	LLMCalls    int    `json:"llmCalls"`
}

// Extractor runs the extraction fallback chain.
type Extractor struct {
	cfg     Config
	client  llm.Client
	prompts *llm.Catalog
	logger  *slog.Logger
	lang    *languageDetector
}

// New creates an Extractor. client may be nil, in which case pages without
// structured data fail with EXTRACTION_FAILED.
func New(cfg Config, client llm.Client, prompts *llm.Catalog, logger *slog.Logger) *Extractor {
	cfg.defaults()
	if prompts == nil {
		prompts = llm.DefaultCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{cfg: cfg, client: client, prompts: prompts, logger: logger, lang: newLanguageDetector(cfg.Languages)}
}

// modelRecipe is the reply shape asked of the extract and repair prompts.
type modelRecipe struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Ingredients  []string `json:"ingredients"`
	Instructions []string `json:"instructions"`
	Yield        string   `json:"yield"`
	PrepTime     string   `json:"prepTime"`
	CookTime     string   `json:"cookTime"`
	TotalTime    string   `json:"totalTime"`
	Cuisine      string   `json:"cuisine"`
	Category     string   `json:"category"`
	Confidence   *float64 `json:"confidence"`
}

// Extract runs structured extraction first; the model is called only when
// the page has no usable JSON-LD or microdata recipe.
func (e *Extractor) Extract(ctx context.Context, task *model.IngestTask, page *acquire.Page) (*Result, error) {
	pageURL := page.FinalURL
	if pageURL == "" {
		pageURL = page.URL
	}
	doc, err := extract.Parse(page.Body, pageURL)
	if err != nil {
		return nil, model.Wrap(model.CodeExtractionFailed, err, "page is not parsable html")
	}
	log := e.logger.With("task_id", task.ID, "url", pageURL)

	res := &Result{Meta: doc.Meta()}
	readable := doc.Readable()
	if md, err := doc.Markdown(); err == nil {
		res.Snapshot = md
	} else {
		log.Warn("markdown snapshot failed", "error", err)
	}

	var data *extract.RecipeData
	blocks, invalid := doc.JSONLD()
	if invalid > 0 {
		log.Debug("invalid json-ld scripts skipped", "count", invalid)
	}
	for _, b := range blocks {
		if b.Recipe.Usable() {
			data, res.JSONLD, res.Method, res.Confidence = b.Recipe, b.Raw, model.MethodJSONLD, 1
			break
		}
	}
	if data == nil {
		if md := doc.Microdata(); md.Usable() {
			data, res.Method, res.Confidence = md, model.MethodHeuristic, 0.8
		}
	}

	if data != nil {
		res.Recipe = recipeFrom(data, doc)
		res.Recipe.Language = e.language(data.Language, res.Meta.Lang, &res.Recipe)
		// Structured fields are page text too; the draft must not echo them.
		res.SourceText = strings.Join(append([]string{readable.Text, data.Description}, data.Instructions...), "\n")
		res.Source = e.source(page, res, readable, data)
		log.Info("structured recipe found", "method", res.Method, "ingredients", len(res.Recipe.Ingredients))
		return res, nil
	}

	res.SourceText = readable.Text
	if e.client == nil {
		return nil, model.Errorf(model.CodeExtractionFailed, "page has no structured recipe data and no extract model is configured")
	}
	content := extract.TrimToBudget(readable.Blocks, e.cfg.ContentBudget)
	if strings.TrimSpace(content) == "" {
		return nil, model.Errorf(model.CodeExtractionFailed, "page has no readable content")
	}

	req, err := e.prompts.Render(llm.PhaseExtract, task.PromptFor(llm.PhaseExtract), map[string]any{
		"URL":     pageURL,
		"Content": content,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction: %w", err)
	}
	req.TaskID = task.ID
	resp, err := e.client.Complete(ctx, req)
	res.LLMCalls++
	if err != nil {
		return nil, e.callErr(ctx, err)
	}
	res.LLMReply = resp.Text

	mr, problems := e.check(resp.Text)
	for len(problems) > 0 {
		if res.JSONRepairs >= e.cfg.MaxJSONRepairs {
			return nil, model.Errorf(model.CodeLLMExtractionFailed, "model reply unusable after %d repairs: %s",
				res.JSONRepairs, strings.Join(problems, "; ")).WithDetail("repairs", res.JSONRepairs)
		}
		log.Warn("extract reply needs repair", "problems", problems, "repair", res.JSONRepairs+1)
		text, err := e.repair(ctx, task, res, problems)
		if err != nil {
			return nil, err
		}
		mr, problems = e.check(text)
	}

	res.Method = model.MethodLLM
	res.Confidence = confidence(mr, e.cfg.MinConfidence)
	res.Recipe = recipeFromModel(mr)
	res.Recipe.Language = e.language("", res.Meta.Lang, &res.Recipe)
	res.Source = e.source(page, res, readable, nil)
	return res, nil
}

// RepairJSON sends the current recipe back to the model with validation
// problems and replaces it with the corrected version. It fails with
// VALIDATION_FAILED when the repair budget is spent.
func (e *Extractor) RepairJSON(ctx context.Context, task *model.IngestTask, res *Result, problems []string) error {
	if e.client == nil || res.JSONRepairs >= e.cfg.MaxJSONRepairs {
		return model.Errorf(model.CodeValidationFailed, "draft invalid: %s", strings.Join(problems, "; ")).
			WithDetail("repairs", res.JSONRepairs)
	}
	if res.LLMReply == "" {
		cur, _ := json.Marshal(toModel(&res.Recipe))
		res.LLMReply = string(cur)
	}
	text, err := e.repair(ctx, task, res, problems)
	if err != nil {
		return err
	}
	mr, bad := e.check(text)
	if len(bad) > 0 {
		return model.Errorf(model.CodeValidationFailed, "repair reply unusable: %s", strings.Join(bad, "; ")).
			WithDetail("repairs", res.JSONRepairs)
	}
	prov, lang := res.Recipe.Source, res.Recipe.Language
	res.Recipe = recipeFromModel(mr)
	res.Recipe.Source, res.Recipe.Language = prov, lang
	if res.Method != model.MethodLLM {
		res.Method = model.MethodLLM
		res.Source.ExtractionMethod = model.MethodLLM
	}
	return nil
}

// MaxRepairs reports the configured repair budget.
func (e *Extractor) MaxRepairs() int { return e.cfg.MaxJSONRepairs }

func (e *Extractor) repair(ctx context.Context, task *model.IngestTask, res *Result, problems []string) (string, error) {
	req, err := e.prompts.Render(llm.PhaseRepairJSON, task.PromptFor(llm.PhaseRepairJSON), map[string]any{
		"Previous": llm.Truncate(res.LLMReply, e.cfg.ContentBudget),
		"Problems": problems,
	})
	if err != nil {
		return "", fmt.Errorf("extraction: %w", err)
	}
	req.TaskID = task.ID
	res.JSONRepairs++
	res.LLMCalls++
	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		return "", e.callErr(ctx, err)
	}
	res.LLMReply = resp.Text
	return resp.Text, nil
}

// check parses a reply and lists what makes it unacceptable.
func (e *Extractor) check(text string) (modelRecipe, []string) {
	parsed := llm.ParseJSON[modelRecipe](text)
	if !parsed.OK() {
		return modelRecipe{}, []string{"reply is not a valid JSON object: " + parsed.Err.Error()}
	}
	mr := parsed.Value
	var problems []string
	if strings.TrimSpace(mr.Name) == "" {
		problems = append(problems, "name is missing")
	}
	if len(mr.Ingredients) == 0 {
		problems = append(problems, "ingredients are missing")
	}
	if len(mr.Instructions) == 0 {
		problems = append(problems, "instructions are missing")
	}
	if c := confidence(mr, e.cfg.MinConfidence); c < e.cfg.MinConfidence {
		problems = append(problems, fmt.Sprintf("confidence %.2f is below %.2f", c, e.cfg.MinConfidence))
	}
	return mr, problems
}

func (e *Extractor) callErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return model.Wrap(model.CodeCancelled, ctx.Err(), "extraction cancelled")
	}
	if llm.Unavailable(err) {
		return err
	}
	return model.Wrap(model.CodeLLMExtractionFailed, err, "extract model call failed")
}

// confidence treats a reply that omits confidence as meeting the floor.
func confidence(mr modelRecipe, floor float64) float64 {
	if mr.Confidence == nil {
		return floor
	}
	return *mr.Confidence
}

func (e *Extractor) source(page *acquire.Page, res *Result, readable *extract.Readable, data *extract.RecipeData) model.Source {
	canonical := res.Meta.Canonical
	if canonical == "" {
		canonical = page.FinalURL
	}
	if canonical == "" {
		canonical = page.URL
	}
	src := model.Source{
		URL:              page.URL,
		URLHash:          model.HashURL(canonical),
		SiteName:         firstNonEmpty(res.Meta.SiteName, readable.SiteName),
		Author:           firstNonEmpty(readable.Byline, res.Meta.Author),
		RetrievedAt:      page.FetchedAt,
		ExtractionMethod: res.Method,
		LicenseHint:      res.Meta.License,
	}
	if data != nil {
		src.Author = firstNonEmpty(data.Author, src.Author)
		src.LicenseHint = firstNonEmpty(data.License, src.LicenseHint)
		if data.Publisher != "" && src.SiteName == "" {
			src.SiteName = data.Publisher
		}
	}
	return src
}

func recipeFrom(d *extract.RecipeData, doc *extract.Page) model.Recipe {
	r := model.Recipe{
		Name:         d.Name,
		Description:  d.Description,
		Ingredients:  model.ParseIngredients(d.Ingredients),
		Instructions: d.Instructions,
		Yield:        d.Yield,
		PrepTime:     d.PrepTime,
		CookTime:     d.CookTime,
		TotalTime:    d.TotalTime,
		Cuisine:      d.Cuisine,
		Category:     d.Category,
		Tags:         d.Keywords,
		Image:        d.Image,
	}
	if r.Image != "" && doc.URL != nil {
		if u, err := doc.URL.Parse(r.Image); err == nil {
			r.Image = u.String()
		}
	}
	return r
}

func recipeFromModel(m modelRecipe) model.Recipe {
	var steps []string
	for _, s := range m.Instructions {
		if s = extract.Clean(s); s != "" {
			steps = append(steps, s)
		}
	}
	lines := make([]string, 0, len(m.Ingredients))
	for _, l := range m.Ingredients {
		lines = append(lines, extract.Clean(l))
	}
	return model.Recipe{
		Name:         extract.Clean(m.Name),
		Description:  extract.Clean(m.Description),
		Ingredients:  model.ParseIngredients(lines),
		Instructions: steps,
		Yield:        extract.Clean(m.Yield),
		PrepTime:     strings.TrimSpace(m.PrepTime),
		CookTime:     strings.TrimSpace(m.CookTime),
		TotalTime:    strings.TrimSpace(m.TotalTime),
		Cuisine:      extract.Clean(m.Cuisine),
		Category:     extract.Clean(m.Category),
	}
}

func toModel(r *model.Recipe) modelRecipe {
	return modelRecipe{
		Name:         r.Name,
		Description:  r.Description,
		Ingredients:  r.IngredientStrings(),
		Instructions: r.Instructions,
		Yield:        r.Yield,
		PrepTime:     r.PrepTime,
		CookTime:     r.CookTime,
		TotalTime:    r.TotalTime,
		Cuisine:      r.Cuisine,
		Category:     r.Category,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
