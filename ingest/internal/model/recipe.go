package model

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// ExtractionMethod records which extractor produced a draft.
type ExtractionMethod string

const (
	MethodJSONLD    ExtractionMethod = "jsonld"
	MethodHeuristic ExtractionMethod = "heuristic"
	MethodLLM       ExtractionMethod = "llm"
)

// Source is the provenance of a recipe.
type Source struct {
	URL              string           `json:"url"`
	URLHash          string           `json:"urlHash"`
	SiteName         string           `json:"siteName,omitempty"`
	Author           string           `json:"author,omitempty"`
	RetrievedAt      time.Time        `json:"retrievedAt"`
	ExtractionMethod ExtractionMethod `json:"extractionMethod"`
	LicenseHint      string           `json:"licenseHint,omitempty"`
}

// Empty reports whether the source carries no provenance at all.
func (s *Source) Empty() bool {
	return s == nil || (s.URL == "" && s.SiteName == "" && s.Author == "")
}

// HashURL returns the hex sha256 of a normalized URL.
func HashURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return hex.EncodeToString(sum[:])
}

// Ingredient is one line of the ingredient list. Raw is always kept; the
// parsed fields are best-effort.
type Ingredient struct {
	Raw      string `json:"raw"`
	Quantity string `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Name     string `json:"name,omitempty"`
	Note     string `json:"note,omitempty"`
}

// Recipe is the canonical persisted record.
type Recipe struct {
	ID           string       `json:"id,omitempty"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Ingredients  []Ingredient `json:"ingredients"`
	Instructions []string     `json:"instructions"`
	Yield        string       `json:"yield,omitempty"`
	PrepTime     string       `json:"prepTime,omitempty"`
	CookTime     string       `json:"cookTime,omitempty"`
	TotalTime    string       `json:"totalTime,omitempty"`
	Cuisine      string       `json:"cuisine,omitempty"`
	Category     string       `json:"category,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	Image        string       `json:"image,omitempty"`
	Language     string       `json:"inLanguage,omitempty"`
	Source       *Source      `json:"source,omitempty"`
	CreatedAt    time.Time    `json:"createdAt,omitzero"`
	UpdatedAt    time.Time    `json:"updatedAt,omitzero"`
}

// IngredientStrings returns the raw ingredient lines.
func (r *Recipe) IngredientStrings() []string {
	out := make([]string, 0, len(r.Ingredients))
	for _, in := range r.Ingredients {
		out = append(out, in.Raw)
	}
	return out
}

var (
	quantityRe = regexp.MustCompile(`^((?:\d+\s+)?\d+(?:[.,/]\d+)?|[¼½¾⅓⅔⅛]|\d+[¼½¾⅓⅔⅛])(?:\s*(?:-|to)\s*\d+(?:[.,/]\d+)?)?\s*`)
	noteRe     = regexp.MustCompile(`\s*[,(]\s*(.+?)\)?\s*$`)
)

var knownUnits = map[string]string{
	"cup": "cup", "cups": "cup", "c": "cup",
	"tablespoon": "tbsp", "tablespoons": "tbsp", "tbsp": "tbsp", "tbs": "tbsp", "t": "tbsp",
	"teaspoon": "tsp", "teaspoons": "tsp", "tsp": "tsp",
	"gram": "g", "grams": "g", "g": "g",
	"kilogram": "kg", "kilograms": "kg", "kg": "kg",
	"milliliter": "ml", "milliliters": "ml", "ml": "ml",
	"liter": "l", "liters": "l", "litre": "l", "litres": "l", "l": "l",
	"ounce": "oz", "ounces": "oz", "oz": "oz",
	"pound": "lb", "pounds": "lb", "lb": "lb", "lbs": "lb",
	"pinch": "pinch", "clove": "clove", "cloves": "clove",
	"can": "can", "cans": "can", "slice": "slice", "slices": "slice",
}

// ParseIngredient splits a free-text ingredient line into quantity, unit,
// name and note. Lines it cannot split keep the whole text as Name.
func ParseIngredient(raw string) Ingredient {
	line := strings.Join(strings.Fields(raw), " ")
	in := Ingredient{Raw: line}
	rest := line
	if m := quantityRe.FindStringSubmatch(rest); m != nil && m[0] != "" {
		in.Quantity = strings.TrimSpace(m[0])
		rest = rest[len(m[0]):]
	}
	if in.Quantity != "" {
		word, tail, _ := strings.Cut(rest, " ")
		if unit, ok := knownUnits[strings.TrimSuffix(strings.ToLower(word), ".")]; ok {
			in.Unit = unit
			rest = tail
		}
	}
	if m := noteRe.FindStringSubmatchIndex(rest); m != nil && m[0] > 0 {
		in.Note = strings.TrimSpace(rest[m[2]:m[3]])
		rest = rest[:m[0]]
	}
	in.Name = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), "of "))
	if in.Name == "" {
		in.Name = line
	}
	return in
}

// ParseIngredients maps ParseIngredient over lines, dropping blanks.
func ParseIngredients(lines []string) []Ingredient {
	out := make([]Ingredient, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, ParseIngredient(l))
	}
	return out
}
