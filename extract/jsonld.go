package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LDBlock is one recipe object found in a JSON-LD script, with its raw JSON.
type LDBlock struct {
	Recipe *RecipeData
	Raw    json.RawMessage
}

// JSONLD returns every schema.org Recipe found in the page's
// application/ld+json scripts, in document order. Scripts that are not valid
// JSON are skipped; invalid counts them.
func (p *Page) JSONLD() (blocks []LDBlock, invalid int) {
	p.Doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		text = strings.TrimSuffix(strings.TrimPrefix(text, "<!--"), "-->")
		text = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(text), "//<![CDATA["), "//]]>")
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			invalid++
			return
		}
		walkLD(v, func(obj map[string]any) {
			raw, _ := json.Marshal(obj)
			blocks = append(blocks, LDBlock{Recipe: recipeFromLD(obj), Raw: raw})
		})
	})
	return blocks, invalid
}

// walkLD visits every object typed Recipe: top-level objects, arrays,
// @graph members and mainEntity values.
func walkLD(v any, visit func(map[string]any)) {
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			walkLD(e, visit)
		}
	case map[string]any:
		if isRecipeType(t["@type"]) {
			visit(t)
			return
		}
		if g, ok := t["@graph"]; ok {
			walkLD(g, visit)
		}
		if me, ok := t["mainEntity"]; ok {
			walkLD(me, visit)
		}
	}
}

func isRecipeType(v any) bool {
	switch t := v.(type) {
	case string:
		name := t
		if i := strings.LastIndexAny(name, "/:"); i >= 0 {
			name = name[i+1:]
		}
		return strings.EqualFold(name, "Recipe")
	case []any:
		for _, e := range t {
			if isRecipeType(e) {
				return true
			}
		}
	}
	return false
}

func recipeFromLD(obj map[string]any) *RecipeData {
	d := &RecipeData{
		Name:          Clean(ldString(obj["name"])),
		Description:   Clean(ldString(obj["description"])),
		Yield:         ldYield(obj["recipeYield"]),
		PrepTime:      Clean(ldString(obj["prepTime"])),
		CookTime:      Clean(ldString(obj["cookTime"])),
		TotalTime:     Clean(ldString(obj["totalTime"])),
		Cuisine:       strings.Join(ldStrings(obj["recipeCuisine"]), ", "),
		Category:      strings.Join(ldStrings(obj["recipeCategory"]), ", "),
		Keywords:      ldKeywords(obj["keywords"]),
		Image:         ldURL(obj["image"]),
		Author:        strings.Join(ldNames(obj["author"]), ", "),
		Publisher:     strings.Join(ldNames(obj["publisher"]), ", "),
		License:       ldURL(obj["license"]),
		DatePublished: Clean(ldString(obj["datePublished"])),
		Language:      Clean(ldString(obj["inLanguage"])),
	}
	if d.Yield == "" {
		d.Yield = ldYield(obj["yield"])
	}
	ingredients := obj["recipeIngredient"]
	if ingredients == nil {
		ingredients = obj["ingredients"]
	}
	d.Ingredients = ldStrings(ingredients)
	d.Instructions = ldInstructions(obj["recipeInstructions"])
	return d
}

// ldString renders scalars; objects yield their "name" or "text".
func ldString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		if s := ldString(t["name"]); s != "" {
			return s
		}
		return ldString(t["text"])
	case []any:
		if len(t) > 0 {
			return ldString(t[0])
		}
	}
	return ""
}

// ldStrings flattens a string, number or array into cleaned non-empty
// values.
func ldStrings(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			out = append(out, ldStrings(e)...)
		}
	default:
		if s := Clean(ldString(t)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ldYield prefers a descriptive value ("8 slices") over a bare number.
func ldYield(v any) string {
	vals := ldStrings(v)
	for _, s := range vals {
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return s
		}
	}
	if len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func ldKeywords(v any) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range ldStrings(v) {
		for _, k := range strings.Split(s, ",") {
			k = strings.TrimSpace(k)
			if k != "" && !seen[strings.ToLower(k)] {
				seen[strings.ToLower(k)] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// ldURL accepts a URL string, an ImageObject/CreativeWork with url or @id,
// or an array of those (first wins).
func ldURL(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		if s := ldURL(t["url"]); s != "" {
			return s
		}
		if s := ldURL(t["contentUrl"]); s != "" {
			return s
		}
		return ldURL(t["@id"])
	case []any:
		for _, e := range t {
			if s := ldURL(e); s != "" {
				return s
			}
		}
	}
	return ""
}

// ldNames reads Person/Organization values: strings, objects with name, or
// arrays of either.
func ldNames(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			out = append(out, ldNames(e)...)
		}
	case map[string]any:
		if s := Clean(ldString(t["name"])); s != "" {
			out = append(out, s)
		}
	case string:
		if s := Clean(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ldInstructions flattens recipeInstructions: a text block (one step per
// line), an array of strings, HowToStep objects, HowToSection objects with
// itemListElement, or ItemList.
func ldInstructions(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		out = append(out, CleanLines(t)...)
	case []any:
		for _, e := range t {
			out = append(out, ldInstructions(e)...)
		}
	case map[string]any:
		if items, ok := t["itemListElement"]; ok {
			return ldInstructions(items)
		}
		text := Clean(ldString(t["text"]))
		if text == "" {
			text = Clean(ldString(t["name"]))
		}
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}
