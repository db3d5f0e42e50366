package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/atom"
)

// Microdata reads the first schema.org Recipe item marked up with
// itemscope/itemprop. It returns nil when the page has none.
func (p *Page) Microdata() *RecipeData {
	scope := p.Doc.Find("[itemscope][itemtype]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		t, _ := s.Attr("itemtype")
		for _, typ := range strings.Fields(t) {
			if isRecipeType(typ) {
				return true
			}
		}
		return false
	}).First()
	if scope.Length() == 0 {
		return nil
	}

	item := microItem{scope: scope}
	d := &RecipeData{
		Name:          item.first("name"),
		Description:   item.first("description"),
		Yield:         item.first("recipeYield"),
		PrepTime:      item.first("prepTime"),
		CookTime:      item.first("cookTime"),
		TotalTime:     item.first("totalTime"),
		Cuisine:       strings.Join(item.all("recipeCuisine"), ", "),
		Category:      strings.Join(item.all("recipeCategory"), ", "),
		Keywords:      ldKeywords(toAny(item.all("keywords"))),
		Image:         item.first("image"),
		Author:        strings.Join(item.all("author"), ", "),
		Publisher:     item.first("publisher"),
		License:       item.first("license"),
		DatePublished: item.first("datePublished"),
		Language:      item.first("inLanguage"),
	}
	d.Ingredients = item.all("recipeIngredient")
	if len(d.Ingredients) == 0 {
		d.Ingredients = item.all("ingredients")
	}
	d.Instructions = item.instructions()
	return d
}

type microItem struct {
	scope *goquery.Selection
}

// props returns the elements carrying itemprop name that belong to this
// item, not to an item nested inside it.
func (m microItem) props(name string) *goquery.Selection {
	root := m.scope.Get(0)
	return m.scope.Find(`[itemprop~="` + name + `"]`).FilterFunction(func(_ int, s *goquery.Selection) bool {
		owner := s.Parent().Closest("[itemscope]")
		return owner.Length() > 0 && owner.Get(0) == root
	})
}

func (m microItem) all(name string) []string {
	var out []string
	m.props(name).Each(func(_ int, s *goquery.Selection) {
		if v := propValue(s); v != "" {
			out = append(out, v)
		}
	})
	return out
}

func (m microItem) first(name string) string {
	if vals := m.all(name); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// instructions splits a single container into its list items, or keeps one
// step per itemprop element.
func (m microItem) instructions() []string {
	sel := m.props("recipeInstructions")
	if sel.Length() == 1 {
		if li := sel.Find("li"); li.Length() > 0 {
			var out []string
			li.Each(func(_ int, s *goquery.Selection) {
				if t := Clean(s.Text()); t != "" {
					out = append(out, t)
				}
			})
			return out
		}
		if h, err := sel.Html(); err == nil {
			return CleanLines(strings.NewReplacer("<br>", "\n", "<br/>", "\n", "</p>", "</p>\n").Replace(h))
		}
	}
	var out []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if v := propValue(s); v != "" {
			out = append(out, v)
		}
	})
	return out
}

// propValue follows the microdata value rules: content attribute first,
// then the element-specific attribute, then text. A nested item yields its
// own name.
func propValue(s *goquery.Selection) string {
	if _, nested := s.Attr("itemscope"); nested {
		name := microItem{scope: s}.first("name")
		if name != "" {
			return name
		}
		return Clean(s.Text())
	}
	if v, ok := s.Attr("content"); ok {
		return Clean(v)
	}
	n := s.Get(0)
	var key string
	switch n.DataAtom {
	case atom.Img, atom.Audio, atom.Video, atom.Source:
		key = "src"
	case atom.A, atom.Link, atom.Area:
		key = "href"
	case atom.Time:
		key = "datetime"
	case atom.Meta:
		key = "content"
	case atom.Data, atom.Meter:
		key = "value"
	}
	if key != "" {
		if v, ok := s.Attr(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return Clean(s.Text())
}

func toAny(vals []string) any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
