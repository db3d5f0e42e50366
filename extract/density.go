package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// minDensityText is the shortest subtree text the density scan considers.
const minDensityText = 80

// densest returns the element under root with the best text-to-markup
// ratio, discounting link-heavy and boilerplate regions. Nil when no
// element has minLen bytes of text.
func densest(root *goquery.Selection, minLen int) *goquery.Selection {
	var (
		best      *html.Node
		bestScore float64
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
			return
		}
		if isBoilerplate(n) {
			return
		}
		if isContainer(n.DataAtom) {
			sel := goquery.NewDocumentFromNode(n).Selection
			text := Clean(sel.Text())
			if len(text) >= minLen {
				markup, _ := goquery.OuterHtml(sel)
				linkDens := float64(len(Clean(sel.Find("a").Text()))) / float64(len(text))
				if linkDens <= 0.5 {
					density := float64(len(text)) / float64(max(len(markup), 1))
					score := density * logScale(len(text)) * (1 - linkDens)
					if score > bestScore {
						best, bestScore = n, score
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range root.Nodes {
		walk(n)
	}
	if best == nil {
		return nil
	}
	return goquery.NewDocumentFromNode(best).Selection
}

func isContainer(a atom.Atom) bool {
	switch a {
	case atom.Article, atom.Main, atom.Section, atom.Div, atom.Body, atom.Ul, atom.Ol, atom.Td:
		return true
	}
	return false
}

var boilerplateHints = []string{"nav", "menu", "footer", "sidebar", "comment", "share", "advert", "cookie", "newsletter", "related"}

func isBoilerplate(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Nav, atom.Footer, atom.Aside, atom.Header, atom.Script, atom.Style, atom.Noscript, atom.Form:
		return true
	}
	for _, a := range n.Attr {
		if a.Key != "class" && a.Key != "id" && a.Key != "role" {
			continue
		}
		v := strings.ToLower(a.Val)
		for _, hint := range boilerplateHints {
			if strings.Contains(v, hint) {
				return true
			}
		}
	}
	return false
}

// logScale grows by one per doubling of n above 100.
func logScale(n int) float64 {
	if n <= 0 {
		return 0
	}
	scale := 1.0
	for v := n; v > 100; v /= 2 {
		scale++
	}
	return scale
}
