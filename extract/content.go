package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// BlockKind classifies a content block for budget trimming.
type BlockKind string

const (
	BlockHeading   BlockKind = "heading"
	BlockList      BlockKind = "list"
	BlockParagraph BlockKind = "paragraph"
)

// Block is one unit of readable content.
type Block struct {
	Kind BlockKind `json:"kind"`
	Text string    `json:"text"`
}

// Readable is the main content of a page.
type Readable struct {
	Title    string  `json:"title,omitempty"`
	Byline   string  `json:"byline,omitempty"`
	SiteName string  `json:"siteName,omitempty"`
	Excerpt  string  `json:"excerpt,omitempty"`
	Text     string  `json:"text"`
	Blocks   []Block `json:"blocks"`
	// Method is "readability" or "density".
	Method string `json:"method"`
}

// minReadableText is the text length under which readability's pick is
// distrusted and the density scan is used instead.
const minReadableText = 200

// Readable isolates the main content with go-readability and splits it
// into heading, list and paragraph blocks. Pages readability cannot handle
// fall back to the densest subtree of the document.
func (p *Page) Readable() *Readable {
	r := &Readable{Method: "readability"}
	var contentHTML string
	article, err := readability.FromReader(bytes.NewReader(p.HTML), p.URL)
	if err == nil && len(strings.TrimSpace(article.TextContent)) >= minReadableText {
		r.Title = Clean(article.Title)
		r.Byline = Clean(article.Byline)
		r.SiteName = Clean(article.SiteName)
		r.Excerpt = Clean(article.Excerpt)
		contentHTML = article.Content
	} else {
		r.Method = "density"
		r.Title = Clean(p.Doc.Find("title").First().Text())
		if best := densest(p.Doc.Selection, minDensityText); best != nil {
			contentHTML, _ = goquery.OuterHtml(best)
		} else {
			contentHTML, _ = p.Doc.Find("body").Html()
		}
	}

	r.Blocks = blocksOf(contentHTML)
	texts := make([]string, 0, len(r.Blocks))
	for _, b := range r.Blocks {
		texts = append(texts, b.Text)
	}
	r.Text = strings.Join(texts, "\n")
	return r
}

// blocksOf walks h1-h4, li and p in document order. Paragraphs inside list
// items are folded into the item.
func blocksOf(fragment string) []Block {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	doc.Find("script, style, noscript, nav, footer, aside, form").Remove()

	var out []Block
	doc.Find("h1, h2, h3, h4, li, p").Each(func(_ int, s *goquery.Selection) {
		text := Clean(s.Text())
		if text == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "h1", "h2", "h3", "h4":
			out = append(out, Block{Kind: BlockHeading, Text: text})
		case "li":
			if s.ParentsFiltered("li").Length() > 0 {
				return
			}
			out = append(out, Block{Kind: BlockList, Text: text})
		case "p":
			if s.ParentsFiltered("li").Length() > 0 {
				return
			}
			out = append(out, Block{Kind: BlockParagraph, Text: text})
		}
	})
	if len(out) == 0 {
		if text := Clean(doc.Text()); text != "" {
			out = append(out, Block{Kind: BlockParagraph, Text: text})
		}
	}
	return out
}

// TrimToBudget renders blocks as text of at most budget bytes. Headings and
// list items are kept first since they carry ingredient lists and step
// titles; paragraphs fill what budget remains. Document order is preserved.
// A budget <= 0 keeps everything.
func TrimToBudget(blocks []Block, budget int) string {
	lines := make([]string, len(blocks))
	for i, b := range blocks {
		switch b.Kind {
		case BlockHeading:
			lines[i] = "## " + b.Text
		case BlockList:
			lines[i] = "- " + b.Text
		default:
			lines[i] = b.Text
		}
	}
	if budget <= 0 {
		return strings.Join(lines, "\n")
	}

	keep := make([]bool, len(blocks))
	used := 0
	take := func(pred func(BlockKind) bool) {
		for i, b := range blocks {
			if keep[i] || !pred(b.Kind) {
				continue
			}
			cost := len(lines[i]) + 1
			if used+cost > budget {
				continue
			}
			keep[i] = true
			used += cost
		}
	}
	take(func(k BlockKind) bool { return k == BlockHeading || k == BlockList })
	take(func(k BlockKind) bool { return k == BlockParagraph })

	var b strings.Builder
	for i, ok := range keep {
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(lines[i])
	}
	if b.Len() == 0 && len(lines) > 0 {
		return truncateRunes(lines[0], budget)
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut]
}
