package extract

import (
	"fmt"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

var mdConverter = sync.OnceValue(func() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
})

// Markdown renders the page as markdown with links resolved against its
// URL. It is the human-readable snapshot kept with a draft.
func (p *Page) Markdown() (string, error) {
	html, err := p.Doc.Find("body").Html()
	if err != nil || html == "" {
		html = string(p.HTML)
	}
	domain := ""
	if p.URL != nil && p.URL.Host != "" {
		domain = p.URL.Scheme + "://" + p.URL.Host
	}
	md, err := mdConverter().ConvertString(html, converter.WithDomain(domain))
	if err != nil {
		return "", fmt.Errorf("extract: markdown: %w", err)
	}
	return md, nil
}
