// Package extract pulls recipe data and readable text out of HTML pages:
// schema.org JSON-LD and microdata, the main content blocks, page metadata
// and a markdown snapshot.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is a parsed HTML document with the URL it was served from.
type Page struct {
	URL  *url.URL
	HTML []byte
	Doc  *goquery.Document
}

// Parse parses body as HTML served from pageURL.
func Parse(body []byte, pageURL string) (*Page, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("extract: page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}
	return &Page{URL: u, HTML: body, Doc: doc}, nil
}

// RecipeData is a recipe as found on a page, before mapping onto the
// canonical record. Text fields are sanitized and whitespace-collapsed.
type RecipeData struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Ingredients   []string `json:"ingredients"`
	Instructions  []string `json:"instructions"`
	Yield         string   `json:"yield,omitempty"`
	PrepTime      string   `json:"prepTime,omitempty"`
	CookTime      string   `json:"cookTime,omitempty"`
	TotalTime     string   `json:"totalTime,omitempty"`
	Cuisine       string   `json:"cuisine,omitempty"`
	Category      string   `json:"category,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	Image         string   `json:"image,omitempty"`
	Author        string   `json:"author,omitempty"`
	Publisher     string   `json:"publisher,omitempty"`
	License       string   `json:"license,omitempty"`
	DatePublished string   `json:"datePublished,omitempty"`
	Language      string   `json:"inLanguage,omitempty"`
}

// Usable reports whether d has enough to be worth reviewing.
func (d *RecipeData) Usable() bool {
	return d != nil && d.Name != "" && (len(d.Ingredients) > 0 || len(d.Instructions) > 0)
}

// Meta is page-level metadata from the document head.
type Meta struct {
	Title       string `json:"title,omitempty"`
	SiteName    string `json:"siteName,omitempty"`
	Canonical   string `json:"canonical,omitempty"`
	Lang        string `json:"lang,omitempty"`
	Author      string `json:"author,omitempty"`
	Description string `json:"description,omitempty"`
	License     string `json:"license,omitempty"`
}

// Meta reads title, site name, canonical link, language, author,
// description and license link.
func (p *Page) Meta() Meta {
	d := p.Doc
	m := Meta{
		Title:       Clean(d.Find("head title").First().Text()),
		SiteName:    attr(d.Find(`meta[property="og:site_name"]`), "content"),
		Canonical:   attr(d.Find(`link[rel="canonical"]`), "href"),
		Lang:        attr(d.Find("html"), "lang"),
		Author:      attr(d.Find(`meta[name="author"]`), "content"),
		Description: attr(d.Find(`meta[name="description"]`), "content"),
		License:     attr(d.Find(`link[rel="license"], a[rel="license"]`), "href"),
	}
	if m.Title == "" {
		m.Title = attr(d.Find(`meta[property="og:title"]`), "content")
	}
	if m.SiteName == "" && p.URL != nil {
		m.SiteName = strings.TrimPrefix(p.URL.Hostname(), "www.")
	}
	if m.Canonical != "" && p.URL != nil {
		if ref, err := p.URL.Parse(m.Canonical); err == nil {
			m.Canonical = ref.String()
		}
	}
	return m
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.First().Attr(name)
	return Clean(v)
}
