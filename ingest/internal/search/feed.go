package search

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/recette/extract"
	"github.com/hazyhaar/recette/horosafe"
	"github.com/hazyhaar/recette/ingest/internal/model"
	"github.com/hazyhaar/recette/ingest/internal/similarity"
)

// FeedConfig configures a provider that searches a fixed set of RSS or Atom
// feeds, typically recipe sites' own feeds.
type FeedConfig struct {
	URLs     []string `yaml:"urls" json:"urls"`
	MaxBytes int64    `yaml:"max_bytes" json:"max_bytes"` // per feed, default 2 MiB
	// Parallel bounds concurrent feed downloads. Default 4.
	Parallel int `yaml:"parallel" json:"parallel"`
}

// FeedProvider scores feed items against the query terms.
type FeedProvider struct {
	id     string
	cfg    FeedConfig
	client *http.Client
}

// NewFeedProvider creates a feed provider.
func NewFeedProvider(id string, cfg FeedConfig, client *http.Client) *FeedProvider {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 2 << 20
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &FeedProvider{id: id, cfg: cfg, client: client}
}

// Search downloads every feed and keeps items containing at least one query
// term, best matches first. A feed that fails is skipped; the search fails
// only when every feed failed.
func (p *FeedProvider) Search(ctx context.Context, q Query) ([]model.SearchCandidate, error) {
	terms := similarity.Tokenize(q.Text, 3)
	if len(terms) == 0 {
		return nil, &ProviderError{Provider: p.id, Kind: KindInvalidQuery, Err: fmt.Errorf("query %q has no usable terms", q.Text)}
	}

	var (
		mu       sync.Mutex
		items    []model.SearchCandidate
		failures []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Parallel)
	for _, u := range p.cfg.URLs {
		g.Go(func() error {
			feed, err := p.fetch(gctx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return nil
			}
			items = append(items, scoreItems(feed, terms)...)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(failures) > 0 && len(failures) == len(p.cfg.URLs) {
		return nil, classify(p.id, failures[0])
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	return items, nil
}

func (p *FeedProvider) fetch(ctx context.Context, u string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", u, err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.5")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{Provider: p.id, Kind: KindFromStatus(resp.StatusCode), StatusCode: resp.StatusCode, Err: fmt.Errorf("feed %s", u)}
	}
	body, err := horosafe.LimitedReadAll(resp.Body, p.cfg.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", u, err)
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("feed %s: parse: %w", u, err)
	}
	return feed, nil
}

// scoreItems gives each item the share of query terms it contains, title
// hits counting double.
func scoreItems(feed *gofeed.Feed, terms []string) []model.SearchCandidate {
	var out []model.SearchCandidate
	for _, it := range feed.Items {
		if it.Link == "" {
			continue
		}
		summary := it.Description
		if summary == "" {
			summary = it.Content
		}
		summary = extract.Clean(summary)
		title := strings.Join(similarity.Tokenize(it.Title, 1), " ")
		body := strings.Join(similarity.Tokenize(summary+" "+strings.Join(it.Categories, " "), 1), " ")

		var hits float64
		for _, t := range terms {
			switch {
			case containsWord(title, t):
				hits += 2
			case containsWord(body, t):
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, model.SearchCandidate{
			URL:      it.Link,
			Title:    strings.TrimSpace(it.Title),
			Snippet:  truncateWords(summary, 40),
			SiteName: strings.TrimSpace(feed.Title),
			Score:    hits / float64(2*len(terms)),
		})
	}
	return out
}

func containsWord(text, w string) bool {
	return strings.Contains(" "+text+" ", " "+w+" ")
}

func truncateWords(s string, n int) string {
	f := strings.Fields(s)
	if len(f) <= n {
		return s
	}
	return strings.Join(f[:n], " ") + "..."
}
