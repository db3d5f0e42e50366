package search

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hazyhaar/recette/ingest/internal/apifetch"
	"github.com/hazyhaar/recette/ingest/internal/model"
)

// APIConfig configures a JSON search API provider. URLTemplate may contain
// {query}, {market} and {count}; each is query-escaped.
type APIConfig struct {
	URLTemplate string          `yaml:"url_template" json:"url_template"`
	Fetch       apifetch.Config `yaml:"fetch" json:"fetch"`
}

// APIProvider queries a JSON search API.
type APIProvider struct {
	id     string
	cfg    APIConfig
	client *http.Client
}

// NewAPIProvider creates a provider. A nil client uses apifetch's default.
func NewAPIProvider(id string, cfg APIConfig, client *http.Client) *APIProvider {
	return &APIProvider{id: id, cfg: cfg, client: client}
}

// Search calls the API and maps its items to candidates.
func (p *APIProvider) Search(ctx context.Context, q Query) ([]model.SearchCandidate, error) {
	if q.Text == "" {
		return nil, &ProviderError{Provider: p.id, Kind: KindInvalidQuery, Err: errors.New("empty query")}
	}
	text := q.Text
	if len(q.AllowDomains) > 0 {
		sites := make([]string, len(q.AllowDomains))
		for i, d := range q.AllowDomains {
			sites[i] = "site:" + d
		}
		text += " (" + strings.Join(sites, " OR ") + ")"
	}
	u := strings.NewReplacer(
		"{query}", url.QueryEscape(text),
		"{market}", url.QueryEscape(q.Market),
		"{count}", strconv.Itoa(q.MaxResults),
	).Replace(p.cfg.URLTemplate)

	results, err := apifetch.Fetch(ctx, p.client, u, p.cfg.Fetch)
	if err != nil {
		var se *apifetch.StatusError
		if errors.As(err, &se) {
			return nil, &ProviderError{Provider: p.id, Kind: KindFromStatus(se.StatusCode), StatusCode: se.StatusCode, Err: err}
		}
		return nil, err
	}
	out := make([]model.SearchCandidate, 0, len(results))
	for _, r := range results {
		out = append(out, model.SearchCandidate{
			URL:      r.URL,
			Title:    r.Title,
			Snippet:  r.Text,
			SiteName: r.Site,
			Score:    r.Score,
		})
	}
	return out, nil
}
