package search

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/recette/ingest/internal/model"
)

// ProviderConfig declares one provider in the service configuration.
type ProviderConfig struct {
	ID                      string     `yaml:"id"`
	DisplayName             string     `yaml:"display_name"`
	Type                    string     `yaml:"type"` // "api" | "feed"
	Disabled                bool       `yaml:"disabled"`
	Default                 bool       `yaml:"default"`
	RateLimitPerMinute      int        `yaml:"rate_limit_per_minute"`
	MaxResults              int        `yaml:"max_results"`
	SupportsMarket          bool       `yaml:"supports_market"`
	SupportsSiteRestriction bool       `yaml:"supports_site_restriction"`
	API                     APIConfig  `yaml:"api"`
	Feed                    FeedConfig `yaml:"feed"`
}

// Descriptor returns the registry descriptor for c.
func (c ProviderConfig) Descriptor() model.ProviderDescriptor {
	return model.ProviderDescriptor{
		ID:          c.ID,
		DisplayName: c.DisplayName,
		Enabled:     !c.Disabled,
		Default:     c.Default,
		Capabilities: model.ProviderCapabilities{
			RateLimitPerMinute:      c.RateLimitPerMinute,
			SupportsMarket:          c.SupportsMarket,
			SupportsSiteRestriction: c.SupportsSiteRestriction,
			MaxResults:              c.MaxResults,
		},
	}
}

// Build creates a registry from provider declarations. client is shared by
// every provider; pass an SSRF-guarded client in production.
func Build(cfgs []ProviderConfig, client *http.Client, logger *slog.Logger) (*Registry, error) {
	opts := []Option{}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	r := NewRegistry(opts...)
	for _, c := range cfgs {
		var p Provider
		switch c.Type {
		case "api":
			if c.API.URLTemplate == "" {
				return nil, fmt.Errorf("search: provider %s: api.url_template is required", c.ID)
			}
			p = NewAPIProvider(c.ID, c.API, client)
		case "feed":
			if len(c.Feed.URLs) == 0 {
				return nil, fmt.Errorf("search: provider %s: feed.urls is required", c.ID)
			}
			p = NewFeedProvider(c.ID, c.Feed, client)
		default:
			return nil, fmt.Errorf("search: provider %s: unknown type %q", c.ID, c.Type)
		}
		if err := r.Register(c.Descriptor(), p); err != nil {
			return nil, err
		}
	}
	return r, nil
}
