package search

import (
	"net/url"
	"strings"

	"github.com/hazyhaar/recette/ingest/internal/model"
)

// Filter decides which candidate hosts are kept. Deny beats allow. A pattern
// matches the host itself and every subdomain of it.
type Filter struct {
	Allow []string
	Deny  []string
}

// Permits reports whether host passes the filter.
func (f Filter) Permits(host string) bool {
	host = canonicalHost(host)
	for _, d := range f.Deny {
		if matchDomain(host, d) {
			return false
		}
	}
	if len(f.Allow) == 0 {
		return true
	}
	for _, a := range f.Allow {
		if matchDomain(host, a) {
			return true
		}
	}
	return false
}

func matchDomain(host, pattern string) bool {
	p := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(pattern)), "*.")
	p = strings.Trim(p, ".")
	if p == "" {
		return false
	}
	p = strings.TrimPrefix(p, "www.")
	return host == p || strings.HasSuffix(host, "."+p)
}

func canonicalHost(h string) string {
	h = strings.ToLower(strings.TrimSuffix(h, "."))
	return strings.TrimPrefix(h, "www.")
}

// dedupeKey identifies a candidate URL regardless of fragment, trailing
// slash, scheme and a leading www.
func dedupeKey(u *url.URL) string {
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	key := canonicalHost(u.Hostname()) + path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

// normalizeCandidates filters, dedupes and ranks raw provider output. The
// provider's order is the ranking; missing scores decay with rank.
func normalizeCandidates(provider string, raw []model.SearchCandidate, f Filter, limit int) []model.SearchCandidate {
	out := make([]model.SearchCandidate, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, c := range raw {
		u, err := url.Parse(strings.TrimSpace(c.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
			continue
		}
		if !f.Permits(u.Hostname()) {
			continue
		}
		key := dedupeKey(u)
		if seen[key] {
			continue
		}
		seen[key] = true
		u.Fragment, u.RawFragment = "", ""
		c.URL = u.String()
		c.Title = strings.TrimSpace(c.Title)
		c.Snippet = strings.TrimSpace(c.Snippet)
		if c.SiteName == "" {
			c.SiteName = canonicalHost(u.Hostname())
		}
		c.ProviderID = provider
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i := range out {
		out[i].Position = i + 1
		switch {
		case out[i].Score <= 0:
			out[i].Score = 1 - float64(i)/float64(len(out))
		case out[i].Score > 1:
			out[i].Score = 1
		}
	}
	return out
}
