// Package search resolves discovery providers by id and runs queries through
// them. Every provider sits behind the same guard: domain filters, a
// per-minute rate limit and candidate normalization. A transient failure may
// fall back once to the default provider when the caller opted in.
package search

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/hazyhaar/recette/ingest/internal/model"
)

// Query is what a provider receives after the guard has prepared it.
type Query struct {
	Text         string
	Market       string
	AllowDomains []string
	MaxResults   int
}

// Provider is one search backend. Implementations return raw candidates;
// Position, ProviderID and SiteName are filled by the guard.
type Provider interface {
	Search(ctx context.Context, q Query) ([]model.SearchCandidate, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, q Query) ([]model.SearchCandidate, error)

// Search calls f.
func (f ProviderFunc) Search(ctx context.Context, q Query) ([]model.SearchCandidate, error) {
	return f(ctx, q)
}

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindRateLimited   ErrorKind = "rate_limited"
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindUnavailable   ErrorKind = "unavailable"
	KindTimeout       ErrorKind = "timeout"
	KindAuth          ErrorKind = "auth"
	KindInvalidQuery  ErrorKind = "invalid_query"
	KindNotFound      ErrorKind = "not_found"
)

// ProviderError is a classified provider failure.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("search: provider %s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether another provider might serve the same query.
func (e *ProviderError) Transient() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	switch e.Kind {
	case KindRateLimited, KindQuotaExceeded, KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// KindFromStatus maps an HTTP status to an error kind.
func KindFromStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusNotFound || code == http.StatusGone:
		return KindNotFound
	case code == http.StatusGatewayTimeout || code == http.StatusRequestTimeout:
		return KindTimeout
	case code >= 500:
		return KindUnavailable
	default:
		return KindInvalidQuery
	}
}

// classify turns any provider error into a ProviderError. Unclassified
// transport failures count as unavailable.
func classify(provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = provider
		}
		return pe
	}
	kind := KindUnavailable
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}
