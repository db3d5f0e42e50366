package shield

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/hazyhaar/recette/idgen"
	"github.com/hazyhaar/recette/kit"
)

var (
	newRequestID = idgen.Prefixed("req_", idgen.Default)
	// validRequestID bounds caller-supplied ids before they reach logs.
	validRequestID = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)
)

// RequestID propagates the caller's X-Request-ID, or generates one, into
// the kit context, the response headers and a per-request logger stored
// under LoggerKey.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !validRequestID.MatchString(id) {
			id = newRequestID()
		}
		ctx := kit.WithRequestID(r.Context(), id)
		ctx = kit.WithRemoteAddr(ctx, ExtractIP(r))
		ctx = kit.WithTransport(ctx, "http")
		w.Header().Set("X-Request-ID", id)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Actor records the X-Actor header as the reviewer identity of the request.
// Authentication is left to the gateway in front of the API.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a := r.Header.Get("X-Actor"); a != "" {
			if len(a) > 128 {
				a = a[:128]
			}
			r = r.WithContext(kit.WithActor(r.Context(), a))
		}
		next.ServeHTTP(w, r)
	})
}
