package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/recette/ingest"
	"github.com/hazyhaar/recette/shield"
)

// newRouter mounts the JSON API of svc.
func newRouter(svc *ingest.Service, rl *shield.RateLimiter) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack(rl) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var task ingest.Task
			if !decode(w, r, &task) {
				return
			}
			st, err := svc.Submit(r.Context(), &task)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, st)
		})

		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				st, err := svc.Status(r.Context(), chi.URLParam(r, "taskID"))
				respond(w, st, err)
			})
			r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
				after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
				evs, next, err := svc.Events(r.Context(), chi.URLParam(r, "taskID"), after, queryInt(r, "limit", 100))
				if err != nil {
					writeError(w, err)
					return
				}
				if evs == nil {
					evs = []ingest.Event{}
				}
				writeJSON(w, 200, map[string]any{"events": evs, "next": next})
			})
			r.Get("/audit", func(w http.ResponseWriter, r *http.Request) {
				entries, err := svc.Audit(r.Context(), chi.URLParam(r, "taskID"))
				respond(w, entries, err)
			})
			r.Post("/commit", func(w http.ResponseWriter, r *http.Request) {
				var req ingest.CommitRequest
				if !decode(w, r, &req) {
					return
				}
				req.TaskID = chi.URLParam(r, "taskID")
				res, err := svc.Commit(r.Context(), req)
				respond(w, res, err)
			})
			r.Post("/reject", func(w http.ResponseWriter, r *http.Request) {
				var req ingest.RejectRequest
				if !decode(w, r, &req) {
					return
				}
				req.TaskID = chi.URLParam(r, "taskID")
				st, err := svc.Reject(r.Context(), req)
				respond(w, st, err)
			})
			r.Post("/normalize", func(w http.ResponseWriter, r *http.Request) {
				var req ingest.NormalizeRequest
				if !decode(w, r, &req) {
					return
				}
				req.TaskID = chi.URLParam(r, "taskID")
				res, err := svc.Normalize(r.Context(), req)
				respond(w, res, err)
			})
			r.Post("/cancel", func(w http.ResponseWriter, r *http.Request) {
				st, err := svc.Cancel(r.Context(), chi.URLParam(r, "taskID"))
				respond(w, st, err)
			})
			r.Post("/resume", func(w http.ResponseWriter, r *http.Request) {
				st, err := svc.Resume(r.Context(), chi.URLParam(r, "taskID"))
				respond(w, st, err)
			})
		})
	})

	r.Get("/api/recipes", func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.Recipes(r.Context())
		if list == nil {
			list = []*ingest.Recipe{}
		}
		respond(w, list, err)
	})
	r.Get("/api/recipes/{recipeID}", func(w http.ResponseWriter, r *http.Request) {
		rec, version, err := svc.Recipe(r.Context(), chi.URLParam(r, "recipeID"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(version, 10)))
		writeJSON(w, 200, rec)
	})

	r.Get("/api/providers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, svc.Providers())
	})
	r.Put("/api/providers/{providerID}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if !decode(w, r, &req) {
			return
		}
		if err := svc.SetProviderEnabled(chi.URLParam(r, "providerID"), req.Enabled); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, map[string]any{"id": chi.URLParam(r, "providerID"), "enabled": req.Enabled})
	})

	r.Get("/api/breakers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, svc.Breakers())
	})
	r.Delete("/api/breakers/{domain}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, svc.ResetBreaker(chi.URLParam(r, "domain")))
	})

	r.Get("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
		window := time.Hour
		if v := r.URL.Query().Get("window"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				writeJSON(w, 400, map[string]string{"code": "INVALID_PAYLOAD", "error": "window: " + err.Error()})
				return
			}
			window = d
		}
		sums, err := svc.Metrics(r.Context(), time.Now().Add(-window))
		respond(w, sums, err)
	})
	return r
}

// statusOf maps a stable error code to an HTTP status.
func statusOf(code string) int {
	switch code {
	case "TASK_NOT_FOUND", "RECIPE_NOT_FOUND":
		return http.StatusNotFound
	case "COMMIT_CONFLICT", "INVALID_STATE", "ALREADY_COMMITTED":
		return http.StatusConflict
	case "DRAFT_EXPIRED":
		return http.StatusGone
	case "INVALID_PAYLOAD", "EMPTY_URL", "INVALID_URL_FORMAT", "INVALID_SCHEME",
		"CREDENTIALS_IN_URL", "MISSING_HOST", "UNKNOWN_SEARCH_PROVIDER", "DISABLED_SEARCH_PROVIDER":
		return http.StatusBadRequest
	case "VALIDATION_FAILED", "INVALID_EDIT", "INVALID_PATCH", "PARAPHRASE_VIOLATION":
		return http.StatusUnprocessableEntity
	case "CANCELLED":
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		msg := err.Error()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		writeJSON(w, 400, map[string]string{"code": "INVALID_PAYLOAD", "error": msg})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	p := ingest.ErrorDetails(err)
	status := statusOf(p.Code)
	if status == http.StatusInternalServerError {
		// Internal causes stay in the logs.
		slog.Error("request failed", "error", err)
		p.Message = "internal error"
		p.Details = nil
	}
	writeJSON(w, status, map[string]any{"code": p.Code, "error": p.Message, "details": p.Details})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
