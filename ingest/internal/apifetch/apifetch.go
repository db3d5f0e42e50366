// Package apifetch calls a JSON API and maps the items found at a dot path
// into flat results. Header values may reference ${ENV_VAR} so secrets stay
// out of configuration files.
package apifetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/recette/horosafe"
)

// Config describes how to call and read one API.
type Config struct {
	Method     string            `yaml:"method" json:"method"`           // default GET
	Headers    map[string]string `yaml:"headers" json:"headers"`         // ${ENV_VAR} expanded
	ResultPath string            `yaml:"result_path" json:"result_path"` // "web.results"; empty: root array
	// Fields maps result keys (title, text, url, site, score) to dot paths
	// inside one item. Unmapped keys use the key itself.
	Fields   map[string]string `yaml:"fields" json:"fields"`
	MaxBytes int64             `yaml:"max_bytes" json:"max_bytes"` // default 2 MiB
}

// Result is one extracted item.
type Result struct {
	Title string  `json:"title"`
	Text  string  `json:"text"`
	URL   string  `json:"url"`
	Site  string  `json:"site,omitempty"`
	Score float64 `json:"score,omitempty"`
}

// StatusError is returned for a non-2xx reply.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("apifetch: http %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("apifetch: http %d", e.StatusCode)
}

// Fetch calls rawURL, decodes the JSON reply and extracts the items at
// cfg.ResultPath.
func Fetch(ctx context.Context, client *http.Client, rawURL string, cfg Config) ([]Result, error) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("apifetch: new request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, os.Expand(v, os.Getenv))
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apifetch: http: %w", err)
	}
	defer resp.Body.Close()

	limit := cfg.MaxBytes
	if limit <= 0 {
		limit = 2 << 20
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := horosafe.LimitedReadAll(resp.Body, 512)
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Body:       strings.TrimSpace(string(body)),
		}
	}
	body, err := horosafe.LimitedReadAll(resp.Body, limit)
	if err != nil {
		return nil, fmt.Errorf("apifetch: read body: %w", err)
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("apifetch: json decode: %w", err)
	}
	items, err := walkArray(raw, cfg.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("apifetch: walk path %q: %w", cfg.ResultPath, err)
	}

	results := make([]Result, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		results = append(results, extractFields(obj, cfg.Fields))
	}
	return results, nil
}

// walkArray follows a dot path and requires an array at its end. A missing
// key yields no items: APIs commonly omit the result list when empty.
func walkArray(v any, path string) ([]any, error) {
	if path != "" {
		var ok bool
		v, ok = walk(v, path)
		if !ok {
			return nil, nil
		}
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("not an array (%T)", v)
	}
	return arr, nil
}

func walk(v any, path string) (any, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func extractFields(obj map[string]any, fields map[string]string) Result {
	field := func(key string) any {
		path := key
		if p, ok := fields[key]; ok && p != "" {
			path = p
		}
		v, _ := walk(obj, path)
		return v
	}
	return Result{
		Title: asString(field("title")),
		Text:  asString(field("text")),
		URL:   asString(field("url")),
		Site:  asString(field("site")),
		Score: asFloat(field("score")),
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}

func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
