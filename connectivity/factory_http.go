package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hazyhaar/recette/horosafe"
)

// maxHTTPResponseBody caps model responses read from remote gateways (10 MiB).
const maxHTTPResponseBody int64 = 10 << 20

// httpConfig is the per-route config JSON.
type httpConfig struct {
	TimeoutMs    int64             `json:"timeout_ms"`
	Headers      map[string]string `json:"headers"`
	APIKeyEnv    string            `json:"api_key_env"`
	AllowPrivate bool              `json:"allow_private"`
}

// HTTPFactory creates Handlers that POST the JSON payload to a model gateway.
// Header values support ${ENV} expansion; api_key_env names an environment
// variable sent as a bearer token. Endpoints resolving to non-public
// addresses are refused unless the route sets allow_private (a gateway on
// the same host).
//
//	router.RegisterTransport("http", connectivity.HTTPFactory())
func HTTPFactory() TransportFactory {
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		var cfg httpConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, nil, fmt.Errorf("connectivity/http: route config: %w", err)
			}
		}
		if !cfg.AllowPrivate {
			if err := horosafe.ValidateURL(context.Background(), endpoint); err != nil {
				return nil, nil, fmt.Errorf("connectivity/http: %w", err)
			}
		}

		timeout := 60 * time.Second
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
		client := &http.Client{Timeout: timeout}

		handler := func(ctx context.Context, payload []byte) ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			for k, v := range cfg.Headers {
				req.Header.Set(k, os.ExpandEnv(v))
			}
			if cfg.APIKeyEnv != "" {
				if key := os.Getenv(cfg.APIKeyEnv); key != "" {
					req.Header.Set("Authorization", "Bearer "+key)
				}
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: do request: %w", err)
			}
			defer resp.Body.Close()

			body, err := horosafe.LimitedReadAll(resp.Body, maxHTTPResponseBody)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: read response: %w", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				snippet := string(body)
				if len(snippet) > 256 {
					snippet = snippet[:256]
				}
				return nil, &ErrRemoteStatus{StatusCode: resp.StatusCode, Body: snippet}
			}
			return body, nil
		}

		return handler, client.CloseIdleConnections, nil
	}
}
