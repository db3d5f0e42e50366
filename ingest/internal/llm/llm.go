// Package llm is the port through which the pipeline talks to language
// models. Provider and model are resolved per logical phase by the router;
// callers name the phase and hand over a rendered prompt.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/hazyhaar/recette/connectivity"
	"github.com/hazyhaar/recette/ingest/internal/model"
)

// Logical phases routed independently.
const (
	PhaseExtract    = "extract"
	PhaseRepairJSON = "repair_json"
	PhaseParaphrase = "paraphrase"
	PhaseNormalize  = "normalize"
)

// Request is one chat completion.
type Request struct {
	Phase       string  `json:"phase"`
	TaskID      string  `json:"task_id,omitempty"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
	JSON        bool    `json:"json,omitempty"` // ask for a JSON-only reply
}

// Response is the model reply. Text is untrusted.
type Response struct {
	Text     string `json:"text"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Client is the LLM chat port.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to Client.
type Func func(ctx context.Context, req *Request) (*Response, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

// RouterClient implements Client over a connectivity.Router: each phase is a
// route, and the route's model fills Request.Model when the caller left it
// empty.
type RouterClient struct {
	router *connectivity.Router
	logger *slog.Logger
}

// NewRouterClient wraps router.
func NewRouterClient(router *connectivity.Router, logger *slog.Logger) *RouterClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouterClient{router: router, logger: logger}
}

// gatewayReply accepts the reply shapes of the gateways we route to.
type gatewayReply struct {
	Text    string `json:"text"`
	Content string `json:"content"`
	Output  string `json:"output"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete routes req by phase.
func (c *RouterClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	rt, ok := c.router.Route(req.Phase)
	if !ok {
		return nil, model.Errorf(model.CodeLLMUnavailable, "no model configured for phase %s", req.Phase)
	}
	if req.Model == "" {
		req.Model = rt.Model
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}

	raw, err := c.router.Call(ctx, req.Phase, payload)
	if err != nil {
		var disabled *connectivity.ErrRouteDisabled
		var noRoute *connectivity.ErrNoRoute
		if errors.As(err, &disabled) || errors.As(err, &noRoute) {
			return nil, model.Wrap(model.CodeLLMUnavailable, err, "phase %s unavailable", req.Phase)
		}
		return nil, fmt.Errorf("llm: %s call: %w", req.Phase, err)
	}

	resp := &Response{Model: req.Model, Provider: rt.Provider}
	var reply gatewayReply
	if json.Unmarshal(raw, &reply) == nil {
		switch {
		case reply.Text != "":
			resp.Text = reply.Text
		case reply.Content != "":
			resp.Text = reply.Content
		case reply.Output != "":
			resp.Text = reply.Output
		case len(reply.Choices) > 0:
			resp.Text = reply.Choices[0].Message.Content
		default:
			resp.Text = string(raw)
		}
		if reply.Model != "" {
			resp.Model = reply.Model
		}
	} else {
		resp.Text = string(raw)
	}
	c.logger.DebugContext(ctx, "llm reply",
		"phase", req.Phase, "task_id", req.TaskID, "model", resp.Model, "chars", len(resp.Text))
	return resp, nil
}

// Unavailable reports whether err means the phase has no usable model.
func Unavailable(err error) bool {
	return model.CodeOf(err) == model.CodeLLMUnavailable
}

// Truncate cuts s to at most n bytes on a rune boundary.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
