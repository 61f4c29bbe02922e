// Package agent calls the LLM for structured reconciliation, classification
// and signal extraction. Every response is validated against its schema
// before a caller sees it.
package agent

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/tender-intel/internal/config"
	"github.com/sells-group/tender-intel/internal/metrics"
	"github.com/sells-group/tender-intel/internal/resilience"
	"github.com/sells-group/tender-intel/internal/schema"
	"github.com/sells-group/tender-intel/internal/tracing"
	"github.com/sells-group/tender-intel/pkg/anthropic"
)

// ErrConfiguration is returned when the gateway has no API key.
var ErrConfiguration = eris.New("agent: anthropic.key is not configured")

const systemBase = "You are a procurement analytics agent. Return only strict JSON that matches schema."

// Request is one structured agent call.
type Request struct {
	Task   string
	Input  any
	Schema *schema.Schema
}

// Gateway sends prompts to the completion service and validates the
// structured output.
type Gateway struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter
	policy    resilience.Policy
}

// NewGateway builds a gateway. A nil client is replaced by the SDK client
// for cfg.Anthropic.Key.
func NewGateway(cfg *config.Config, client anthropic.Client) (*Gateway, error) {
	if strings.TrimSpace(cfg.Anthropic.Key) == "" {
		return nil, ErrConfiguration
	}
	if client == nil {
		client = anthropic.NewClient(cfg.Anthropic.Key)
	}

	limit := rate.Inf
	if cfg.Anthropic.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.Anthropic.RequestsPerSecond)
	}
	burst := cfg.Anthropic.Burst
	if burst <= 0 {
		burst = 1
	}
	maxTokens := cfg.Anthropic.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	return &Gateway{
		client:    client,
		model:     cfg.Anthropic.Model,
		maxTokens: maxTokens,
		limiter:   rate.NewLimiter(limit, burst),
		policy:    resilience.NewPolicy("anthropic", cfg.Retry, &cfg.Circuit, anthropic.IsTransient),
	}, nil
}

// Call runs one agent request, validates the output against req.Schema and
// decodes it into out. Schema failures are returned as *schema.ValidationError.
func (g *Gateway) Call(ctx context.Context, req Request, out any) (err error) {
	name := req.Schema.Name()
	ctx, span := tracing.StartSpan(ctx, "agent."+name, attribute.String("model", g.model))
	start := time.Now()
	defer func() {
		metrics.AgentDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		metrics.AgentCalls.WithLabelValues(name, outcome(err)).Inc()
		tracing.End(span, err)
	}()

	user, err := userPrompt(req.Task, req.Input)
	if err != nil {
		return err
	}

	msg := anthropic.MessageRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    []anthropic.SystemBlock{{Text: systemBase, CacheControl: &anthropic.CacheControl{TTL: "5m"}}},
		Messages:  []anthropic.Message{{Role: "user", Content: user}},
		Tool: &anthropic.Tool{
			Name:        name,
			Description: "Structured result for: " + req.Task,
			InputSchema: req.Schema.JSON(),
		},
	}

	resp, err := resilience.Call(ctx, g.policy, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "agent: rate limiter")
		}
		return g.client.CreateMessage(ctx, msg)
	})
	if err != nil {
		return eris.Wrapf(err, "agent: %s call", name)
	}

	resp.Usage.LogCost(g.model, name)
	metrics.AgentTokens.WithLabelValues(name, "input").Add(float64(resp.Usage.InputTokens))
	metrics.AgentTokens.WithLabelValues(name, "output").Add(float64(resp.Usage.OutputTokens))

	text := cleanJSON(resp.Output())
	if text == "" {
		return eris.Errorf("agent: %s returned no output", name)
	}

	if err := req.Schema.Decode([]byte(text), out); err != nil {
		zap.L().Warn("agent: output failed schema validation",
			zap.String("agent", name),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func outcome(err error) string {
	var verr *schema.ValidationError
	switch {
	case err == nil:
		return "ok"
	case eris.As(err, &verr):
		return "invalid"
	default:
		return "error"
	}
}

// cleanJSON strips markdown code fences around a JSON payload.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
