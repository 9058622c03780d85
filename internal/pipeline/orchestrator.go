package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"smsagent/internal/domain"
	"smsagent/internal/rules"
)

// Candidate is a response produced by the orchestrator, before the
// guardrail chain has seen it.
type Candidate struct {
	Text     string
	Source   domain.Source
	RuleName string
}

// Orchestrator turns one sanitized inbound message into a response
// candidate: rule matches answer directly, everything else goes to the
// completion provider with a fallback when generation fails.
type Orchestrator struct {
	engine    *rules.Engine
	provider  domain.CompletionProvider
	prompts   *PromptBuilder
	store     domain.StateStore
	fallback  func() string
	model     string
	maxTokens int
	temp      float64
	timeout   time.Duration
	enabled   bool
	logger    *slog.Logger
}

// OrchestratorOptions carries the generation settings for one Orchestrator.
type OrchestratorOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Enabled     bool
}

func NewOrchestrator(engine *rules.Engine, provider domain.CompletionProvider, prompts *PromptBuilder, store domain.StateStore, fallback func() string, opts OrchestratorOptions, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		engine:    engine,
		provider:  provider,
		prompts:   prompts,
		store:     store,
		fallback:  fallback,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		temp:      opts.Temperature,
		timeout:   opts.Timeout,
		enabled:   opts.Enabled,
		logger:    logger,
	}
}

// Respond produces the candidate for one inbound message. Rule matches
// never touch the provider. When generation is disabled or fails after a
// retry, the candidate comes from the fallback set.
func (o *Orchestrator) Respond(ctx context.Context, inbound string, summary ContextSummary) Candidate {
	if m := o.engine.Match(inbound); m != nil {
		o.logger.Debug("rule matched", "rule", m.Rule.Name)
		return Candidate{Text: m.Response, Source: domain.SourceRule, RuleName: m.Rule.Name}
	}

	if !o.enabled || o.provider == nil {
		return Candidate{Text: o.fallback(), Source: domain.SourceFallback}
	}

	text, err := o.generate(ctx, inbound, summary)
	if err != nil {
		o.logger.Warn("generation failed, using fallback", "err", err)
		return Candidate{Text: o.fallback(), Source: domain.SourceFallback}
	}
	return Candidate{Text: text, Source: domain.SourceGenerated}
}

func (o *Orchestrator) generate(ctx context.Context, inbound string, summary ContextSummary) (string, error) {
	req := &domain.CompletionRequest{
		Messages:    o.prompts.Build(inbound, summary),
		Model:       o.model,
		MaxTokens:   o.maxTokens,
		Temperature: o.temp,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		resp, err := o.provider.Complete(callCtx, req)
		cancel()
		if err != nil {
			lastErr = err
			o.logCompletion(ctx, req, nil, err)
			continue
		}
		o.logCompletion(ctx, req, resp, nil)
		return resp.Content, nil
	}
	return "", lastErr
}

// logCompletion records the provider call for auditing. Audit failures
// are logged but never fail the response.
func (o *Orchestrator) logCompletion(ctx context.Context, req *domain.CompletionRequest, resp *domain.CompletionResponse, callErr error) {
	if o.store == nil {
		return
	}
	entry := domain.CompletionLog{
		RequestID: uuid.NewString(),
		Provider:  o.provider.Name(),
		Model:     req.Model,
		Prompt:    req.Messages[len(req.Messages)-1].Content,
		Status:    "ok",
	}
	if resp != nil {
		entry.Response = resp.Content
		entry.Tokens = resp.Usage.TotalTokens
		entry.LatencyMs = resp.LatencyMs
		if resp.Model != "" {
			entry.Model = resp.Model
		}
	}
	if callErr != nil {
		entry.Status = "error"
		entry.Error = callErr.Error()
	}
	if err := o.store.LogCompletion(ctx, entry); err != nil {
		o.logger.Warn("cannot log completion", "err", err)
	}
}
