package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Category classifies a request for routing.
type Category string

const (
	CategoryRoutine       Category = "routine"
	CategoryNPCDecision   Category = "npc_decision"
	CategoryNPCBatch      Category = "npc_batch"
	CategoryAgentDecision Category = "agent_decision"
	CategoryDialogue      Category = "dialogue"
)

// Default provider names used by DefaultRules.
const (
	DefaultLocalName  = "local"
	DefaultRemoteName = "remote"
)

// Rule maps a category to its backends and request defaults.
type Rule struct {
	Primary     string
	Fallback    string
	MaxTokens   int
	Temperature float64
	Format      Format
}

// DefaultRules returns the built-in routing table.
func DefaultRules() map[Category]Rule {
	return map[Category]Rule{
		CategoryRoutine:       {Primary: DefaultRemoteName, Fallback: DefaultLocalName, MaxTokens: 1500, Temperature: 0.7, Format: FormatJSON},
		CategoryNPCDecision:   {Primary: DefaultLocalName, Fallback: DefaultRemoteName, MaxTokens: 400, Temperature: 0.6, Format: FormatJSON},
		CategoryNPCBatch:      {Primary: DefaultLocalName, Fallback: DefaultRemoteName, MaxTokens: 1200, Temperature: 0.6, Format: FormatJSON},
		CategoryAgentDecision: {Primary: DefaultRemoteName, Fallback: DefaultLocalName, MaxTokens: 600, Temperature: 0.7, Format: FormatJSON},
		CategoryDialogue:      {Primary: DefaultLocalName, Fallback: DefaultRemoteName, MaxTokens: 200, Temperature: 0.9, Format: FormatText},
	}
}

// Router sends categorized requests to a primary backend and falls back to a
// secondary one when the primary is missing, unavailable or fails.
type Router struct {
	registry *Registry
	tracer   trace.Tracer

	mu    sync.RWMutex
	rules map[Category]Rule
}

// NewRouter creates a router over reg. A nil rules map uses DefaultRules.
func NewRouter(reg *Registry, rules map[Category]Rule) *Router {
	if rules == nil {
		rules = DefaultRules()
	}
	copied := make(map[Category]Rule, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	return &Router{
		registry: reg,
		tracer:   otel.Tracer("github.com/xonecas/townmind/internal/provider"),
		rules:    copied,
	}
}

// SetRule installs or replaces the rule for a category.
func (r *Router) SetRule(category Category, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[category] = rule
}

// Rule returns the rule for a category.
func (r *Router) Rule(category Category) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[category]
	return rule, ok
}

// Registry returns the underlying provider registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Complete resolves the category's route and returns the first successful
// response. model, if set, overrides the primary's default model only.
func (r *Router) Complete(ctx context.Context, category Category, messages []Message, model string) (*Response, error) {
	rule, ok := r.Rule(category)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, category)
	}

	ctx, span := r.tracer.Start(ctx, "provider.Complete", trace.WithAttributes(
		attribute.String("townmind.category", string(category)),
		attribute.String("townmind.primary", rule.Primary),
		attribute.String("townmind.fallback", rule.Fallback),
	))
	defer span.End()

	req := Request{
		Messages:    messages,
		Model:       model,
		MaxTokens:   rule.MaxTokens,
		Temperature: rule.Temperature,
		Format:      rule.Format,
	}

	resp, primaryErr := r.try(ctx, rule.Primary, req)
	if primaryErr == nil {
		span.SetAttributes(attribute.String("townmind.served_by", resp.Provider))
		return resp, nil
	}

	if rule.Fallback == "" || rule.Fallback == rule.Primary {
		span.RecordError(primaryErr)
		span.SetStatus(codes.Error, "primary failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrAllProvidersFailed, category, primaryErr)
	}

	log.Warn().
		Err(primaryErr).
		Str("category", string(category)).
		Str("primary", rule.Primary).
		Str("fallback", rule.Fallback).
		Msg("Primary provider failed, using fallback")
	span.AddEvent("fallback")

	req.Model = ""
	resp, fallbackErr := r.try(ctx, rule.Fallback, req)
	if fallbackErr == nil {
		span.SetAttributes(attribute.String("townmind.served_by", resp.Provider))
		return resp, nil
	}

	err := errors.Join(primaryErr, fallbackErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, "all providers failed")
	return nil, fmt.Errorf("%w: %s: %w", ErrAllProvidersFailed, category, err)
}

func (r *Router) try(ctx context.Context, name string, req Request) (*Response, error) {
	if name == "" {
		return nil, ErrProviderNotFound
	}
	p, err := r.registry.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if !p.Available() {
		return nil, fmt.Errorf("%s: %w", name, ErrUnavailable)
	}
	return p.Complete(ctx, req)
}

// Usage returns per-provider usage counters.
func (r *Router) Usage() map[string]UsageStats {
	out := make(map[string]UsageStats)
	for _, name := range r.registry.List() {
		if p, err := r.registry.Get(name); err == nil {
			out[name] = p.Usage()
		}
	}
	return out
}

// Availability returns per-provider availability flags.
func (r *Router) Availability() map[string]bool {
	out := make(map[string]bool)
	for _, name := range r.registry.List() {
		if p, err := r.registry.Get(name); err == nil {
			out[name] = p.Available()
		}
	}
	return out
}
