// Package provider defines the decision backend interface, its local and
// remote implementations, and the category router that picks between them.
package provider

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"
)

var (
	// ErrProviderNotFound is returned when a requested provider doesn't exist.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrUnavailable is returned when a provider refuses work because it is unhealthy.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrNoRoute is returned when no routing rule exists for a category.
	ErrNoRoute = errors.New("no route for category")

	// ErrAllProvidersFailed is returned when both primary and fallback failed.
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrEmptyResponse is returned when a backend answers without any choices.
	ErrEmptyResponse = errors.New("no response choices")
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message.
type Message struct {
	Role    string
	Content string
}

// Format is the response shape a caller expects.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Request is a single completion call.
type Request struct {
	Messages    []Message
	Model       string // empty uses the provider's default model
	MaxTokens   int
	Temperature float64
	Format      Format
}

// Response is the result of a completion call.
type Response struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Provider     string
	Model        string
	Latency      time.Duration
}

// Provider is a decision backend.
type Provider interface {
	// Name returns the provider's identifier.
	Name() string

	// Available reports whether the provider currently accepts requests.
	Available() bool

	// Complete sends the request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Usage returns a snapshot of the provider's usage counters.
	Usage() UsageStats
}

// Registry holds available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry, replacing any with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every provider that holds resources.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, p := range r.providers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
