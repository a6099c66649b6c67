package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MockProvider is a test provider that returns predefined responses.
type MockProvider struct {
	name      string
	response  string
	err       error
	delay     time.Duration
	responder func(Request) (string, error)
	available atomic.Bool

	inFlight atomic.Int64
	peak     atomic.Int64

	mu       sync.Mutex
	requests []Request
	usage    usageTracker
}

// NewMock creates a new mock provider.
func NewMock(name, response string) *MockProvider {
	p := &MockProvider{
		name:     name,
		response: response,
	}
	p.available.Store(true)
	return p
}

// WithError sets an error to return from Complete.
func (p *MockProvider) WithError(err error) *MockProvider {
	p.err = err
	return p
}

// WithDelay makes every call take at least d, or until ctx is done.
func (p *MockProvider) WithDelay(d time.Duration) *MockProvider {
	p.delay = d
	return p
}

// WithResponder computes the response from the request instead of returning a fixed one.
func (p *MockProvider) WithResponder(fn func(Request) (string, error)) *MockProvider {
	p.responder = fn
	return p
}

// SetAvailable flips the availability flag.
func (p *MockProvider) SetAvailable(ok bool) {
	p.available.Store(ok)
}

// Name returns the provider identifier.
func (p *MockProvider) Name() string {
	return p.name
}

// Available reports the availability flag.
func (p *MockProvider) Available() bool {
	return p.available.Load()
}

// Usage returns a snapshot of the usage counters.
func (p *MockProvider) Usage() UsageStats {
	return p.usage.snapshot()
}

// Calls returns how many requests reached Complete.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns a copy of every request received.
func (p *MockProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// PeakInFlight returns the highest number of concurrent Complete calls observed.
func (p *MockProvider) PeakInFlight() int {
	return int(p.peak.Load())
}

// Complete returns the predefined response or error.
func (p *MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if !p.Available() {
		p.usage.recordRejected()
		return nil, ErrUnavailable
	}

	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	start := time.Now()
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			p.usage.record(time.Since(start), 0, 0, ctx.Err())
			return nil, ctx.Err()
		}
	}

	content, err := p.response, p.err
	if p.responder != nil {
		content, err = p.responder(req)
	}
	latency := time.Since(start)
	if err != nil {
		p.usage.record(latency, 0, 0, err)
		return nil, err
	}

	p.usage.record(latency, len(req.Messages), len(content), nil)
	return &Response{
		Content:      content,
		InputTokens:  len(req.Messages),
		OutputTokens: len(content),
		Provider:     p.name,
		Model:        req.Model,
		Latency:      latency,
	}, nil
}
