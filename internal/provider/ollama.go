package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xonecas/townmind/internal/constants"
)

const defaultHealthPath = "/api/tags"

// OllamaOptions configures a co-located Ollama backend.
type OllamaOptions struct {
	Endpoint       string
	Model          string
	Temperature    float64
	MaxConcurrent  int
	Timeout        time.Duration
	HealthInterval time.Duration
	HealthPath     string
	Limiter        *rate.Limiter
}

// OllamaProvider implements Provider for a co-located Ollama server.
// It enforces its own in-flight ceiling, probes a status endpoint in the
// background, and rejects work immediately while the probe reports it down.
type OllamaProvider struct {
	name       string
	baseURL    string
	healthURL  string
	httpClient *http.Client
	opts       OllamaOptions

	// Waiters are released in FIFO order as in-flight calls finish.
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64

	available atomic.Bool
	usage     usageTracker

	hookMu sync.RWMutex
	onFlip func(name string, available bool)

	stopMu sync.Mutex
	stop   context.CancelFunc
}

// NewOllama creates a new Ollama provider.
// Ollama exposes an OpenAI-compatible API at /v1.
func NewOllama(name string, opts OllamaOptions) *OllamaProvider {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = constants.DefaultLocalMaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultLocalTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = constants.DefaultHealthInterval
	}
	if opts.HealthPath == "" {
		opts.HealthPath = defaultHealthPath
	}

	endpoint := strings.TrimRight(opts.Endpoint, "/")
	p := &OllamaProvider{
		name:       name,
		baseURL:    endpoint + "/v1",
		healthURL:  endpoint + opts.HealthPath,
		httpClient: &http.Client{},
		opts:       opts,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
	p.available.Store(true)
	return p
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string {
	return p.name
}

// Available reports the result of the last health probe.
func (p *OllamaProvider) Available() bool {
	return p.available.Load()
}

// Usage returns a snapshot of the usage counters.
func (p *OllamaProvider) Usage() UsageStats {
	return p.usage.snapshot()
}

// InFlight returns how many calls are currently running against the backend.
func (p *OllamaProvider) InFlight() int {
	return int(p.inFlight.Load())
}

// PeakInFlight returns the highest observed number of concurrent calls.
func (p *OllamaProvider) PeakInFlight() int {
	return int(p.peak.Load())
}

// OnAvailabilityChange registers a callback invoked whenever a probe flips availability.
func (p *OllamaProvider) OnAvailabilityChange(fn func(name string, available bool)) {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()
	p.onFlip = fn
}

// Complete sends the request once a concurrency slot is free.
func (p *OllamaProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if !p.Available() {
		p.usage.recordRejected()
		return nil, fmt.Errorf("%s: %w", p.name, ErrUnavailable)
	}

	if p.opts.Limiter != nil {
		if err := p.opts.Limiter.Wait(ctx); err != nil {
			p.usage.recordRejected()
			return nil, err
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.usage.recordRejected()
		return nil, fmt.Errorf("%s: wait for slot: %w", p.name, err)
	}
	defer p.sem.Release(1)

	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = p.opts.Model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.opts.Temperature
	}

	chatReq := ollamaChatRequest{
		Model:       model,
		Messages:    mergeConsecutiveSystemMessagesOllama(toOllamaMessages(req.Messages)),
		Temperature: float32(temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.Format == FormatJSON {
		chatReq.ResponseFormat = &ollamaResponseFormat{Type: "json_object"}
	}

	start := time.Now()
	resp, err := p.createChatCompletion(callCtx, chatReq)
	latency := time.Since(start)
	if err == nil && len(resp.Choices) == 0 {
		err = ErrEmptyResponse
	}
	if err != nil {
		p.usage.record(latency, 0, 0, err)
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	p.usage.record(latency, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, nil)
	return &Response{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Provider:     p.name,
		Model:        model,
		Latency:      latency,
	}, nil
}

type chatCompletionResponse struct {
	Choices []chatCompletionChoice `json:"choices"`
	Usage   chatCompletionUsage    `json:"usage"`
}

type chatCompletionChoice struct {
	Message chatCompletionMessage `json:"message"`
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type ollamaChatRequest struct {
	Model          string                `json:"model"`
	Messages       []ollamaReqMessage    `json:"messages"`
	Temperature    float32               `json:"temperature,omitempty"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *ollamaResponseFormat `json:"response_format,omitempty"`
	Stream         bool                  `json:"stream"`
}

type ollamaResponseFormat struct {
	Type string `json:"type"`
}

type ollamaReqMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *OllamaProvider) createChatCompletion(ctx context.Context, req ollamaChatRequest) (*chatCompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chat completion status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}

	return &decoded, nil
}

// CheckHealth probes the status endpoint once and updates availability.
func (p *OllamaProvider) CheckHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	defer cancel()

	ok := false
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err == nil {
		resp, err := p.httpClient.Do(httpReq)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			ok = resp.StatusCode >= 200 && resp.StatusCode < 300
		} else {
			log.Debug().Err(err).Str("provider", p.name).Msg("Health probe failed")
		}
	}

	p.setAvailable(ok)
	return ok
}

func (p *OllamaProvider) setAvailable(ok bool) {
	if p.available.Swap(ok) == ok {
		return
	}

	if ok {
		log.Info().Str("provider", p.name).Msg("Provider is available again")
	} else {
		log.Warn().Str("provider", p.name).Str("url", p.healthURL).Msg("Provider marked unavailable")
	}

	p.hookMu.RLock()
	fn := p.onFlip
	p.hookMu.RUnlock()
	if fn != nil {
		fn(p.name, ok)
	}
}

// StartHealthChecks probes immediately and then every HealthInterval until
// ctx is done or the provider is closed.
func (p *OllamaProvider) StartHealthChecks(ctx context.Context) {
	p.stopMu.Lock()
	if p.stop != nil {
		p.stopMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.stop = cancel
	p.stopMu.Unlock()

	go func() {
		ticker := time.NewTicker(p.opts.HealthInterval)
		defer ticker.Stop()

		p.CheckHealth(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.CheckHealth(ctx)
			}
		}
	}()
}

func toOllamaMessages(messages []Message) []ollamaReqMessage {
	result := make([]ollamaReqMessage, len(messages))
	for i, m := range messages {
		result[i] = ollamaReqMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}
	return result
}

// mergeConsecutiveSystemMessagesOllama merges consecutive system messages into a single message.
// Small local models handle one system block far better than several.
func mergeConsecutiveSystemMessagesOllama(messages []ollamaReqMessage) []ollamaReqMessage {
	if len(messages) == 0 {
		return messages
	}

	result := make([]ollamaReqMessage, 0, len(messages))
	var systemBuffer strings.Builder
	inSystemRun := false

	for i, msg := range messages {
		if msg.Role == RoleSystem {
			if inSystemRun {
				systemBuffer.WriteString("\n\n")
			} else {
				inSystemRun = true
			}
			systemBuffer.WriteString(msg.Content)
		} else {
			if inSystemRun {
				result = append(result, ollamaReqMessage{
					Role:    RoleSystem,
					Content: systemBuffer.String(),
				})
				systemBuffer.Reset()
				inSystemRun = false
			}
			result = append(result, msg)
		}

		if i == len(messages)-1 && inSystemRun {
			result = append(result, ollamaReqMessage{
				Role:    RoleSystem,
				Content: systemBuffer.String(),
			})
		}
	}

	return result
}

// Close stops health checks and closes idle HTTP connections.
func (p *OllamaProvider) Close() error {
	p.stopMu.Lock()
	if p.stop != nil {
		p.stop()
	}
	p.stopMu.Unlock()

	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}
