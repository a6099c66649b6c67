package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/xonecas/townmind/internal/constants"
)

// OpenAIOptions configures a remote OpenAI-compatible backend.
type OpenAIOptions struct {
	Endpoint    string
	Model       string
	APIKey      string
	Temperature float64
	Timeout     time.Duration
	Limiter     *rate.Limiter
}

// OpenAIProvider implements Provider for a remote OpenAI-compatible API.
type OpenAIProvider struct {
	name   string
	client *openai.Client
	opts   OpenAIOptions
	usage  usageTracker
}

// NewOpenAI creates a remote provider.
func NewOpenAI(name string, opts OpenAIOptions) *OpenAIProvider {
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultRemoteTimeout
	}

	config := openai.DefaultConfig(opts.APIKey)
	if opts.Endpoint != "" {
		config.BaseURL = strings.TrimRight(opts.Endpoint, "/")
	}

	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(config),
		opts:   opts,
	}
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Available reports whether credentials are configured.
func (p *OpenAIProvider) Available() bool {
	return p.opts.APIKey != ""
}

// Usage returns a snapshot of the usage counters.
func (p *OpenAIProvider) Usage() UsageStats {
	return p.usage.snapshot()
}

// Complete sends the request and returns the full response.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
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

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = p.opts.Model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.opts.Temperature
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    mergeSystemMessagesOpenAI(toOpenAIMessages(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(temperature),
	}
	if req.Format == FormatJSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
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

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		result[i] = openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}
	return result
}

// mergeSystemMessagesOpenAI collects every system message into one leading
// message. If nothing else remains, a minimal user turn is appended since the
// API requires at least one non-system message.
func mergeSystemMessagesOpenAI(messages []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	if len(messages) == 0 {
		return messages
	}

	var systemBuffer strings.Builder
	nonSystemMessages := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if systemBuffer.Len() > 0 {
				systemBuffer.WriteString("\n\n")
			}
			systemBuffer.WriteString(msg.Content)
		} else {
			nonSystemMessages = append(nonSystemMessages, msg)
		}
	}

	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemBuffer.Len() > 0 {
		result = append(result, openai.ChatCompletionMessage{
			Role:    RoleSystem,
			Content: systemBuffer.String(),
		})
	}
	result = append(result, nonSystemMessages...)

	if len(nonSystemMessages) == 0 {
		log.Debug().Msg("OpenAI: Only system messages present, adding minimal user message")
		result = append(result, openai.ChatCompletionMessage{
			Role:    RoleUser,
			Content: "Begin.",
		})
	}

	return result
}
