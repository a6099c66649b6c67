package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIComplete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"name\":\"walk\"}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`))
	}))
	defer srv.Close()

	p := NewOpenAI("remote", OpenAIOptions{Endpoint: srv.URL + "/v1", Model: "gpt-test", APIKey: "secret"})
	resp, err := p.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleSystem, Content: "sys"}},
		Format:   FormatJSON,
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Content != `{"name":"walk"}` {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("unexpected tokens %d/%d", resp.InputTokens, resp.OutputTokens)
	}

	if body["model"] != "gpt-test" {
		t.Errorf("unexpected model %v", body["model"])
	}
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("expected json_object response format, got %v", body["response_format"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("expected system message plus minimal user message, got %v", msgs)
	}

	usage := p.Usage()
	if usage.TotalCalls != 1 || usage.TotalInputTokens != 12 || usage.TotalOutputTokens != 5 {
		t.Errorf("unexpected usage %+v", usage)
	}
}

func TestOpenAIWithoutKeyIsUnavailable(t *testing.T) {
	p := NewOpenAI("remote", OpenAIOptions{Endpoint: "http://127.0.0.1:1/v1"})
	_, err := p.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
