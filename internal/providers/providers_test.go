package providers

import (
	"context"
	"testing"
	"time"
)

func TestAnthropicThinkingBudget(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{"low", 4096},
		{"medium", 10000},
		{"high", 32000},
		{"unknown", 10000},
	}
	for _, tt := range tests {
		if got := anthropicThinkingBudget(tt.level); got != tt.want {
			t.Errorf("anthropicThinkingBudget(%q) = %d, want %d", tt.level, got, tt.want)
		}
	}
}

func TestAnthropicRequestThinking(t *testing.T) {
	p := NewAnthropicProvider("test-key")
	req := ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Options:  map[string]interface{}{OptThinkingLevel: "high", OptTemperature: 0.7},
	}
	body := p.buildRequestBody("claude-sonnet-4-5-20250929", req, false)

	thinking, ok := body["thinking"].(map[string]interface{})
	if !ok {
		t.Fatal("thinking block missing from request body")
	}
	if thinking["budget_tokens"] != 32000 {
		t.Errorf("budget_tokens = %v, want 32000", thinking["budget_tokens"])
	}
	if _, ok := body["temperature"]; ok {
		t.Error("temperature must be dropped when thinking is enabled")
	}
	if maxTok, _ := body["max_tokens"].(int); maxTok < 32000 {
		t.Errorf("max_tokens = %d, must cover the thinking budget", maxTok)
	}
}

func TestAnthropicRequestOff(t *testing.T) {
	p := NewAnthropicProvider("test-key")
	req := ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Options:  map[string]interface{}{OptThinkingLevel: "off"},
	}
	body := p.buildRequestBody("claude-sonnet-4-5-20250929", req, false)
	if _, ok := body["thinking"]; ok {
		t.Error("thinking enabled for level off")
	}
}

func TestOpenAIReasoningEffort(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{"minimal", "low"},
		{"low", "low"},
		{"medium", "medium"},
		{"high", "high"},
		{"xhigh", "high"},
	}
	for _, tt := range tests {
		if got := openAIReasoningEffort(tt.level); got != tt.want {
			t.Errorf("openAIReasoningEffort(%q) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestCleanSchemaForProvider(t *testing.T) {
	schema := map[string]interface{}{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":    "string",
				"$schema": "nested",
			},
		},
	}
	cleaned := CleanSchemaForProvider("anthropic", schema)
	if _, ok := cleaned["$schema"]; ok {
		t.Error("$schema not stripped")
	}
	if _, ok := cleaned["additionalProperties"]; ok {
		t.Error("additionalProperties not stripped for anthropic")
	}
	props := cleaned["properties"].(map[string]interface{})
	path := props["path"].(map[string]interface{})
	if _, ok := path["$schema"]; ok {
		t.Error("nested $schema not stripped")
	}
	if schema["$schema"] == nil {
		t.Error("input schema mutated")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(""); err == nil {
		t.Fatal("Get on empty registry should fail")
	}

	r.Register(NewAnthropicProvider("k1"))
	r.Register(NewOpenAIProvider("openai", "k2", "", "gpt-4o"))

	p, err := r.Get("")
	if err != nil || p.Name() != "anthropic" {
		t.Fatalf("default provider = %v, %v; want anthropic", p, err)
	}
	if got := r.List(); len(got) != 2 || got[0] != "anthropic" || got[1] != "openai" {
		t.Fatalf("List = %v", got)
	}

	r.Unregister("anthropic")
	if p, err := r.Get(""); err != nil || p.Name() != "openai" {
		t.Fatalf("default after unregister = %v, %v; want openai", p, err)
	}
}

func TestRetryDoGivesUpOnTerminalError(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), DefaultRetryConfig(), func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 400, Body: "bad request"}
	})
	if err == nil || calls != 1 {
		t.Fatalf("calls = %d, err = %v; want 1 call, error", calls, err)
	}
}

func TestRetryDoRetriesTransient(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	v, err := RetryDo(context.Background(), cfg, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{Status: 503, Body: "overloaded"}
		}
		return "ok", nil
	})
	if err != nil || v != "ok" || calls != 3 {
		t.Fatalf("v = %q, err = %v, calls = %d", v, err, calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("7"); d != 7*time.Second {
		t.Errorf("ParseRetryAfter(7) = %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("ParseRetryAfter empty = %v", d)
	}
	if d := ParseRetryAfter("soon"); d != 0 {
		t.Errorf("ParseRetryAfter garbage = %v", d)
	}
}
