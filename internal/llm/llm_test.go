package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestParseModel(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantProvider string
		wantModel    string
		wantErr      string
	}{
		{name: "valid", input: "openai/gpt-4o", wantProvider: "openai", wantModel: "gpt-4o"},
		{name: "nested model name", input: "gemini/models/gemini-2.0-flash", wantProvider: "gemini", wantModel: "models/gemini-2.0-flash"},
		{name: "missing slash", input: "openai", wantErr: "invalid model format"},
		{name: "empty provider", input: "/gpt-4o", wantErr: "invalid model format"},
		{name: "empty model", input: "openai/", wantErr: "invalid model format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, modelName, err := ParseModel(tt.input)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %q", tt.wantErr, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("ParseModel returned error: %v", err)
			}
			if provider != tt.wantProvider {
				t.Fatalf("expected provider %q, got %q", tt.wantProvider, provider)
			}
			if modelName != tt.wantModel {
				t.Fatalf("expected model %q, got %q", tt.wantModel, modelName)
			}
		})
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	client, err := NewClient("unknown", "key", "some-model")
	if err == nil {
		t.Fatalf("expected error for unknown provider, got nil")
	}
	if client != nil {
		t.Fatalf("expected nil client, got %#v", client)
	}
	if !strings.Contains(err.Error(), "unknown LLM provider") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewClientMissingAPIKey(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic", "gemini"} {
		client, err := NewClient(provider, "  ", "model")
		if !errors.Is(err, ErrMissingAPIKey) {
			t.Fatalf("%s: expected ErrMissingAPIKey, got %v", provider, err)
		}
		if client != nil {
			t.Fatalf("%s: expected nil client", provider)
		}
	}
}

func TestAPIErrorRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{status: 400, want: false},
		{status: 401, want: false},
		{status: 429, want: true},
		{status: 500, want: true},
		{status: 503, want: true},
	}
	for _, tt := range tests {
		err := &APIError{Provider: "openai", StatusCode: tt.status, Err: errors.New("boom")}
		if got := err.Retryable(); got != tt.want {
			t.Fatalf("status %d: expected retryable=%v, got %v", tt.status, tt.want, got)
		}
	}
}
