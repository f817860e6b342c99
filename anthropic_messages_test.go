package llmux

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_AnthropicMessages_SetsCallTypeAndRoutes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := ChatResponse{
			ID:      "anthropic-test-id",
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   "test-model",
			Choices: []Choice{
				{
					Index:        0,
					Message:      ChatMessage{Role: "assistant", Content: json.RawMessage(`"hi there"`)},
					FinishReason: "stop",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	mock := &httpMockProvider{name: "mock", models: []string{"test-model"}, baseURL: server.URL}
	client, err := New(
		WithProviderInstance("mock", mock, []string{"test-model"}),
		WithTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	req := &ChatRequest{
		Model:    "test-model",
		Messages: []ChatMessage{{Role: "user", Content: json.RawMessage(`"hello"`)}},
	}

	resp, err := client.AnthropicMessages(context.Background(), req)
	if err != nil {
		t.Fatalf("AnthropicMessages() error = %v", err)
	}
	if resp.ID != "anthropic-test-id" {
		t.Errorf("expected ID anthropic-test-id, got %s", resp.ID)
	}
	if req.CallType != "anthropic_messages" {
		t.Errorf("expected CallType anthropic_messages, got %q", req.CallType)
	}
}

func TestClient_AnthropicMessages_NilRequest(t *testing.T) {
	client, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	if _, err := client.AnthropicMessages(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil request")
	}
}
