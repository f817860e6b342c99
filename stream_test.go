package llmux

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/blueberrycongee/llmux/pkg/types"
)

// A stream may only switch deployments before its first byte reaches the
// caller; once Recv has returned a chunk, a mid-stream upstream failure
// must end the stream with a terminal error rather than reconnect
// elsewhere (the connection/retry loop in ChatCompletionStream already
// owns every deployment choice made before that point).
func TestStreamReader_MidStreamFailureIsTerminalNotRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"Hello, "}}]}`)
		w.(http.Flusher).Flush()
		// Close without [DONE] to simulate a mid-stream upstream failure.
	}))
	defer server.Close()

	client, err := New(
		WithProvider(ProviderConfig{
			Name:    "providerA",
			Type:    "openai",
			Models:  []string{"gpt-test"},
			APIKey:  "test-key",
			BaseURL: server.URL,
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	req := &ChatRequest{
		Model:    "gpt-test",
		Messages: []types.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}

	stream, err := client.ChatCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatCompletionStream() error = %v", err)
	}
	defer stream.Close()

	chunk, err := stream.Recv()
	if err != nil {
		t.Fatalf("expected first chunk without error, got %v", err)
	}
	if chunk.Choices[0].Delta.Content != "Hello, " {
		t.Fatalf("expected first chunk content %q, got %q", "Hello, ", chunk.Choices[0].Delta.Content)
	}

	_, err = stream.Recv()
	if err == nil {
		t.Fatal("expected a terminal error after mid-stream failure, got nil")
	}
	if err == io.EOF {
		t.Fatal("expected a non-EOF terminal error for a connection that never sent [DONE]")
	}
}

func TestStreamReader_FinalReconstructsAggregatedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`)
		w.(http.Flusher).Flush()
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"lo"}}]}`)
		w.(http.Flusher).Flush()
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{},"finish_reason":"stop"}]}`)
		w.(http.Flusher).Flush()
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, err := New(
		WithProvider(ProviderConfig{
			Name:    "providerA",
			Type:    "openai",
			Models:  []string{"gpt-test"},
			APIKey:  "test-key",
			BaseURL: server.URL,
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	req := &ChatRequest{
		Model:    "gpt-test",
		Messages: []types.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}

	stream, err := client.ChatCompletionStream(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatCompletionStream() error = %v", err)
	}
	defer stream.Close()

	var seen strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		if len(chunk.Choices) > 0 {
			seen.WriteString(chunk.Choices[0].Delta.Content)
		}
	}

	final := stream.Final()
	if len(final.Choices) != 1 {
		t.Fatalf("expected 1 reconstructed choice, got %d", len(final.Choices))
	}
	if got := types.ExtractMessageText(final.Choices[0].Message); got != "Hello" {
		t.Fatalf("expected reconstructed content %q, got %q", "Hello", got)
	}
	if final.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected finish_reason stop, got %q", final.Choices[0].FinishReason)
	}
}
