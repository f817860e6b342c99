package types //nolint:revive // package name is intentional

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// The terminal chunk of a stream (FinishReason set, no further content) must
// still serialize delta.content as "", not omit the key — clients that read
// chunk.choices[0].delta.content unconditionally would otherwise see a
// missing field on the last event.
func TestStreamDelta_EmptyContentNotOmitted(t *testing.T) {
	chunk := StreamChunk{
		ID:      "chunk-1",
		Object:  "chat.completion.chunk",
		Created: 1,
		Model:   "test-model",
		Choices: []StreamChoice{
			{
				Index:        0,
				Delta:        StreamDelta{},
				FinishReason: "stop",
			},
		},
	}

	data, err := json.Marshal(chunk)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	choices := raw["choices"].([]any)
	delta := choices[0].(map[string]any)["delta"].(map[string]any)

	content, ok := delta["content"]
	require.True(t, ok, "expected delta.content key to be present")
	require.Equal(t, "", content)
}

func TestStreamDelta_RoleOmittedWhenEmpty(t *testing.T) {
	chunk := StreamChunk{
		Choices: []StreamChoice{{Delta: StreamDelta{Content: "hi"}}},
	}

	data, err := json.Marshal(chunk)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	delta := raw["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	if _, ok := delta["role"]; ok {
		t.Fatalf("expected role to be omitted when empty")
	}
	require.Equal(t, "hi", delta["content"])
}
