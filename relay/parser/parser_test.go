package parser

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func chunkDelta(t *testing.T, c Chunk) map[string]any {
	t.Helper()
	var body map[string]any
	payload := c.Bytes[len("data: ") : len(c.Bytes)-2]
	require.NoError(t, json.Unmarshal(payload, &body))
	choices := body["choices"].([]any)
	return choices[0].(map[string]any)["delta"].(map[string]any)
}

func dataLine(payload string) []byte {
	return []byte("data: " + payload + "\n\n")
}

func TestFeedBuffersAcrossReads(t *testing.T) {
	t.Parallel()

	p := NewStreamParser("gpt-4o")
	chunks := p.Feed([]byte(`data: {"choices":[{"delta":{"con`))
	require.Empty(t, chunks)

	chunks = p.Feed([]byte("tent\":\"hi\"}}]}\n\ndata: [DONE]\n\n"))
	require.Len(t, chunks, 2)
	require.Equal(t, Text, chunks[0].Type)
	require.Equal(t, Done, chunks[1].Type)
	require.Equal(t, "hi", p.Content())
}

func TestNonDataLinePassthrough(t *testing.T) {
	t.Parallel()

	p := NewStreamParser("gpt-4o")
	chunks := p.Feed([]byte(": keepalive\n\n"))
	require.Len(t, chunks, 1)
	require.Equal(t, Text, chunks[0].Type)
	require.Equal(t, []byte(": keepalive\n\n"), chunks[0].Bytes)
}

func TestParseErrorPassthrough(t *testing.T) {
	t.Parallel()

	p := NewStreamParser("gpt-4o")
	chunks := p.Feed([]byte("data: {broken\n\n"))
	require.Len(t, chunks, 1)
	require.Equal(t, Error, chunks[0].Type)
	require.Contains(t, string(chunks[0].Bytes), "{broken")
}

func TestUsageClassification(t *testing.T) {
	t.Parallel()

	p := NewStreamParser("gpt-4o")

	// usage before finish stays Text
	chunks := p.Feed(dataLine(`{"choices":[{"delta":{"content":"a"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	require.Len(t, chunks, 1)
	require.Equal(t, Text, chunks[0].Type)
	require.NotNil(t, chunks[0].Usage)

	chunks = p.Feed(dataLine(`{"choices":[{"delta":{},"finish_reason":"stop"}]}`))
	require.Len(t, chunks, 1)

	chunks = p.Feed(dataLine(`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":12,"total_tokens":21}}`))
	require.Len(t, chunks, 1)
	require.Equal(t, Usage, chunks[0].Type)
	require.Equal(t, 21, chunks[0].Usage.TotalTokens)

	// only the first post-finish usage chunk is typed Usage
	chunks = p.Feed(dataLine(`{"choices":[],"usage":{"total_tokens":21}}`))
	require.Equal(t, Text, chunks[0].Type)
}

func TestThinkSplitInsideOneChunk(t *testing.T) {
	t.Parallel()

	p := NewStreamParser("DeepSeek-R1")
	chunks := p.Feed(dataLine(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"DeepSeek-R1","choices":[{"delta":{"content":"foo</think>bar"}}]}`))
	require.Len(t, chunks, 2)

	first := chunkDelta(t, chunks[0])
	require.Equal(t, "foo", first["reasoning_content"])
	require.Nil(t, first["content"])

	second := chunkDelta(t, chunks[1])
	require.Equal(t, "bar", second["content"])

	require.Equal(t, "foo", p.Reasoning())
	require.Equal(t, "bar", p.Content())

	// post-think content passes through untouched
	chunks = p.Feed(dataLine(`{"choices":[{"delta":{"content":"baz"}}]}`))
	require.Len(t, chunks, 1)
	delta := chunkDelta(t, chunks[0])
	require.Equal(t, "baz", delta["content"])
	require.Equal(t, "barbaz", p.Content())
}

func TestThinkRoutesContentWhileThinking(t *testing.T) {
	t.Parallel()

	p := NewStreamParser("QwQ-32B")
	chunks := p.Feed(dataLine(`{"choices":[{"delta":{"content":"pondering"}}]}`))
	require.Len(t, chunks, 1)

	delta := chunkDelta(t, chunks[0])
	require.Equal(t, "pondering", delta["reasoning_content"])
	require.Nil(t, delta["content"])
	require.Equal(t, "pondering", p.Reasoning())
	require.Empty(t, p.Content())
}

func TestThinkExplicitReasoningFieldDisablesSplit(t *testing.T) {
	t.Parallel()

	p := NewStreamParser("Qwen3-32B")
	p.Feed(dataLine(`{"choices":[{"delta":{"reasoning_content":"r1"}}]}`))

	// content after an explicit reasoning field is plain content
	chunks := p.Feed(dataLine(`{"choices":[{"delta":{"content":"visible"}}]}`))
	delta := chunkDelta(t, chunks[0])
	require.Equal(t, "visible", delta["content"])
	require.Equal(t, "r1", p.Reasoning())
	require.Equal(t, "visible", p.Content())
}

func TestNonThinkModelUntouched(t *testing.T) {
	t.Parallel()

	p := NewStreamParser("gpt-4o")
	chunks := p.Feed(dataLine(`{"choices":[{"delta":{"content":"foo</think>bar"}}]}`))
	require.Len(t, chunks, 1)
	delta := chunkDelta(t, chunks[0])
	require.Equal(t, "foo</think>bar", delta["content"])
}

func TestToolArgsSynthesizedOnFinish(t *testing.T) {
	t.Parallel()

	p := NewStreamParser("gpt-4o")
	p.Feed(dataLine(`{"id":"c9","model":"gpt-4o","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"get_weather","arguments":""}}]}}]}`))
	p.Feed(dataLine(`{"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":"{\"q\":1}"}}]}}]}`))

	chunks := p.Feed(dataLine(`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`))
	require.Len(t, chunks, 2)

	patch := chunkDelta(t, chunks[1])
	calls := patch["tool_calls"].([]any)
	require.Len(t, calls, 1)
	call := calls[0].(map[string]any)
	require.EqualValues(t, 0, call["index"])
	require.Equal(t, " {}", call["function"].(map[string]any)["arguments"])

	// a later [DONE] must not synthesize again
	chunks = p.Feed([]byte("data: [DONE]\n\n"))
	require.Len(t, chunks, 1)
	require.Equal(t, Done, chunks[0].Type)
}

func TestSplitThinkContent(t *testing.T) {
	t.Parallel()

	reasoning, remainder, found := SplitThinkContent("foo</think>bar")
	require.True(t, found)
	require.Equal(t, "foo", reasoning)
	require.Equal(t, "bar", remainder)

	_, remainder, found = SplitThinkContent("no marker here")
	require.False(t, found)
	require.Equal(t, "no marker here", remainder)
}

func TestIsThinkModel(t *testing.T) {
	t.Parallel()

	for i, tc := range []struct {
		model string
		want  bool
	}{
		{"DeepSeek-R1", true},
		{"DeepSeek-R1-Distill-Qwen-32B", true},
		{"QwQ-32B", true},
		{"Qwen3-235B-A22B", true},
		{"gpt-4o", false},
		{"QwQ-32B-extra", false},
	} {
		require.Equal(t, tc.want, IsThinkModel(tc.model), fmt.Sprintf("case %d: %s", i, tc.model))
	}
}
