package toolloop

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llama-nexus/llama-nexus/internal/openai"
)

func TestDeltaAggregatorMergesFragmentedToolCallsByIndex(t *testing.T) {
	agg := NewDeltaAggregator()

	agg.Feed(Delta{ToolCalls: []openai.ToolCall{{Index: 0, ID: "call_1", Function: openai.ToolCallFunc{Name: "get_", Arguments: "{\"a\""}}}}, "")
	agg.Feed(Delta{ToolCalls: []openai.ToolCall{{Index: 0, Function: openai.ToolCallFunc{Name: "weather", Arguments: ":1}"}}}}, "")
	agg.Feed(Delta{}, "tool_calls")

	assert.True(t, agg.Done())
	assert.True(t, agg.IsToolCalls())

	msg := agg.Message()
	assert.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", msg.ToolCalls[0].Function.Name)
	assert.Equal(t, "{\"a\":1}", msg.ToolCalls[0].Function.Arguments)
}

func TestDeltaAggregatorAccumulatesContentAcrossDeltas(t *testing.T) {
	agg := NewDeltaAggregator()
	agg.Feed(Delta{Content: "hello "}, "")
	agg.Feed(Delta{Content: "world"}, "stop")

	assert.Equal(t, "hello world", agg.Message().Content)
	assert.False(t, agg.IsToolCalls())
}

func TestDeltaUnmarshalsToolCallsFromSnakeCaseJSON(t *testing.T) {
	raw := []byte(`{"content":null,"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{}"}}]}`)

	var delta Delta
	require.NoError(t, json.Unmarshal(raw, &delta))

	require.Len(t, delta.ToolCalls, 1)
	assert.Equal(t, "call_1", delta.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", delta.ToolCalls[0].Function.Name)
}

func TestDeltaAggregatorPreservesToolCallOrder(t *testing.T) {
	agg := NewDeltaAggregator()
	agg.Feed(Delta{ToolCalls: []openai.ToolCall{{Index: 1, ID: "b"}}}, "")
	agg.Feed(Delta{ToolCalls: []openai.ToolCall{{Index: 0, ID: "a"}}}, "tool_calls")

	msg := agg.Message()
	assert.Equal(t, "b", msg.ToolCalls[0].ID)
	assert.Equal(t, "a", msg.ToolCalls[1].ID)
}
