package toolloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llama-nexus/llama-nexus/internal/mcp"
	"github.com/llama-nexus/llama-nexus/internal/openai"
)

func TestNewWithNoToolServersHasNoTools(t *testing.T) {
	pool := mcp.New(context.Background(), nil, nil)
	l, err := New(context.Background(), pool, 4)
	require.NoError(t, err)
	assert.False(t, l.HasTools())
	assert.Equal(t, 4, l.MaxTurns())
}

func TestNewDefaultsMaxTurnsWhenNonPositive(t *testing.T) {
	pool := mcp.New(context.Background(), nil, nil)
	l, err := New(context.Background(), pool, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, l.MaxTurns())
}

func TestPendingToolCallsEmptyOnNoChoices(t *testing.T) {
	assert.Nil(t, pendingToolCalls(openai.ChatResponse{}))
}

func TestPendingToolCallsReturnsFirstChoiceCalls(t *testing.T) {
	resp := openai.ChatResponse{Choices: []openai.ChatChoice{{Message: openai.ChatMessage{
		ToolCalls: []openai.ToolCall{{ID: "call_1"}},
	}}}}
	calls := pendingToolCalls(resp)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
}

func TestRunReturnsImmediatelyWhenNoToolCallsPending(t *testing.T) {
	pool := mcp.New(context.Background(), nil, nil)
	l, err := New(context.Background(), pool, 4)
	require.NoError(t, err)

	resp := openai.ChatResponse{Choices: []openai.ChatChoice{{Message: openai.ChatMessage{Content: "done"}}}}
	dispatchCalls := 0
	dispatch := func(ctx context.Context, req openai.ChatRequest) (openai.ChatResponse, error) {
		dispatchCalls++
		return openai.ChatResponse{}, nil
	}

	out, err := l.Run(context.Background(), dispatch, openai.ChatRequest{}, resp)
	require.NoError(t, err)
	assert.Equal(t, "done", out.Choices[0].Message.Content)
	assert.Equal(t, 0, dispatchCalls, "no re-dispatch needed when there are no pending tool calls")
}

func TestRunSurfacesUnresolvedToolCallsWithoutLoopingForever(t *testing.T) {
	pool := mcp.New(context.Background(), nil, nil)
	l, err := New(context.Background(), pool, 4)
	require.NoError(t, err)

	resp := openai.ChatResponse{Choices: []openai.ChatChoice{{Message: openai.ChatMessage{
		ToolCalls: []openai.ToolCall{{ID: "call_1", Function: openai.ToolCallFunc{Name: "unknown_tool"}}},
	}}}}
	dispatchCalls := 0
	dispatch := func(ctx context.Context, req openai.ChatRequest) (openai.ChatResponse, error) {
		dispatchCalls++
		return openai.ChatResponse{}, nil
	}

	out, err := l.Run(context.Background(), dispatch, openai.ChatRequest{}, resp)
	require.NoError(t, err)
	assert.Equal(t, 0, dispatchCalls, "an unresolved tool call must not trigger a re-dispatch")
	assert.Len(t, out.Choices[0].Message.ToolCalls, 1)
}
