// Package toolloop implements the Tool-Call Loop (C7): resolving tool_calls
// to MCP (server, tool) pairs, executing them with bounded concurrency,
// and re-dispatching the augmented message list until a terminal assistant
// message or the turn budget is exhausted.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/llama-nexus/llama-nexus/internal/mcp"
	"github.com/llama-nexus/llama-nexus/internal/metrics"
	"github.com/llama-nexus/llama-nexus/internal/openai"
)

const maxConcurrentToolCalls = 4

// Dispatch sends a fresh chat request to the proxy (C4) and returns the
// backend's response. Implemented by the API layer, which owns the
// registry/selector/proxy wiring.
type Dispatch func(ctx context.Context, req openai.ChatRequest) (openai.ChatResponse, error)

// Loop is C7.
type Loop struct {
	pool         *mcp.Pool
	maxTurns     int
	toolIndex    map[string]resolvedTool // tool name -> (server, fallback)
}

type resolvedTool struct {
	server          string
	fallbackMessage string
}

// New builds the tool-name -> server resolution table by listing tools
// across every enabled "tool"-role server. First-declared server wins on a
// name collision, per §4.7 step 1.
func New(ctx context.Context, pool *mcp.Pool, maxToolTurns int) (*Loop, error) {
	l := &Loop{pool: pool, maxTurns: maxToolTurns, toolIndex: make(map[string]resolvedTool)}
	if maxToolTurns <= 0 {
		l.maxTurns = 4
	}
	for _, server := range pool.ServersWithRole(mcp.RoleTool) {
		tools, err := pool.ListTools(ctx, server)
		if err != nil {
			continue // a server that cannot list its tools here is skipped; its tools are not indexed later.
		}
		desc, _ := pool.Descriptor(server)
		for _, t := range tools {
			if _, exists := l.toolIndex[t.Name]; exists {
				continue
			}
			l.toolIndex[t.Name] = resolvedTool{server: server, fallbackMessage: desc.FallbackMessage}
		}
	}
	return l, nil
}

// HasTools reports whether any tool-role MCP server resolved at least one
// tool, used by the chat handler to decide whether a streaming request
// needs the internal aggregate-and-re-dispatch path at all.
func (l *Loop) HasTools() bool { return len(l.toolIndex) > 0 }

// MaxTurns exposes the configured turn budget to the streaming chat
// handler, which drives its own loop over per-turn SSE round-trips.
func (l *Loop) MaxTurns() int { return l.maxTurns }

// RunOneTurn executes the tool calls pending on current (the caller is
// expected to have already appended current's assistant message to
// req.Messages), appends one role="tool" message per call to req.Messages,
// and reports whether every call was unresolved (in which case the caller
// should stop looping and surface current as-is).
func (l *Loop) RunOneTurn(ctx context.Context, req *openai.ChatRequest, current openai.ChatResponse) (openai.ChatResponse, bool, error) {
	calls := pendingToolCalls(current)
	toolMessages, unresolved := l.execute(ctx, calls)
	req.Messages = append(req.Messages, toolMessages...)
	return current, len(unresolved) == len(calls), nil
}

// Run drives the non-streaming tool-call loop starting from resp, the
// first upstream reply to req. It returns the terminal response to surface
// to the client, which satisfies property §8.7: no more than maxTurns+1
// upstream chat calls (one initial dispatch already spent by the caller,
// plus at most maxTurns re-dispatches inside this loop).
func (l *Loop) Run(ctx context.Context, dispatch Dispatch, req openai.ChatRequest, resp openai.ChatResponse) (openai.ChatResponse, error) {
	current := resp
	turn := 0
	for ; turn < l.maxTurns; turn++ {
		calls := pendingToolCalls(current)
		if len(calls) == 0 {
			metrics.ToolLoopTurnsTotal.WithLabelValues().Observe(float64(turn))
			return current, nil
		}

		assistantMsg := current.Choices[0].Message
		req.Messages = append(req.Messages, assistantMsg)

		toolMessages, unresolved := l.execute(ctx, calls)
		req.Messages = append(req.Messages, toolMessages...)

		if len(unresolved) == len(calls) {
			// every call was unresolved: surface them unexecuted, per step 1.
			metrics.ToolLoopTurnsTotal.WithLabelValues().Observe(float64(turn))
			return current, nil
		}

		next, err := dispatch(ctx, req)
		if err != nil {
			return openai.ChatResponse{}, fmt.Errorf("toolloop: re-dispatch turn %d: %w", turn+1, err)
		}
		current = next
	}

	// final turn: surface any still-pending tool_calls unexecuted, per step 4.
	metrics.ToolLoopTurnsTotal.WithLabelValues().Observe(float64(turn))
	return current, nil
}

func pendingToolCalls(resp openai.ChatResponse) []openai.ToolCall {
	if len(resp.Choices) == 0 {
		return nil
	}
	return resp.Choices[0].Message.ToolCalls
}

// execute runs every call concurrently, bounded to maxConcurrentToolCalls,
// and returns one role="tool" message per call (in the same order as
// calls), plus the subset that could not be resolved to any server.
func (l *Loop) execute(ctx context.Context, calls []openai.ToolCall) ([]openai.ChatMessage, []openai.ToolCall) {
	messages := make([]openai.ChatMessage, len(calls))
	var unresolved []openai.ToolCall

	sem := semaphore.NewWeighted(maxConcurrentToolCalls)
	done := make(chan struct{}, len(calls))

	for i, call := range calls {
		resolved, ok := l.toolIndex[call.Function.Name]
		if !ok {
			unresolved = append(unresolved, call)
			messages[i] = openai.ChatMessage{Role: "tool", ToolCallID: call.ID, Content: ""}
			done <- struct{}{}
			continue
		}

		go func(i int, call openai.ToolCall, resolved resolvedTool) {
			defer func() { done <- struct{}{} }()
			_ = sem.Acquire(ctx, 1)
			defer sem.Release(1)

			messages[i] = l.callOne(ctx, call, resolved)
		}(i, call, resolved)
	}

	for range calls {
		<-done
	}
	return messages, unresolved
}

func (l *Loop) callOne(ctx context.Context, call openai.ToolCall, resolved resolvedTool) openai.ChatMessage {
	var args map[string]any
	_ = json.Unmarshal([]byte(call.Function.Arguments), &args)

	result, err := l.pool.CallTool(ctx, resolved.server, call.Function.Name, args)
	if err != nil {
		// an explicit tool error propagates as the tool's content; per the
		// open-question decision, only an *empty successful* result
		// triggers the fallback message.
		return openai.ChatMessage{Role: "tool", ToolCallID: call.ID, Content: "error: " + err.Error()}
	}
	if result.IsError {
		return openai.ChatMessage{Role: "tool", ToolCallID: call.ID, Content: "error: " + result.Text()}
	}
	if result.Empty() && resolved.fallbackMessage != "" {
		return openai.ChatMessage{Role: "tool", ToolCallID: call.ID, Content: resolved.fallbackMessage}
	}
	return openai.ChatMessage{Role: "tool", ToolCallID: call.ID, Content: result.Text()}
}
