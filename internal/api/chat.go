package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/llama-nexus/llama-nexus/internal/gwerror"
	"github.com/llama-nexus/llama-nexus/internal/metrics"
	"github.com/llama-nexus/llama-nexus/internal/openai"
	"github.com/llama-nexus/llama-nexus/internal/registry"
	"github.com/llama-nexus/llama-nexus/internal/toolloop"
)

const conversationIDHeader = "X-Conversation-Id"

// handleChatCompletions implements POST /v1/chat/completions: memory
// recall, RAG enrichment, backend selection, and the tool-call loop (for
// both the non-streaming and streaming paths), per §4.7 and §4.9.
func (s *Server) handleChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		gwerror.WriteJSON(c.Writer, gwerror.New(gwerror.InvalidRequest, "reading request body"))
		return
	}
	req, err := openai.ParseChatRequest(body)
	if err != nil {
		gwerror.WriteJSON(c.Writer, gwerror.New(gwerror.InvalidRequest, "malformed chat request: "+err.Error()))
		return
	}

	conversationID := c.GetHeader(conversationIDHeader)
	if s.mem != nil && conversationID != "" {
		s.recallInto(c.Request.Context(), conversationID, &req)
	}

	if s.rag != nil {
		if _, err := s.rag.Enrich(c.Request.Context(), &req); err != nil {
			gwerror.WriteJSON(c.Writer, err)
			return
		}
	}

	backend, err := s.reg.Pick(registry.Chat, req.Model)
	if err != nil {
		gwerror.WriteJSON(c.Writer, err)
		return
	}

	if s.mem != nil && conversationID != "" {
		if userMsg := lastUserMessage(req.Messages); userMsg != "" {
			_ = s.mem.Append(c.Request.Context(), conversationID, "user", userMsg)
		}
	}

	dispatch := s.chatDispatch(backend)

	if req.Stream && s.loop != nil && s.loop.HasTools() {
		s.handleStreamingWithTools(c, backend, req, dispatch, conversationID)
		return
	}
	if req.Stream {
		s.handlePassthroughStream(c, backend, req, conversationID)
		return
	}
	s.handleNonStreaming(c, backend, req, dispatch, conversationID)
}

// chatDispatch closes over backend and returns a toolloop.Dispatch that
// round-trips one non-streaming chat completion through the proxy core, for
// the tool loop's own re-dispatch turns.
func (s *Server) chatDispatch(backend *registry.Backend) toolloop.Dispatch {
	return func(ctx context.Context, req openai.ChatRequest) (openai.ChatResponse, error) {
		_, resp, err := s.dispatchRaw(ctx, backend, req)
		return resp, err
	}
}

// dispatchRaw round-trips one non-streaming chat completion and returns both
// the raw upstream body and the decoded form. The raw body lets the caller
// forward an untouched response verbatim (S1: "gateway response body equals
// upstream body") for the common case where the tool loop never runs.
func (s *Server) dispatchRaw(ctx context.Context, backend *registry.Backend, req openai.ChatRequest) ([]byte, openai.ChatResponse, error) {
	req.Stream = false
	payload, err := req.Marshal()
	if err != nil {
		return nil, openai.ChatResponse{}, err
	}
	start := time.Now()
	resp, err := s.proxy.Do(ctx, backend, "/chat/completions", bytes.NewReader(payload), nil)
	if err != nil {
		return nil, openai.ChatResponse{}, err
	}
	defer resp.Body.Close()
	metrics.ObserveProxyOutcome(backend.ID, string(backend.Kind), resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, openai.ChatResponse{}, fmt.Errorf("chat: reading upstream response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, openai.ChatResponse{}, gwerror.Newf(gwerror.UpstreamUnavailable, "upstream returned %d: %s", resp.StatusCode, string(raw))
	}
	var out openai.ChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, openai.ChatResponse{}, fmt.Errorf("chat: decoding upstream response: %w", err)
	}
	return raw, out, nil
}

func (s *Server) handleNonStreaming(c *gin.Context, backend *registry.Backend, req openai.ChatRequest, dispatch toolloop.Dispatch, conversationID string) {
	raw, resp, err := s.dispatchRaw(c.Request.Context(), backend, req)
	if err != nil {
		gwerror.WriteJSON(c.Writer, err)
		return
	}

	hasPendingToolCalls := len(resp.Choices) > 0 && len(resp.Choices[0].Message.ToolCalls) > 0
	if s.loop == nil || !hasPendingToolCalls {
		if s.mem != nil && conversationID != "" && len(resp.Choices) > 0 {
			_ = s.mem.Append(c.Request.Context(), conversationID, "assistant", resp.Choices[0].Message.Content)
		}
		c.Data(http.StatusOK, "application/json", raw)
		return
	}

	resp, err = s.loop.Run(c.Request.Context(), dispatch, req, resp)
	if err != nil {
		gwerror.WriteJSON(c.Writer, err)
		return
	}

	if s.mem != nil && conversationID != "" && len(resp.Choices) > 0 {
		_ = s.mem.Append(c.Request.Context(), conversationID, "assistant", resp.Choices[0].Message.Content)
	}

	c.JSON(http.StatusOK, resp)
}

// handlePassthroughStream forwards a streaming request directly to the
// backend without gateway-side tool execution, preserving true token-level
// streaming for deployments with no tool-role MCP servers configured. The
// upstream body is forwarded untouched, but a streamCapture tees the
// assistant content out of it so it can still land in the memory store
// (C8) alongside the user turn already appended at chat.go:61.
func (s *Server) handlePassthroughStream(c *gin.Context, backend *registry.Backend, req openai.ChatRequest, conversationID string) {
	payload, err := req.Marshal()
	if err != nil {
		gwerror.WriteJSON(c.Writer, gwerror.Newf(gwerror.Internal, "re-marshaling request: %v", err))
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(payload))
	c.Request.ContentLength = int64(len(payload))

	capture := newStreamCapture(c.Writer)
	err = s.proxy.Forward(capture, c.Request, backend, "/chat/completions")

	if s.mem != nil && conversationID != "" && capture.content.Len() > 0 {
		_ = s.mem.Append(c.Request.Context(), conversationID, "assistant", capture.content.String())
	}

	if err != nil {
		gwerror.WriteJSON(c.Writer, err)
	}
}

// streamCapture wraps an http.ResponseWriter, forwarding every byte written
// to it unchanged while also decoding the SSE frames that pass through to
// accumulate the assistant's content deltas, so a passthrough stream (which
// the gateway otherwise never parses) can still be recorded in memory.
type streamCapture struct {
	http.ResponseWriter
	pending bytes.Buffer
	content strings.Builder
}

func newStreamCapture(w http.ResponseWriter) *streamCapture {
	return &streamCapture{ResponseWriter: w}
}

func (sc *streamCapture) Write(p []byte) (int, error) {
	sc.pending.Write(p)
	sc.drainFrames()
	return sc.ResponseWriter.Write(p)
}

func (sc *streamCapture) Flush() {
	if f, ok := sc.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// drainFrames pulls complete lines out of the pending buffer, leaving any
// trailing partial line (an SSE frame can straddle two Write calls) for the
// next call to complete.
func (sc *streamCapture) drainFrames() {
	for {
		line, err := sc.pending.ReadString('\n')
		if err != nil {
			sc.pending.Reset()
			sc.pending.WriteString(line)
			return
		}
		sc.consumeLine(strings.TrimSpace(line))
	}
}

func (sc *streamCapture) consumeLine(line string) {
	if !strings.HasPrefix(line, "data:") {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" || payload == "[DONE]" {
		return
	}
	var chunk struct {
		Choices []struct {
			Delta toolloop.Delta `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return
	}
	if len(chunk.Choices) > 0 {
		sc.content.WriteString(chunk.Choices[0].Delta.Content)
	}
}

// handleStreamingWithTools consumes each upstream turn's SSE stream
// internally (so pending tool_calls can be reassembled and executed
// server-side), emits a keep-alive comment while tools run, and re-emits
// the converged answer to the client as a synthesized SSE stream, per
// §4.7 step 5. The converged content is appended to the memory store (C8)
// after the final chunk goes out, same as the non-streaming path.
func (s *Server) handleStreamingWithTools(c *gin.Context, backend *registry.Backend, req openai.ChatRequest, dispatch toolloop.Dispatch, conversationID string) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	current, err := s.streamOneTurn(c.Request.Context(), backend, req)
	if err != nil {
		s.log.Warn("streaming chat turn failed", zap.Error(err))
		return
	}

	turns := s.loop.MaxTurns()
	for turn := 0; turn < turns; turn++ {
		if len(current.Choices) == 0 || len(current.Choices[0].Message.ToolCalls) == 0 {
			break
		}
		req.Messages = append(req.Messages, current.Choices[0].Message)

		writeHeartbeat(w, flusher)
		next, unresolved, err := s.loop.RunOneTurn(c.Request.Context(), &req, current)
		if err != nil {
			s.log.Warn("tool loop turn failed", zap.Error(err))
			break
		}
		if unresolved {
			current = next
			break
		}

		streamed, err := s.streamOneTurn(c.Request.Context(), backend, req)
		if err != nil {
			s.log.Warn("streaming chat re-dispatch failed", zap.Error(err))
			break
		}
		current = streamed
	}

	writeFinalChunk(w, flusher, current)

	if s.mem != nil && conversationID != "" && len(current.Choices) > 0 && current.Choices[0].Message.Content != "" {
		_ = s.mem.Append(c.Request.Context(), conversationID, "assistant", current.Choices[0].Message.Content)
	}
}

// streamOneTurn performs one upstream streaming call, feeding every SSE
// delta into an aggregator, and returns the reassembled response.
func (s *Server) streamOneTurn(ctx context.Context, backend *registry.Backend, req openai.ChatRequest) (openai.ChatResponse, error) {
	streamReq := req
	streamReq.Stream = true
	payload, err := streamReq.Marshal()
	if err != nil {
		return openai.ChatResponse{}, err
	}

	start := time.Now()
	resp, err := s.proxy.Do(ctx, backend, "/chat/completions", bytes.NewReader(payload), nil)
	if err != nil {
		return openai.ChatResponse{}, err
	}
	defer resp.Body.Close()
	metrics.ObserveProxyOutcome(backend.ID, string(backend.Kind), resp.StatusCode, time.Since(start))

	agg := toolloop.NewDeltaAggregator()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta        toolloop.Delta `json:"delta"`
				FinishReason string         `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		agg.Feed(chunk.Choices[0].Delta, chunk.Choices[0].FinishReason)
	}

	finishReason := "stop"
	if agg.IsToolCalls() {
		finishReason = "tool_calls"
	}
	return openai.ChatResponse{
		Choices: []openai.ChatChoice{{Message: agg.Message(), FinishReason: finishReason}},
	}, nil
}

func writeHeartbeat(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = io.WriteString(w, toolloop.HeartbeatFrame)
	if flusher != nil {
		flusher.Flush()
	}
}

func writeFinalChunk(w http.ResponseWriter, flusher http.Flusher, resp openai.ChatResponse) {
	if len(resp.Choices) > 0 {
		frame := map[string]any{
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]any{"content": resp.Choices[0].Message.Content},
			}},
		}
		b, _ := json.Marshal(frame)
		fmt.Fprintf(w, "data: %s\n\n", b)
		doneFrame := map[string]any{
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{}, "finish_reason": "stop"}},
		}
		b, _ = json.Marshal(doneFrame)
		fmt.Fprintf(w, "data: %s\n\n", b)
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) recallInto(ctx context.Context, conversationID string, req *openai.ChatRequest) {
	summary, history, err := s.mem.Recall(ctx, conversationID, 0)
	if err != nil {
		s.log.Warn("memory recall failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	var prefix []openai.ChatMessage
	if summary != nil && *summary != "" {
		prefix = append(prefix, openai.ChatMessage{Role: "system", Content: "Conversation summary so far: " + *summary})
	}
	for _, m := range history {
		prefix = append(prefix, openai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	req.Messages = append(prefix, req.Messages...)
}

func lastUserMessage(messages []openai.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
