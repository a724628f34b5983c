package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llama-nexus/llama-nexus/internal/config"
	"github.com/llama-nexus/llama-nexus/internal/memory"
	"github.com/llama-nexus/llama-nexus/internal/proxy"
	"github.com/llama-nexus/llama-nexus/internal/registry"
)

func newTestChatServer(t *testing.T, upstreamURL string) (*Server, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := registry.New()
	_, err := reg.Register(upstreamURL, registry.Chat, "")
	require.NoError(t, err)

	s := &Server{engine: gin.New(), reg: reg, proxy: proxy.New(nil)}
	s.registerDataPlaneRoutes()
	return s, reg
}

func newTestChatServerWithMemory(t *testing.T, upstreamURL string) *Server {
	t.Helper()
	s, _ := newTestChatServer(t, upstreamURL)
	mem, err := memory.Open(config.Memory{
		ContextWindow: 2048,
		DatabasePath:  "sqlite:file::memory:?cache=shared&_busy_timeout=5000",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	s.mem = mem
	return s
}

// TestNonStreamingChatWithoutToolCallsForwardsUpstreamBodyVerbatim guards
// against decode-then-reencode lossiness: when the upstream reply has no
// pending tool_calls, the gateway must hand the client byte-for-byte the
// same body the upstream returned, including fields the gateway's own
// ChatResponse type does not model (usage, system_fingerprint, ...).
func TestNonStreamingChatWithoutToolCallsForwardsUpstreamBodyVerbatim(t *testing.T) {
	upstreamBody := `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"gpt-4","system_fingerprint":"fp_abc","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop","logprobs":null}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(upstreamBody))
	}))
	defer upstream.Close()

	s, _ := newTestChatServer(t, upstream.URL)

	reqBody, _ := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, upstreamBody, rec.Body.String(),
		"response body must equal the upstream body exactly when no tool call was resolved")
}

// TestPassthroughStreamAppendsAssistantContentToMemory guards against a
// half-populated conversation log: the user turn is always stored before
// dispatch, so the streamed assistant reply must land in memory too, even
// though the passthrough path otherwise never decodes the SSE body it
// forwards.
func TestPassthroughStreamAppendsAssistantContentToMemory(t *testing.T) {
	sseBody := "data: {\"choices\":[{\"delta\":{\"content\":\"hi \"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"there\"}}]}\n\n" +
		"data: [DONE]\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody))
	}))
	defer upstream.Close()

	s := newTestChatServerWithMemory(t, upstream.URL)

	reqBody, _ := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(reqBody))
	req.Header.Set(conversationIDHeader, "conv-stream-1")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	_, messages, err := s.mem.Recall(req.Context(), "conv-stream-1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 2, "both the user turn and the streamed assistant reply must be stored")
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Equal(t, "hi there", messages[1].Content)
}
