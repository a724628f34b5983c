package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/llama-nexus/llama-nexus/internal/gwerror"
	"github.com/llama-nexus/llama-nexus/internal/registry"
)

// registerDataPlaneRoutes wires every OpenAI-shaped route from §4.9. The
// chat route gets its own handler (memory/RAG/tool-loop orchestration);
// every other kind is a direct proxy passthrough via forwardTo.
func (s *Server) registerDataPlaneRoutes() {
	s.engine.POST("/v1/chat/completions", s.handleChatCompletions)
	s.engine.POST("/v1/embeddings", s.forwardTo(registry.Embeddings, "/embeddings"))
	s.engine.POST("/v1/images/generations", s.forwardTo(registry.Image, "/images/generations"))
	s.engine.POST("/v1/images/edits", s.forwardTo(registry.Image, "/images/edits"))
	s.engine.POST("/v1/audio/transcriptions", s.forwardTo(registry.Transcribe, "/audio/transcriptions"))
	s.engine.POST("/v1/audio/translations", s.forwardTo(registry.Translate, "/audio/translations"))
	s.engine.POST("/v1/audio/speech", s.forwardTo(registry.TTS, "/audio/speech"))
	s.engine.GET("/v1/models", s.handleListModels)
}

// forwardTo picks a backend of kind (honoring a "model" query parameter as
// the selection hint; the chat route takes its hint from the body's "model"
// field instead) and forwards the request body verbatim, never buffering it.
func (s *Server) forwardTo(kind registry.Kind, suffix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		hint := c.Query("model")
		backend, err := s.reg.Pick(kind, hint)
		if err != nil {
			gwerror.WriteJSON(c.Writer, err)
			return
		}
		if err := s.proxy.Forward(c.Writer, c.Request, backend, suffix); err != nil {
			gwerror.WriteJSON(c.Writer, err)
		}
	}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// handleListModels synthesizes an OpenAI-shaped GET /v1/models response
// with one entry per registered backend, using the backend's ID (the
// gateway has no separate model catalog). Model names found by the
// watchdog's /models probe are not listed, and Pick does not accept a
// backend ID as a model hint.
func (s *Server) handleListModels(c *gin.Context) {
	var data []modelEntry
	for _, kind := range registry.ValidKinds {
		for _, b := range s.reg.List(kind) {
			data = append(data, modelEntry{ID: b.ID, Object: "model", OwnedBy: string(kind)})
		}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
