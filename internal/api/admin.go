package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/llama-nexus/llama-nexus/internal/gwerror"
	"github.com/llama-nexus/llama-nexus/internal/registry"
)

var adminValidate = validator.New()

type registerBackendRequest struct {
	Kind   string `json:"kind" validate:"required"`
	URL    string `json:"url" validate:"required,url"`
	APIKey string `json:"api_key"`
}

type unregisterBackendRequest struct {
	ID string `json:"id" validate:"required"`
}

// backendView is the admin-surface shape documented in §6/§4.9: register
// returns {id,kind,url}; list returns a bare array of {id,kind,url,available}.
// Probe timestamps/outcomes are internal bookkeeping, not part of either
// documented response.
type backendView struct {
	ID        string        `json:"id"`
	Kind      registry.Kind `json:"kind"`
	URL       string        `json:"url"`
	Available *bool         `json:"available,omitempty"`
}

// registerAdminRoutes wires the registry's admin surface, generalizing the
// teacher's single-operator trust model (no admin auth layer of its own;
// it is expected to sit behind a private network or an API gateway, same
// as the teacher's /v1/* catch-all) into the explicit endpoints of §4.9.
func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.POST("/servers/register", s.handleRegisterBackend)
	admin.POST("/servers/unregister", s.handleUnregisterBackend)
	admin.GET("/servers", s.handleListBackends)
}

func (s *Server) handleRegisterBackend(c *gin.Context) {
	var req registerBackendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		gwerror.WriteJSON(c.Writer, gwerror.New(gwerror.InvalidRequest, "malformed body: "+err.Error()))
		return
	}
	if err := adminValidate.Struct(req); err != nil {
		gwerror.WriteJSON(c.Writer, gwerror.New(gwerror.InvalidRequest, err.Error()))
		return
	}

	backend, err := s.reg.Register(req.URL, registry.Kind(req.Kind), req.APIKey)
	if err != nil {
		gwerror.WriteJSON(c.Writer, err)
		return
	}
	c.JSON(http.StatusCreated, backendView{ID: backend.ID, Kind: backend.Kind, URL: backend.BaseURL})
}

func (s *Server) handleUnregisterBackend(c *gin.Context) {
	var req unregisterBackendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		gwerror.WriteJSON(c.Writer, gwerror.New(gwerror.InvalidRequest, "malformed body: "+err.Error()))
		return
	}
	if err := adminValidate.Struct(req); err != nil {
		gwerror.WriteJSON(c.Writer, gwerror.New(gwerror.InvalidRequest, err.Error()))
		return
	}
	if err := s.reg.Unregister(req.ID); err != nil {
		gwerror.WriteJSON(c.Writer, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListBackends(c *gin.Context) {
	kind := registry.Kind(c.Query("kind"))
	if kind != "" && !kind.Valid() {
		gwerror.WriteJSON(c.Writer, gwerror.New(gwerror.InvalidRequest, "invalid kind query parameter"))
		return
	}
	backends := s.reg.List(kind)
	views := make([]backendView, 0, len(backends))
	for _, b := range backends {
		available := b.Available()
		views = append(views, backendView{ID: b.ID, Kind: b.Kind, URL: b.BaseURL, Available: &available})
	}
	c.JSON(http.StatusOK, views)
}
