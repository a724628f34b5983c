// Package api implements the Admin & Data-Plane API (C9): the HTTP surface
// that exposes the registration endpoints and the OpenAI-shaped routes,
// generalizing the teacher's single catch-all POST /v1/*any plus its CORS
// preflight handler (main.go) into the explicit route table of §4.9.
package api

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	ginmetrics "github.com/penglongli/gin-metrics/ginmetrics"
	"go.uber.org/zap"

	"github.com/llama-nexus/llama-nexus/internal/mcp"
	"github.com/llama-nexus/llama-nexus/internal/memory"
	"github.com/llama-nexus/llama-nexus/internal/proxy"
	"github.com/llama-nexus/llama-nexus/internal/rag"
	"github.com/llama-nexus/llama-nexus/internal/registry"
	"github.com/llama-nexus/llama-nexus/internal/toolloop"
)

// Server wires every component behind the HTTP surface.
type Server struct {
	engine *gin.Engine
	reg    *registry.Registry
	proxy  *proxy.Proxy
	pool   *mcp.Pool
	rag    *rag.Orchestrator
	loop   *toolloop.Loop
	mem    *memory.Store // nil if memory is disabled
	log    *zap.Logger

	webUIDir string
}

// New builds the gin engine and registers every route from §4.9.
func New(reg *registry.Registry, p *proxy.Proxy, pool *mcp.Pool, orchestrator *rag.Orchestrator, loop *toolloop.Loop, mem *memory.Store, webUIDir string, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	s := &Server{engine: engine, reg: reg, proxy: p, pool: pool, rag: orchestrator, loop: loop, mem: mem, log: log, webUIDir: webUIDir}

	monitor := ginmetrics.GetMonitor()
	monitor.SetMetricPath("/metrics")
	monitor.SetSlowTime(5)
	monitor.SetDuration([]time.Duration{time.Millisecond * 100, time.Millisecond * 500, time.Second})
	monitor.Use(engine)

	s.registerAdminRoutes()
	s.registerDataPlaneRoutes()
	s.registerHealthAndUI()

	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
		header.Set("Access-Control-Allow-Headers", "Origin, Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func (s *Server) registerHealthAndUI() {
	s.engine.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if s.webUIDir == "" {
		return
	}
	dir := s.webUIDir
	s.engine.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Status(http.StatusNotFound)
			return
		}
		requested := filepath.Join(dir, filepath.Clean(c.Request.URL.Path))
		if info, err := os.Stat(requested); err == nil && !info.IsDir() {
			c.File(requested)
			return
		}
		// SPA fallback.
		c.File(filepath.Join(dir, "index.html"))
	})
}

