package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	toolListCacheTTL  = 5 * time.Minute
	protocolVersion   = "2024-11-05"
	clientName        = "llama-nexus"
	clientVersion     = "1.0.0"
	initialBackoff    = 1 * time.Second
	maxBackoff        = 60 * time.Second
)

// conn holds the live client session for one descriptor, plus its own
// reconnect state machine. One lock per server entry, per the concurrency
// model (§5).
type conn struct {
	desc Descriptor

	mu        sync.Mutex
	client    *client.Client
	connected bool
	backoff   time.Duration
}

// Pool is the MCP Client Pool (C5).
type Pool struct {
	log   *zap.Logger
	conns map[string]*conn
	order []string // descriptor declaration order, for deterministic first-declared-wins resolution
	cache *gocache.Cache
}

// New opens (best-effort) a client session for every enabled descriptor.
// A descriptor that fails to connect at startup is retried by its own
// background reconnect loop rather than failing the whole pool.
func New(ctx context.Context, descriptors []Descriptor, log *zap.Logger) *Pool {
	p := &Pool{
		log:   log,
		conns: make(map[string]*conn),
		cache: gocache.New(toolListCacheTTL, toolListCacheTTL*2),
	}
	for _, d := range descriptors {
		if !d.Enable {
			continue
		}
		c := &conn{desc: d, backoff: initialBackoff}
		p.conns[d.Name] = c
		p.order = append(p.order, d.Name)
		go p.maintain(ctx, c)
	}
	return p
}

// ServersWithRole returns the names of every enabled descriptor carrying the
// given role tag, in declaration order (used by the RAG orchestrator and the
// tool-call loop to find vector_search/keyword_search/tool servers; §4.7
// step 1 resolves a name collision to the first-declared server, which
// requires this order to be deterministic rather than map order).
func (p *Pool) ServersWithRole(role string) []string {
	var out []string
	for _, name := range p.order {
		if c, ok := p.conns[name]; ok && c.desc.Role == role {
			out = append(out, name)
		}
	}
	return out
}

// Descriptor returns the configuration for a named server.
func (p *Pool) Descriptor(name string) (Descriptor, bool) {
	c, ok := p.conns[name]
	if !ok {
		return Descriptor{}, false
	}
	return c.desc, true
}

// maintain owns one server's connect/reconnect loop with exponential
// backoff capped at 60s, per §4.5's failure policy.
func (p *Pool) maintain(ctx context.Context, c *conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := p.connect(ctx, c)
		if err == nil {
			c.mu.Lock()
			c.backoff = initialBackoff
			c.mu.Unlock()
			<-waitForDisconnect(ctx, c)
			continue
		}

		if p.log != nil {
			p.log.Warn("mcp connect failed, backing off",
				zap.String("server", c.desc.Name), zap.Error(err), zap.Duration("backoff", c.backoff))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff):
		}
		c.mu.Lock()
		c.backoff *= 2
		if c.backoff > maxBackoff {
			c.backoff = maxBackoff
		}
		c.mu.Unlock()
	}
}

// waitForDisconnect blocks until the underlying session reports itself
// disconnected (detected lazily: the next call_tool/list_tools failure
// flips `connected` to false and this loop picks it back up).
func waitForDisconnect(ctx context.Context, c *conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				down := !c.connected
				c.mu.Unlock()
				if down {
					return
				}
			}
		}
	}()
	return done
}

func (p *Pool) connect(ctx context.Context, c *conn) error {
	cl, err := newTransportClient(ctx, c.desc)
	if err != nil {
		return err
	}
	if err := cl.Start(ctx); err != nil {
		return fmt.Errorf("mcp: starting client for %s: %w", c.desc.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := cl.Initialize(ctx, initReq); err != nil {
		cl.Close()
		return fmt.Errorf("mcp: initializing %s: %w", c.desc.Name, err)
	}

	c.mu.Lock()
	c.client = cl
	c.connected = true
	c.mu.Unlock()

	if p.log != nil {
		p.log.Info("mcp server connected", zap.String("server", c.desc.Name), zap.String("transport", c.desc.Transport))
	}
	return nil
}

func newTransportClient(ctx context.Context, d Descriptor) (*client.Client, error) {
	token, err := bearerFor(ctx, d)
	if err != nil {
		return nil, err
	}

	var headerOpt transport.ClientOption
	if token != "" {
		headerOpt = transport.WithHeaders(map[string]string{"Authorization": "Bearer " + token})
	}

	switch d.Transport {
	case "sse":
		if headerOpt != nil {
			return client.NewSSEMCPClient(d.URL, headerOpt)
		}
		return client.NewSSEMCPClient(d.URL)
	case "streamable-http":
		if headerOpt != nil {
			return client.NewStreamableHttpClient(d.URL, headerOpt)
		}
		return client.NewStreamableHttpClient(d.URL)
	default:
		return nil, fmt.Errorf("mcp: unsupported transport %q for server %q", d.Transport, d.Name)
	}
}

// ListTools returns the cached tool list for a server, refreshing it on
// cache miss.
func (p *Pool) ListTools(ctx context.Context, serverName string) ([]ToolDescriptor, error) {
	if cached, ok := p.cache.Get(serverName); ok {
		return cached.([]ToolDescriptor), nil
	}

	c, ok := p.conns[serverName]
	if !ok {
		return nil, fmt.Errorf("mcp: unknown server %q", serverName)
	}
	c.mu.Lock()
	cl, connected := c.client, c.connected
	c.mu.Unlock()
	if !connected {
		return nil, McpUnavailableError(serverName)
	}

	resp, err := cl.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		p.markDisconnected(c)
		return nil, fmt.Errorf("mcp: list_tools on %s: %w", serverName, err)
	}

	out := make([]ToolDescriptor, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		out = append(out, ToolDescriptor{Server: serverName, Name: t.Name, Description: t.Description})
	}
	p.cache.Set(serverName, out, gocache.DefaultExpiration)
	return out, nil
}

// CallTool invokes a tool on a server with the configured per-call timeout.
// An in-flight call during a disconnection fails with McpUnavailable, per
// §4.5's failure policy.
func (p *Pool) CallTool(ctx context.Context, serverName, toolName string, arguments map[string]any) (ToolResult, error) {
	c, ok := p.conns[serverName]
	if !ok {
		return ToolResult{}, fmt.Errorf("mcp: unknown server %q", serverName)
	}
	c.mu.Lock()
	cl, connected := c.client, c.connected
	c.mu.Unlock()
	if !connected {
		return ToolResult{}, McpUnavailableError(serverName)
	}

	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = arguments

	resp, err := cl.CallTool(callCtx, req)
	if err != nil {
		p.markDisconnected(c)
		return ToolResult{}, fmt.Errorf("mcp: call_tool %s/%s: %w", serverName, toolName, err)
	}

	return toToolResult(resp), nil
}

func (p *Pool) markDisconnected(c *conn) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func toToolResult(resp *mcp.CallToolResult) ToolResult {
	result := ToolResult{IsError: resp.IsError}
	for _, content := range resp.Content {
		switch v := content.(type) {
		case mcp.TextContent:
			result.Content = append(result.Content, Block{Kind: BlockText, Text: v.Text})
		case mcp.ImageContent:
			result.Content = append(result.Content, Block{Kind: BlockImage, ImageRef: v.Data})
		default:
			result.Content = append(result.Content, Block{Kind: BlockJSON, JSON: v})
		}
	}
	return result
}

// McpUnavailableError is the sentinel error raised for a downed server.
func McpUnavailableError(server string) error {
	return fmt.Errorf("mcp: server %q unavailable", server)
}

// Reconnect forces a reconnect attempt for one server, per C5's contract.
func (p *Pool) Reconnect(ctx context.Context, serverName string) error {
	c, ok := p.conns[serverName]
	if !ok {
		return fmt.Errorf("mcp: unknown server %q", serverName)
	}
	p.markDisconnected(c)
	return p.connect(ctx, c)
}

// Close tears down every live session.
func (p *Pool) Close() {
	for _, c := range p.conns {
		c.mu.Lock()
		if c.client != nil {
			c.client.Close()
		}
		c.mu.Unlock()
	}
}
