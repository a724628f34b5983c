// Package mcp implements the MCP Client Pool (C5): one client session per
// configured server descriptor, SSE or streamable-HTTP transport, with
// reconnect/backoff. An OAuth descriptor gets one client-credentials bearer
// token per connect; the token is not refreshed during a session, only
// fetched again on the next reconnect.
package mcp

import "time"

// BlockKind distinguishes the shapes of content an MCP tool result can carry.
type BlockKind string

const (
	BlockText  BlockKind = "text"
	BlockJSON  BlockKind = "json"
	BlockImage BlockKind = "image"
)

// Block is one piece of a ToolResult's content.
type Block struct {
	Kind BlockKind
	Text string
	JSON any
	// ImageRef holds a URI or data-URI reference for BlockImage.
	ImageRef string
}

// ToolResult is the normalized outcome of a call_tool invocation.
type ToolResult struct {
	Content []Block
	IsError bool
}

// Text concatenates every text block in the result, which is what the
// tool-call loop (C7) needs to stringify a result into a role="tool" message.
func (r ToolResult) Text() string {
	out := ""
	for _, b := range r.Content {
		switch b.Kind {
		case BlockText:
			out += b.Text
		case BlockJSON:
			out += toJSONString(b.JSON)
		case BlockImage:
			out += b.ImageRef
		}
	}
	return out
}

// Empty reports whether the result has no usable content — the trigger for
// a tool server's configured fallback_message, per §4.7.
func (r ToolResult) Empty() bool {
	return !r.IsError && r.Text() == ""
}

// ToolDescriptor mirrors what tools/list returns for one tool.
type ToolDescriptor struct {
	Server      string
	Name        string
	Description string
	InputSchema map[string]any
}

// Descriptor is the MCP Server Descriptor from the data model (§3).
type Descriptor struct {
	Name      string
	Transport string // "sse" | "streamable-http"
	URL       string
	OAuthURL  string
	Enable    bool
	Role      string // "tool" | "vector_search" | "keyword_search"

	FallbackMessage string
}

const (
	RoleTool          = "tool"
	RoleVectorSearch  = "vector_search"
	RoleKeywordSearch = "keyword_search"
)

const defaultCallTimeout = 30 * time.Second

func toJSONString(v any) string {
	b, err := marshalCompact(v)
	if err != nil {
		return ""
	}
	return string(b)
}
