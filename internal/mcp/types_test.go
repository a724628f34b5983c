package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToolResultTextConcatenatesBlocks(t *testing.T) {
	r := ToolResult{Content: []Block{
		{Kind: BlockText, Text: "hello "},
		{Kind: BlockJSON, JSON: map[string]any{"a": 1}},
	}}
	text := r.Text()
	assert.Contains(t, text, "hello ")
	assert.Contains(t, text, "\"a\":1")
}

func TestToolResultEmpty(t *testing.T) {
	assert.True(t, ToolResult{}.Empty())
	assert.False(t, ToolResult{IsError: true}.Empty(), "an error result is never considered empty")
	assert.False(t, ToolResult{Content: []Block{{Kind: BlockText, Text: "x"}}}.Empty())
}

func TestMcpUnavailableErrorNamesTheServer(t *testing.T) {
	err := McpUnavailableError("weather-server")
	assert.Contains(t, err.Error(), "weather-server")
}
