package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llama-nexus/llama-nexus/internal/mcp"
)

func TestTryParseStructuredHitsSynthesizesMissingDocumentIDs(t *testing.T) {
	hits, ok := tryParseStructuredHits(`{"hits":[{"score":0.5,"text":"a"},{"document_id":"real-id","score":0.9,"text":"b"}]}`, "vecsrc")
	require.True(t, ok)
	require.Len(t, hits, 2)
	assert.Equal(t, "vecsrc:0", hits[0].DocumentID)
	assert.Equal(t, "real-id", hits[1].DocumentID)
}

func TestTryParseStructuredHitsRejectsPlainText(t *testing.T) {
	_, ok := tryParseStructuredHits("just some prose", "src")
	assert.False(t, ok)
}

func TestParseHitsFallsBackToWholeTextAsOneHit(t *testing.T) {
	result := mcp.ToolResult{Content: []mcp.Block{{Kind: mcp.BlockText, Text: "no structure here"}}}
	hits := parseHits(result, "src")
	require.Len(t, hits, 1)
	assert.Equal(t, "src:0", hits[0].DocumentID)
	assert.Equal(t, "no structure here", hits[0].Text)
}
