package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/llama-nexus/llama-nexus/internal/openai"
)

func TestBuildQueryTakesLastNUserMessagesInOrder(t *testing.T) {
	messages := []openai.ChatMessage{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "ignored"},
		{Role: "user", Content: "two"},
		{Role: "user", Content: "three"},
	}
	assert.Equal(t, "two\nthree", buildQuery(messages, 2))
}

func TestBuildQueryDefaultsWindowWhenUnset(t *testing.T) {
	messages := []openai.ChatMessage{{Role: "user", Content: "hi"}}
	assert.Equal(t, "hi", buildQuery(messages, 0))
}

func TestMergeSumsScoresForDuplicateDocumentIDs(t *testing.T) {
	vector := []Hit{{DocumentID: "doc-1", Score: 1, Text: "a"}, {DocumentID: "doc-2", Score: 0, Text: "b"}}
	keyword := []Hit{{DocumentID: "doc-1", Score: 1, Text: "a"}}

	merged := merge(vector, keyword, 10)
	var doc1 Hit
	for _, h := range merged {
		if h.DocumentID == "doc-1" {
			doc1 = h
		}
	}
	assert.Greater(t, doc1.Score, 1.0, "doc-1 appears in both sources and should outrank a single-source hit")
}

func TestMergeIsIdempotentOverTheSameCandidateSet(t *testing.T) {
	vector := []Hit{
		{DocumentID: "doc-3", Score: 0.2, Text: "c"},
		{DocumentID: "doc-1", Score: 0.9, Text: "a"},
		{DocumentID: "doc-2", Score: 0.9, Text: "b"},
	}

	first := merge(append([]Hit{}, vector...), nil, 10)
	second := merge(append([]Hit{}, vector...), nil, 10)

	assert.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].DocumentID, second[i].DocumentID)
	}
	// tie-break is document_id ascending, so doc-1 precedes doc-2 at equal score.
	assert.Equal(t, "doc-1", first[0].DocumentID)
	assert.Equal(t, "doc-2", first[1].DocumentID)
}

func TestMergeTruncatesToTopK(t *testing.T) {
	vector := []Hit{
		{DocumentID: "a", Score: 1}, {DocumentID: "b", Score: 2}, {DocumentID: "c", Score: 3},
	}
	merged := merge(vector, nil, 2)
	assert.Len(t, merged, 2)
	assert.Equal(t, "c", merged[0].DocumentID)
}

func TestInjectSystemMessagePrepends(t *testing.T) {
	req := &openai.ChatRequest{Messages: []openai.ChatMessage{{Role: "user", Content: "hello"}}}
	inject(req, "context block", "system-message")

	assert.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "context block", req.Messages[0].Content)
}

func TestInjectLastUserMessageSplicesIntoContent(t *testing.T) {
	req := &openai.ChatRequest{Messages: []openai.ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "user", Content: "what is the weather"},
	}}
	inject(req, "context block", "last-user-message")

	assert.Contains(t, req.Messages[2].Content, "context block")
	assert.Contains(t, req.Messages[2].Content, "what is the weather")
}
