package rag

import (
	"encoding/json"
	"strconv"
)

type structuredHit struct {
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
}

type structuredHits struct {
	Hits []structuredHit `json:"hits"`
}

// tryParseStructuredHits attempts to decode a tool result's text as the
// {"hits":[...]} shape documented for vector/keyword search tools.
func tryParseStructuredHits(text, source string) ([]Hit, bool) {
	var parsed structuredHits
	if err := json.Unmarshal([]byte(text), &parsed); err != nil || parsed.Hits == nil {
		return nil, false
	}
	out := make([]Hit, 0, len(parsed.Hits))
	for i, h := range parsed.Hits {
		docID := h.DocumentID
		if docID == "" {
			docID = source + ":" + strconv.Itoa(i)
		}
		out = append(out, Hit{DocumentID: docID, Score: h.Score, Text: h.Text, Source: source})
	}
	return out, true
}
