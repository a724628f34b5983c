package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// summaryClient talks to the configured OpenAI-compatible summary service,
// the same request shape the memory store's chat clients use — no special
// casing, per the teacher's habit of reusing one request/response shape
// across call sites (record.go's FetchModeResponse).
type summaryClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newSummaryClient(baseURL, apiKey string) *summaryClient {
	return &summaryClient{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: 45 * time.Second}}
}

const (
	incrementalPrompt = "Combine the prior summary with the new messages below into one updated summary. Be concise, factual, and preserve user preferences and decisions.\n\nPrior summary:\n%s\n\nNew messages:\n%s"
	fullHistoryPrompt = "Rebuild a single concise summary covering the entire conversation so far, preserving facts, user preferences, and decisions. Fold the prior summary (covering messages no longer stored) together with the currently stored messages below; do not drop anything the prior summary covered.\n\nPrior summary:\n%s\n\nCurrently stored messages:\n%s"
)

func (c *summaryClient) summarize(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model":    "gpt-3.5-turbo",
		"stream":   false,
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.baseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("memory: summary service request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("memory: summary service returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("memory: decoding summary response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("memory: summary service returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func renderMessages(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
