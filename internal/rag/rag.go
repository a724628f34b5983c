// Package rag implements the RAG Orchestrator (C6): query extraction,
// concurrent MCP fan-out to vector/keyword search tools, score-normalized
// merge, and injection into the outbound chat body.
package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llama-nexus/llama-nexus/internal/config"
	"github.com/llama-nexus/llama-nexus/internal/gwerror"
	"github.com/llama-nexus/llama-nexus/internal/mcp"
	"github.com/llama-nexus/llama-nexus/internal/openai"
)

// Hit is a RAG Hit from the data model (§3).
type Hit struct {
	DocumentID string
	Score      float64
	Text       string
	Source     string
}

// Orchestrator is C6.
type Orchestrator struct {
	pool *mcp.Pool
	cfg  config.RAG
}

func New(pool *mcp.Pool, cfg config.RAG) *Orchestrator {
	return &Orchestrator{pool: pool, cfg: cfg}
}

// Enrich mutates req in place per the algorithm in §4.6, returning the
// merged hits (for logging/metrics) alongside any error.
func (o *Orchestrator) Enrich(ctx context.Context, req *openai.ChatRequest) ([]Hit, error) {
	if !o.cfg.Enable {
		return nil, nil
	}

	query := buildQuery(req.Messages, o.cfg.ContextWindow)
	if query == "" {
		return nil, nil
	}

	deadline := time.Duration(o.cfg.RetrievalBudgetSeconds) * time.Second
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	retrievalCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	retrievalCtx = withQuery(retrievalCtx, query)

	vectorHits, keywordHits, err := o.retrieve(retrievalCtx)
	if err != nil {
		return nil, err
	}

	merged := merge(vectorHits, keywordHits, o.resultCount())
	if len(merged) == 0 {
		return merged, nil
	}

	block := render(merged, o.cfg.Prompt)
	inject(req, block, o.cfg.Policy)
	return merged, nil
}

func (o *Orchestrator) resultCount() int {
	if o.cfg.ResultCount > 0 {
		return o.cfg.ResultCount
	}
	return 5
}

// retrieve fans out to the vector_search server (required) and the
// keyword_search server (optional) concurrently. A vector-search failure
// fails the whole request; a keyword-search failure is dropped without being
// logged and the request proceeds vector-only. The combined phase is capped by
// retrievalCtx's deadline; on deadline it proceeds with whatever is in hand.
func (o *Orchestrator) retrieve(ctx context.Context) ([]Hit, []Hit, error) {
	vectorServers := o.pool.ServersWithRole(mcp.RoleVectorSearch)
	if len(vectorServers) == 0 {
		return nil, nil, gwerror.New(gwerror.RagUnavailable, "rag enabled but no vector_search server is configured")
	}

	var vectorHits, keywordHits []Hit
	var vectorErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := o.searchAll(gctx, vectorServers, "query")
		vectorHits = hits
		vectorErr = err
		return nil // never fail the group on the optional/required split here; evaluated after Wait.
	})

	keywordServers := o.pool.ServersWithRole(mcp.RoleKeywordSearch)
	if len(keywordServers) > 0 {
		g.Go(func() error {
			hits, err := o.searchAll(gctx, keywordServers, "query")
			if err != nil {
				// optional source: swallow the error, proceed vector-only.
				return nil
			}
			keywordHits = hits
			return nil
		})
	}

	_ = g.Wait()

	if vectorErr != nil {
		if errors.Is(vectorErr, context.DeadlineExceeded) {
			// the retrieval budget ran out mid-fan-out: proceed with whatever
			// partial vector hits are already in hand, per §4.6, rather than
			// failing the whole request the way an unreachable server would.
			return vectorHits, keywordHits, nil
		}
		return nil, nil, gwerror.Newf(gwerror.RagUnavailable, "vector_search unavailable: %v", vectorErr)
	}
	return vectorHits, keywordHits, nil
}

// searchAll always returns whatever hits it accumulated before an error, so
// a deadline hit partway through a multi-server fan-out doesn't discard
// earlier servers' results.
func (o *Orchestrator) searchAll(ctx context.Context, servers []string, queryArgName string) ([]Hit, error) {
	var all []Hit
	for _, server := range servers {
		tools, err := o.pool.ListTools(ctx, server)
		if err != nil {
			return all, err
		}
		toolName := firstToolName(tools)
		if toolName == "" {
			continue
		}
		res, err := o.pool.CallTool(ctx, server, toolName, map[string]any{
			queryArgName: ctx.Value(queryContextKey{}),
			"k":          o.resultCount(),
		})
		if err != nil {
			return all, err
		}
		all = append(all, parseHits(res, server)...)
	}
	return all, nil
}

type queryContextKey struct{}

// withQuery stashes the retrieval query on the context so searchAll's
// generic tool-call helper can read it without threading an extra parameter
// through errgroup closures.
func withQuery(ctx context.Context, q string) context.Context {
	return context.WithValue(ctx, queryContextKey{}, q)
}

func firstToolName(tools []mcp.ToolDescriptor) string {
	if len(tools) == 0 {
		return ""
	}
	return tools[0].Name
}

// parseHits interprets a tool result as a list of RAG hits. Tool servers are
// expected to return a JSON block shaped like
// {"hits":[{"document_id":...,"score":...,"text":...}]}; a plain text block
// is treated as a single unscored hit.
func parseHits(res mcp.ToolResult, source string) []Hit {
	text := res.Text()
	if text == "" {
		return nil
	}
	if hits, ok := tryParseStructuredHits(text, source); ok {
		return hits
	}
	return []Hit{{DocumentID: source + ":0", Score: 1, Text: text, Source: source}}
}

func buildQuery(messages []openai.ChatMessage, window int) string {
	if window <= 0 {
		window = 3
	}
	var userMsgs []string
	for i := len(messages) - 1; i >= 0 && len(userMsgs) < window; i-- {
		if messages[i].Role == "user" {
			userMsgs = append([]string{messages[i].Content}, userMsgs...)
		}
	}
	return strings.Join(userMsgs, "\n")
}

// merge implements §4.6 step 3: per-source min-max normalization, summed
// score for hits seen in both sources, descending sort, de-duplication by
// document ID keeping the higher-ranked entry, top-k. Merging the same
// candidate set twice yields the same order (property §8.6) because the
// sort is a strict total order over (score desc, document_id asc).
func merge(vector, keyword []Hit, k int) []Hit {
	normalize(vector)
	normalize(keyword)

	byID := make(map[string]Hit)
	for _, h := range append(append([]Hit{}, vector...), keyword...) {
		if existing, ok := byID[h.DocumentID]; ok {
			existing.Score += h.Score
			byID[h.DocumentID] = existing
		} else {
			byID[h.DocumentID] = h
		}
	}

	out := make([]Hit, 0, len(byID))
	for _, h := range byID {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func normalize(hits []Hit) {
	if len(hits) == 0 {
		return
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	span := max - min
	for i := range hits {
		if span == 0 {
			hits[i].Score = 1
			continue
		}
		hits[i].Score = (hits[i].Score - min) / span
	}
}

const defaultTemplate = "Use the following retrieved context to answer the question:\n\n%s"

func render(hits []Hit, promptTemplate string) string {
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. %s\n", i+1, h.Text)
	}
	snippets := strings.TrimRight(b.String(), "\n")
	if promptTemplate != "" {
		return fmt.Sprintf(promptTemplate, snippets)
	}
	return fmt.Sprintf(defaultTemplate, snippets)
}

// inject splices the rendered context block into the outbound chat body per
// the configured policy.
func inject(req *openai.ChatRequest, block, policy string) {
	switch policy {
	case "system-message":
		req.Messages = append([]openai.ChatMessage{{Role: "system", Content: block}}, req.Messages...)
	case "last-user-message":
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				req.Messages[i].Content = block + "\n\n" + req.Messages[i].Content
				return
			}
		}
		// no user message found: fall back to prepending a system message.
		req.Messages = append([]openai.ChatMessage{{Role: "system", Content: block}}, req.Messages...)
	}
}
