// Package builtins provides the in-process tools shipped with xSwarm.
//
// Each constructor returns a [host.BuiltinTool] ready for
// [host.Host.RegisterBuiltin]. Builtins cover capabilities that need no
// external plugin server: clock access and long-term memory.
package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xswarm-ai/xswarm/internal/observe"
	"github.com/xswarm-ai/xswarm/internal/plugin"
	"github.com/xswarm-ai/xswarm/internal/plugin/host"
	"github.com/xswarm-ai/xswarm/pkg/memory"
	"github.com/xswarm-ai/xswarm/pkg/provider/embeddings"
)

// CurrentTime returns a tool reporting the current wall-clock time. The
// model has no clock of its own, so questions like "what time is it"
// resolve through this tool.
func CurrentTime() host.BuiltinTool {
	return host.BuiltinTool{
		Tool: plugin.Tool{
			Name:        "current_time",
			Description: "Returns the current date and time.",
			Parameters:  map[string]any{"type": "object"},
		},
		Handler: func(_ context.Context, _ string) (string, error) {
			return time.Now().Format("Monday, 2 January 2006, 15:04"), nil
		},
	}
}

// RememberFact returns a tool that stores a fact in the semantic index.
// The embedding is computed at store time; when the embeddings provider
// fails, the fact is stored with a zero vector so the text survives even
// though similarity search will not surface it. Degraded writes count
// against the embedding error metric. A nil met selects
// [observe.DefaultMetrics].
func RememberFact(index memory.SemanticIndex, embedder embeddings.Provider, sessionID uuid.UUID, met *observe.Metrics) host.BuiltinTool {
	if met == nil {
		met = observe.DefaultMetrics()
	}
	return host.BuiltinTool{
		Tool: plugin.Tool{
			Name:        "remember_fact",
			Description: "Stores a fact about the user for later recall.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "The fact to remember, as one sentence.",
					},
				},
				"required": []any{"text"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var params struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(args), &params); err != nil {
				return "", fmt.Errorf("remember_fact: invalid args: %w", err)
			}
			if strings.TrimSpace(params.Text) == "" {
				return "", fmt.Errorf("remember_fact: text is required")
			}

			embedding, err := embedder.Embed(ctx, params.Text)
			if err != nil {
				// Degraded write: keep the text, lose similarity search.
				met.RecordEmbeddingError(ctx)
				embedding = make([]float32, embedder.Dimensions())
			}

			id, err := index.Remember(ctx, memory.Fact{
				SessionID: sessionID,
				Text:      params.Text,
				Embedding: embedding,
				CreatedAt: time.Now(),
			})
			if err != nil {
				return "", fmt.Errorf("remember_fact: store: %w", err)
			}
			return fmt.Sprintf(`{"stored":true,"id":%q}`, id), nil
		},
	}
}

// RecallFacts returns a tool that searches the semantic index for facts
// similar to a query.
func RecallFacts(index memory.SemanticIndex, embedder embeddings.Provider) host.BuiltinTool {
	return host.BuiltinTool{
		Tool: plugin.Tool{
			Name:        "recall_facts",
			Description: "Recalls previously remembered facts relevant to a query.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to look for.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of facts to return. Default 5.",
					},
				},
				"required": []any{"query"},
			},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			var params struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := json.Unmarshal([]byte(args), &params); err != nil {
				return "", fmt.Errorf("recall_facts: invalid args: %w", err)
			}
			if strings.TrimSpace(params.Query) == "" {
				return "", fmt.Errorf("recall_facts: query is required")
			}
			if params.Limit <= 0 {
				params.Limit = 5
			}

			embedding, err := embedder.Embed(ctx, params.Query)
			if err != nil {
				return "", fmt.Errorf("recall_facts: embed query: %w", err)
			}

			results, err := index.Search(ctx, embedding, params.Limit)
			if err != nil {
				return "", fmt.Errorf("recall_facts: search: %w", err)
			}

			texts := make([]string, len(results))
			for i, r := range results {
				texts[i] = r.Fact.Text
			}
			out, err := json.Marshal(map[string]any{"facts": texts})
			if err != nil {
				return "", fmt.Errorf("recall_facts: marshal: %w", err)
			}
			return string(out), nil
		},
	}
}
