package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/meridianworks/concierge/internal/kb"
)

// RegisterKnowledgeSearch adds the search_knowledge_base tool backed by
// the given document index.
func RegisterKnowledgeSearch(r *Registry, store *kb.Store) {
	r.Register(&Tool{
		Name:        "search_knowledge_base",
		Description: "Search the business knowledge base (services, pricing, opening hours, policies) for documents matching a keyword query. Use this before answering factual questions about the business.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Keywords to search for",
				},
				"topic": map[string]any{
					"type":        "string",
					"description": "Optional topic to restrict the search to (e.g. services, policies)",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			query := stringArg(args, "query")
			topic := stringArg(args, "topic")

			results, err := store.Search(query, topic, 3)
			if err != nil {
				return Result{}, fmt.Errorf("search knowledge base: %w", err)
			}
			if len(results) == 0 {
				return Result{Text: fmt.Sprintf("No knowledge base entries match %q. Tell the user you don't have that information and offer to pass the question on.", query)}, nil
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Found %d matching document(s):\n", len(results))
			for _, res := range results {
				fmt.Fprintf(&sb, "\n## %s\n%s\n", res.Title, res.Excerpt)
			}
			return Result{Text: sb.String()}, nil
		},
	})
}
