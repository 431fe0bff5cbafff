// Package search fuses semantic (vector) and lexical (keyword) retrieval
// over the synthesized knowledge base.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/groupscribe/groupscribe/internal/models"
	"github.com/groupscribe/groupscribe/internal/storage"
)

const (
	// keywordOnlyDistance is the placeholder cosine distance for topics
	// found only by the keyword leg. Keyword-only matches rank below any
	// vector hit.
	keywordOnlyDistance = 1.0
	// keywordLimit caps the keyword leg's raw message hits.
	keywordLimit = 20
	// messageSnippetLen bounds rendered source-message text.
	messageSnippetLen = 200

	// NoResultsSentinel is returned instead of an empty string so
	// downstream prompts remain well-formed.
	NoResultsSentinel = "No related topics found."
)

// Result is one retrieved topic with its resolved source messages.
type Result struct {
	Topic          models.Topic
	Messages       []models.Message
	VectorDistance float64
	KeywordRank    float64
}

// Retriever answers queries against the topic store.
type Retriever struct {
	store  storage.Storage
	logger *zap.Logger
}

func NewRetriever(store storage.Storage, logger *zap.Logger) *Retriever {
	return &Retriever{store: store, logger: logger}
}

// Hybrid merges vector-similarity topic search with keyword search over raw
// messages. Keyword hits are resolved back to their owning topics; topics
// the vector leg missed join the result set at the placeholder distance.
// Results are sorted by ascending vector distance.
func (r *Retriever) Hybrid(ctx context.Context, query string, embedding []float32, groupJIDs []string, vectorLimit, messagesPerTopic int) ([]Result, error) {
	vectorMatches, err := r.store.VectorSearchTopics(ctx, embedding, groupJIDs, vectorLimit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	keywordHits, err := r.store.KeywordSearchMessages(ctx, query, groupJIDs, keywordLimit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	resultMap := make(map[string]*Result)
	order := make([]string, 0, len(vectorMatches))
	for _, m := range vectorMatches {
		resultMap[m.Topic.ID] = &Result{
			Topic:          m.Topic,
			VectorDistance: m.Distance,
		}
		order = append(order, m.Topic.ID)
	}

	if len(keywordHits) > 0 {
		ids := make([]string, len(keywordHits))
		for i, msg := range keywordHits {
			ids[i] = msg.ID
		}
		topics, err := r.store.TopicsForMessages(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("resolving keyword topics: %w", err)
		}
		for _, t := range topics {
			if _, ok := resultMap[t.ID]; ok {
				continue
			}
			resultMap[t.ID] = &Result{
				Topic:          t,
				VectorDistance: keywordOnlyDistance,
				KeywordRank:    1,
			}
			order = append(order, t.ID)
		}
	}

	results := make([]Result, 0, len(resultMap))
	for _, id := range order {
		res := resultMap[id]
		msgs, err := r.store.MessagesForTopic(ctx, id, messagesPerTopic)
		if err != nil {
			return nil, fmt.Errorf("fetching topic messages: %w", err)
		}
		res.Messages = msgs
		results = append(results, *res)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].VectorDistance < results[j].VectorDistance
	})

	r.logger.Info("Hybrid search finished",
		zap.Int("vector_hits", len(vectorMatches)),
		zap.Int("keyword_hits", len(keywordHits)),
		zap.Int("merged_topics", len(results)))

	return results, nil
}

// FormatForPrompt renders results as a prompt-ready string: each topic as a
// header followed by its truncated source messages. Sender identifiers are
// replaced by opt-out-aware display names. Empty input renders the fixed
// sentinel, never an empty string.
func FormatForPrompt(results []Result, displayNames map[string]string) string {
	if len(results) == 0 {
		return NoResultsSentinel
	}

	parts := make([]string, 0, len(results))
	for _, res := range results {
		var b strings.Builder
		fmt.Fprintf(&b, "## %s\n%s", res.Topic.Subject, res.Topic.Summary)

		var lines []string
		for _, msg := range res.Messages {
			if msg.Text == "" {
				continue
			}
			sender := models.JIDUser(msg.SenderJID)
			display := "@" + sender
			if name, ok := displayNames[sender]; ok {
				display = name
			}
			text := msg.Text
			if len(text) > messageSnippetLen {
				text = text[:messageSnippetLen] + "..."
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", display, text))
		}
		if len(lines) > 0 {
			b.WriteString("\n\n### Related Messages:\n")
			b.WriteString(strings.Join(lines, "\n"))
		}
		parts = append(parts, b.String())
	}

	return strings.Join(parts, "\n\n---\n\n")
}
