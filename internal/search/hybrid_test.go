package search

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/groupscribe/groupscribe/internal/models"
	"github.com/groupscribe/groupscribe/internal/storage"
)

const groupJID = "1000@g.us"

func seedTopic(t *testing.T, store *storage.MemoryStorage, id, subject, summary string, emb []float32, msgs ...models.Message) {
	t.Helper()
	ctx := context.Background()

	topic := &models.Topic{
		ID:        id,
		GroupJID:  groupJID,
		StartTime: time.Now(),
		Subject:   subject,
		Summary:   summary,
		Embedding: pgvector.NewVector(emb),
	}
	if err := store.UpsertTopic(ctx, topic); err != nil {
		t.Fatalf("UpsertTopic: %v", err)
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		m.GroupJID = groupJID
		m.ChatJID = groupJID
		if err := store.UpsertMessage(ctx, &m); err != nil {
			t.Fatalf("UpsertMessage: %v", err)
		}
		ids[i] = m.ID
	}
	if err := store.LinkTopicMessages(ctx, id, ids); err != nil {
		t.Fatalf("LinkTopicMessages: %v", err)
	}
}

func TestKeywordLegFindsWhatVectorLegMisses(t *testing.T) {
	store := storage.NewMemoryStorage()
	retriever := NewRetriever(store, zap.NewNop())

	// Topic whose summary never mentions the keyword, but whose linked
	// source message does. Its embedding points away from the query.
	seedTopic(t, store, "t-timeline", "Project timeline", "Discussion about timeline",
		[]float32{0, 1, 0},
		models.Message{ID: "m1", SenderJID: "111@s.whatsapp.net", Text: "hard deadline this Friday", Timestamp: time.Now()})

	// A semantically close topic for the vector leg.
	seedTopic(t, store, "t-other", "Weekend plans", "Chat about the weekend",
		[]float32{1, 0, 0},
		models.Message{ID: "m2", SenderJID: "222@s.whatsapp.net", Text: "see you Saturday", Timestamp: time.Now()})

	results, err := retriever.Hybrid(context.Background(), "Friday deadline", []float32{1, 0, 0}, []string{groupJID}, 1, 5)
	if err != nil {
		t.Fatalf("Hybrid: %v", err)
	}

	var timeline *Result
	for i := range results {
		if results[i].Topic.ID == "t-timeline" {
			timeline = &results[i]
		}
	}
	if timeline == nil {
		t.Fatalf("keyword leg did not surface t-timeline; results: %v", resultIDs(results))
	}
	if timeline.VectorDistance != 1.0 {
		t.Errorf("keyword-only topic distance = %v, want placeholder 1.0", timeline.VectorDistance)
	}
	if timeline.KeywordRank != 1 {
		t.Errorf("keyword-only topic rank = %v, want 1", timeline.KeywordRank)
	}
	if len(timeline.Messages) == 0 || timeline.Messages[0].ID != "m1" {
		t.Errorf("source messages not resolved: %v", timeline.Messages)
	}
}

func TestVectorHitsRankAboveKeywordOnly(t *testing.T) {
	store := storage.NewMemoryStorage()
	retriever := NewRetriever(store, zap.NewNop())

	seedTopic(t, store, "t-vector", "Close topic", "Semantically close",
		[]float32{1, 0, 0},
		models.Message{ID: "m1", SenderJID: "111@s.whatsapp.net", Text: "nothing relevant", Timestamp: time.Now()})
	seedTopic(t, store, "t-keyword", "Far topic", "Semantically far",
		[]float32{0, 0, 1},
		models.Message{ID: "m2", SenderJID: "222@s.whatsapp.net", Text: "the magic keyword", Timestamp: time.Now()})

	results, err := retriever.Hybrid(context.Background(), "magic keyword", []float32{1, 0, 0}, nil, 1, 5)
	if err != nil {
		t.Fatalf("Hybrid: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2: %v", len(results), resultIDs(results))
	}
	if results[0].Topic.ID != "t-vector" || results[1].Topic.ID != "t-keyword" {
		t.Errorf("order = %v, want vector hit first", resultIDs(results))
	}
}

func TestGroupScopeFiltersBothLegs(t *testing.T) {
	store := storage.NewMemoryStorage()
	retriever := NewRetriever(store, zap.NewNop())

	seedTopic(t, store, "t-in", "In scope", "About deadlines",
		[]float32{1, 0, 0},
		models.Message{ID: "m1", SenderJID: "111@s.whatsapp.net", Text: "deadline talk", Timestamp: time.Now()})

	results, err := retriever.Hybrid(context.Background(), "deadline", []float32{1, 0, 0}, []string{"other@g.us"}, 5, 5)
	if err != nil {
		t.Fatalf("Hybrid: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("out-of-scope search returned %v", resultIDs(results))
	}
}

func TestFormatForPrompt(t *testing.T) {
	long := strings.Repeat("x", 300)
	results := []Result{{
		Topic: models.Topic{Subject: "Subject", Summary: "Summary"},
		Messages: []models.Message{
			{SenderJID: "12345@s.whatsapp.net", Text: long},
			{SenderJID: "67890@s.whatsapp.net", Text: "short"},
		},
	}}

	out := FormatForPrompt(results, map[string]string{"12345": "Dana"})
	if !strings.Contains(out, "## Subject\nSummary") {
		t.Errorf("missing topic header in %q", out)
	}
	if !strings.Contains(out, "- Dana: ") {
		t.Errorf("opted-out sender not replaced by display name: %q", out)
	}
	if !strings.Contains(out, "- @67890: short") {
		t.Errorf("regular sender not tagged: %q", out)
	}
	if strings.Contains(out, long) {
		t.Error("long message text was not truncated")
	}
	if !strings.Contains(out, strings.Repeat("x", 200)+"...") {
		t.Error("truncated text missing ellipsis")
	}
}

func TestFormatForPromptEmptyRendersSentinel(t *testing.T) {
	if got := FormatForPrompt(nil, nil); got != NoResultsSentinel {
		t.Errorf("FormatForPrompt(nil) = %q, want sentinel", got)
	}
}

func resultIDs(results []Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Topic.ID
	}
	return ids
}
