package synthesizer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/groupscribe/groupscribe/internal/llm"
	"github.com/groupscribe/groupscribe/internal/models"
	"github.com/groupscribe/groupscribe/internal/segment"
	"github.com/groupscribe/groupscribe/internal/storage"
)

const (
	testGroupJID = "2000@g.us"
	selfJID      = "999@s.whatsapp.net"
)

type fakeModel struct {
	draft         llm.TopicDraft
	generateCalls int
	conversations []string
}

func (f *fakeModel) GenerateTopic(ctx context.Context, conversation string) (llm.TopicDraft, error) {
	f.generateCalls++
	f.conversations = append(f.conversations, conversation)
	return f.draft, nil
}

func (f *fakeModel) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func seedMessages(t *testing.T, store *storage.MemoryStorage, base time.Time, n int, sender string) {
	t.Helper()
	for i := 0; i < n; i++ {
		msg := &models.Message{
			ID:        string(rune('a'+i)) + sender,
			ChatJID:   testGroupJID,
			GroupJID:  testGroupJID,
			SenderJID: sender,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Text:      "message body",
		}
		if err := store.UpsertMessage(context.Background(), msg); err != nil {
			t.Fatalf("UpsertMessage: %v", err)
		}
	}
}

func newLoader(store *storage.MemoryStorage, model Model) *Loader {
	opts := segment.Options{GapHours: 2, MinSize: 2, MaxSize: 50, Overlap: 0}
	return NewLoader(store, model, selfJID, opts, zap.NewNop())
}

func TestSynthesizeIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStorage()
	model := &fakeModel{draft: llm.TopicDraft{Subject: "Trip planning", Summary: "@user_1 booked flights"}}
	loader := newLoader(store, model)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	group := &models.Group{JID: testGroupJID, Managed: true}
	chunk := []models.Message{
		{ID: "m1", GroupJID: testGroupJID, SenderJID: "111@s.whatsapp.net", Timestamp: base, Text: "booked the flights"},
		{ID: "m2", GroupJID: testGroupJID, SenderJID: "222@s.whatsapp.net", Timestamp: base.Add(time.Minute), Text: "great, thanks @111"},
	}
	for i := range chunk {
		if err := store.UpsertMessage(context.Background(), &chunk[i]); err != nil {
			t.Fatalf("UpsertMessage: %v", err)
		}
	}

	if err := loader.Synthesize(context.Background(), group, chunk); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if err := loader.Synthesize(context.Background(), group, chunk); err != nil {
		t.Fatalf("Synthesize (second run): %v", err)
	}
	if got := store.TopicCount(); got != 1 {
		t.Errorf("topic count after replay = %d, want 1", got)
	}

	// Raw sender IDs never reach the model.
	conv := model.conversations[0]
	if strings.Contains(conv, "111") || strings.Contains(conv, "222") {
		t.Errorf("conversation leaked raw identifiers: %q", conv)
	}
	if !strings.Contains(conv, "@user_1") {
		t.Errorf("conversation missing speaker token: %q", conv)
	}

	// The stored summary has the model's token mapped back to the raw id.
	topics, err := store.TopicsForMessages(context.Background(), []string{"m1"})
	if err != nil {
		t.Fatalf("TopicsForMessages: %v", err)
	}
	if len(topics) != 1 {
		t.Fatalf("got %d topics, want 1", len(topics))
	}
	if topics[0].Summary != "@111 booked flights" {
		t.Errorf("summary = %q, want reidentified @111", topics[0].Summary)
	}
	if topics[0].ID != models.TopicID(testGroupJID, base, "Trip planning") {
		t.Errorf("topic ID not derived from group, start and subject")
	}
	// Only the speaker the model referenced is recorded; 222 is filtered out.
	if topics[0].Speakers != "111" {
		t.Errorf("speakers = %q, want %q", topics[0].Speakers, "111")
	}
}

func TestSynthesizeSkipsTextlessChunk(t *testing.T) {
	store := storage.NewMemoryStorage()
	model := &fakeModel{draft: llm.TopicDraft{Subject: "s", Summary: "s"}}
	loader := newLoader(store, model)

	chunk := []models.Message{
		{ID: "m1", GroupJID: testGroupJID, SenderJID: "111@s.whatsapp.net", Timestamp: time.Now(), MediaURL: "https://cdn/img.jpg"},
	}
	group := &models.Group{JID: testGroupJID}
	if err := loader.Synthesize(context.Background(), group, chunk); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if model.generateCalls != 0 {
		t.Errorf("model called %d times for a textless chunk", model.generateCalls)
	}
	if store.TopicCount() != 0 {
		t.Error("textless chunk produced a topic")
	}
}

func TestLoadGroupAdvancesWatermarkAndExcludesSelf(t *testing.T) {
	store := storage.NewMemoryStorage()
	model := &fakeModel{draft: llm.TopicDraft{Subject: "Daily chatter", Summary: "small talk"}}
	loader := newLoader(store, model)

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store.PutGroup(&models.Group{JID: testGroupJID, Managed: true, LastIngest: base.Add(-time.Hour)})
	seedMessages(t, store, base, 4, "111@s.whatsapp.net")
	seedMessages(t, store, base, 2, selfJID)

	group, err := store.GetGroup(context.Background(), testGroupJID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if err := loader.LoadGroup(context.Background(), group); err != nil {
		t.Fatalf("LoadGroup: %v", err)
	}

	if model.generateCalls != 1 {
		t.Fatalf("generate calls = %d, want 1", model.generateCalls)
	}
	if strings.Contains(model.conversations[0], "@"+identitySelfToken) {
		t.Errorf("bot's own messages were ingested: %q", model.conversations[0])
	}

	updated, err := store.GetGroup(context.Background(), testGroupJID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	wantWatermark := base.Add(3 * time.Minute)
	if !updated.LastIngest.Equal(wantWatermark) {
		t.Errorf("watermark = %v, want %v", updated.LastIngest, wantWatermark)
	}
}

// identitySelfToken mirrors the pseudonym assigned to the bot's own JID.
const identitySelfToken = "bot"

func TestLoadAllGroupsIsolatesFailures(t *testing.T) {
	store := storage.NewMemoryStorage()
	model := &failOnceModel{failFor: "hello from bad"}
	loader := NewLoader(store, model, selfJID, segment.Options{GapHours: 2, MinSize: 1, MaxSize: 50}, zap.NewNop())

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, name := range []string{"bad", "good"} {
		jid := name + "@g.us"
		store.PutGroup(&models.Group{JID: jid, Managed: true, LastIngest: base.Add(-time.Hour)})
		msg := &models.Message{
			ID: "m-" + jid, ChatJID: jid, GroupJID: jid,
			SenderJID: "111@s.whatsapp.net", Timestamp: base, Text: "hello from " + name,
		}
		if err := store.UpsertMessage(context.Background(), msg); err != nil {
			t.Fatalf("UpsertMessage: %v", err)
		}
	}

	err := loader.LoadAllGroups(context.Background())
	if err == nil || !strings.Contains(err.Error(), "1 of 2 groups failed") {
		t.Fatalf("err = %v, want summary naming 1 of 2 failures", err)
	}
	if store.TopicCount() != 1 {
		t.Errorf("topic count = %d, want 1 from the healthy group", store.TopicCount())
	}
}

type failOnceModel struct {
	failFor string
}

func (f *failOnceModel) GenerateTopic(ctx context.Context, conversation string) (llm.TopicDraft, error) {
	if strings.Contains(conversation, f.failFor) {
		return llm.TopicDraft{}, errors.New("model unavailable")
	}
	return llm.TopicDraft{Subject: "Subject", Summary: "Summary"}, nil
}

func (f *failOnceModel) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}
