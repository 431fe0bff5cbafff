package bot

import (
	"context"
	"testing"
	"time"

	"github.com/groupscribe/groupscribe/internal/llm"
	"github.com/groupscribe/groupscribe/internal/models"
	"github.com/groupscribe/groupscribe/internal/storage"
)

func seedChatter(t *testing.T, store *storage.MemoryStorage, jid string, base time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		msg := &models.Message{
			ID:        jid + "-m" + string(rune('a'+i)),
			ChatJID:   jid,
			GroupJID:  jid,
			SenderJID: testUser,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Text:      "chatter",
		}
		if err := store.UpsertMessage(context.Background(), msg); err != nil {
			t.Fatalf("UpsertMessage: %v", err)
		}
	}
}

func TestSyncDigestsDeliversAndAdvancesWatermark(t *testing.T) {
	store := storage.NewMemoryStorage()
	model := &fakeModel{digest: "this week: chatter"}
	h, gw := newTestHandler(t, store, model, &fakeIngester{})

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store.PutGroup(&models.Group{
		JID:             testGroup,
		Managed:         true,
		Name:            "Hiking Club",
		LastSummarySync: base.Add(-time.Hour),
		CommunityJIDs:   []string{"600@g.us"},
	})
	seedChatter(t, store, testGroup, base, digestMinMessages)

	if err := h.SyncDigests(context.Background()); err != nil {
		t.Fatalf("SyncDigests: %v", err)
	}

	sent := gw.messages()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want group + community", len(sent))
	}
	if sent[0].ChatJID != testGroup || sent[1].ChatJID != "600@g.us" {
		t.Errorf("digest misaddressed: %v", sent)
	}
	if sent[0].Text != "this week: chatter" {
		t.Errorf("digest text = %q", sent[0].Text)
	}

	group, err := store.GetGroup(context.Background(), testGroup)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if !group.LastSummarySync.After(base) {
		t.Errorf("watermark not advanced: %v", group.LastSummarySync)
	}
}

func TestSyncDigestsSkipsQuietGroup(t *testing.T) {
	store := storage.NewMemoryStorage()
	h, gw := newTestHandler(t, store, &fakeModel{digest: "nothing"}, &fakeIngester{})

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	watermark := base.Add(-time.Hour)
	store.PutGroup(&models.Group{JID: testGroup, Managed: true, LastSummarySync: watermark})
	seedChatter(t, store, testGroup, base, digestMinMessages-1)

	if err := h.SyncDigests(context.Background()); err != nil {
		t.Fatalf("SyncDigests: %v", err)
	}
	if sent := gw.messages(); len(sent) != 0 {
		t.Errorf("quiet group produced a digest: %v", sent)
	}

	group, err := store.GetGroup(context.Background(), testGroup)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	// The skipped window rolls into the next digest.
	if !group.LastSummarySync.Equal(watermark) {
		t.Errorf("watermark moved on a skipped group: %v", group.LastSummarySync)
	}
}

func TestSummarizeOnDemand(t *testing.T) {
	store := storage.NewMemoryStorage()
	model := &fakeModel{route: llm.RouteSummarize, digest: "recap of the week"}
	h, gw := newTestHandler(t, store, model, &fakeIngester{})
	store.PutGroup(&models.Group{JID: testGroup, Managed: true, Name: "Hiking Club"})

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	seedChatter(t, store, testGroup, base, digestMinMessages)

	if err := h.HandleMessage(context.Background(), groupPayload("q1", testUser, "@999 summarize please")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	sent := gw.messages()
	if len(sent) != 1 || sent[0].Text != "recap of the week" {
		t.Fatalf("unexpected replies: %v", sent)
	}
	if sent[0].ReplyToID != "q1" {
		t.Errorf("recap not threaded to the request: %+v", sent[0])
	}
}
