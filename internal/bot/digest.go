package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/groupscribe/groupscribe/internal/models"
)

const (
	// digestMinMessages is the minimum activity since the last digest
	// worth summarizing.
	digestMinMessages = 7

	digestWindowLimit = 200

	transcriptTimeLayout = "2006-01-02 15:04"

	quietGroupReply = "Not much has happened here lately, nothing worth summarizing yet."
)

// summarizeOnDemand answers a "summarize" request with a digest of the
// group's recent conversation.
func (h *Handler) summarizeOnDemand(ctx context.Context, group *models.Group, msg *models.Message) error {
	recent, err := h.store.RecentMessages(ctx, msg.ChatJID, digestWindowLimit)
	if err != nil {
		return fmt.Errorf("load recent messages: %w", err)
	}
	// RecentMessages is newest first; the transcript reads oldest first.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}

	if countHuman(recent, h.selfJID) < digestMinMessages {
		return h.sendAndRecord(ctx, msg.ChatJID, msg.GroupJID, quietGroupReply, msg.ID)
	}

	transcript, err := h.transcript(ctx, recent)
	if err != nil {
		return err
	}
	digest, err := h.model.Digest(ctx, group.Name, transcript)
	if err != nil {
		return fmt.Errorf("generate digest: %w", err)
	}
	return h.sendAndRecord(ctx, msg.ChatJID, msg.GroupJID, digest, msg.ID)
}

// SyncDigests pushes a digest of each managed group's new activity to the
// group and its community groups. Groups without enough new messages are
// skipped and keep their watermark, so quiet weeks roll into the next digest.
func (h *Handler) SyncDigests(ctx context.Context) error {
	groups, err := h.store.ListManagedGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	var failed int
	for _, group := range groups {
		if err := h.deliverDigest(ctx, group); err != nil {
			failed++
			h.logger.Error("digest sync failed", zap.String("group_jid", group.JID), zap.Error(err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("digest sync: %d of %d groups failed", failed, len(groups))
	}
	return nil
}

// deliverDigest summarizes everything past the group's summary watermark and
// delivers it to the group and its communities, then advances the watermark.
func (h *Handler) deliverDigest(ctx context.Context, group *models.Group) error {
	messages, err := h.store.MessagesSince(ctx, group.JID, group.LastSummarySync, h.selfJID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if len(messages) < digestMinMessages {
		h.logger.Debug("too quiet for a digest",
			zap.String("group_jid", group.JID),
			zap.Int("messages", len(messages)))
		return nil
	}

	transcript, err := h.transcript(ctx, messages)
	if err != nil {
		return err
	}
	digest, err := h.model.Digest(ctx, group.Name, transcript)
	if err != nil {
		return fmt.Errorf("generate digest: %w", err)
	}

	for _, jid := range group.ScopeJIDs() {
		if err := h.sendAndRecord(ctx, jid, jid, digest, ""); err != nil {
			return fmt.Errorf("deliver to %s: %w", jid, err)
		}
	}
	return h.store.SetGroupLastSummarySync(ctx, group.JID, time.Now())
}

// transcript renders messages for a digest prompt. Opted-out participants
// appear under their safe display form instead of their number.
func (h *Handler) transcript(ctx context.Context, messages []models.Message) (string, error) {
	senderJIDs := make([]string, 0, len(messages))
	for _, m := range messages {
		senderJIDs = append(senderJIDs, m.SenderJID)
	}
	displayNames, err := h.store.OptOutDisplayNames(ctx, senderJIDs)
	if err != nil {
		return "", fmt.Errorf("resolve opt-outs: %w", err)
	}

	var lines []string
	for _, m := range messages {
		if m.Text == "" {
			continue
		}
		user := models.JIDUser(m.SenderJID)
		display := "@" + user
		if name, ok := displayNames[user]; ok {
			display = name
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s",
			m.Timestamp.Format(transcriptTimeLayout), display, m.Text))
	}
	return strings.Join(lines, "\n"), nil
}

func countHuman(messages []models.Message, selfJID string) int {
	var n int
	for _, m := range messages {
		if m.SenderJID != selfJID && m.Text != "" {
			n++
		}
	}
	return n
}
