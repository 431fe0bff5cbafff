package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/groupscribe/groupscribe/internal/gateway"
	"github.com/groupscribe/groupscribe/internal/llm"
	"github.com/groupscribe/groupscribe/internal/models"
	"github.com/groupscribe/groupscribe/internal/search"
	"github.com/groupscribe/groupscribe/internal/storage"
)

const (
	// spamScoreThreshold is the minimum model score (on the 1-5 scale)
	// that gets reported to the group owner.
	spamScoreThreshold = 4

	inviteLinkMarker = "chat.whatsapp.com"

	vectorTopK       = 10
	messagesPerTopic = 5

	throttledReply = "You're sending questions faster than I can answer them. Give me a minute."
	greetingReply  = "Hey! Tag me with a question about this group's history and I'll dig through what I know. Tag me with \"summarize\" for a recap."

	optOutReply = "Understood. Your name and number will no longer appear in anything I write."
	optInReply  = "Welcome back. Your name may appear in summaries and answers again."
	dmHelpReply = "I only answer inside groups. DM commands: \"optout\" to hide your identity from my output, \"optin\" to undo."
)

// Gateway is the messaging surface the handler sends through.
type Gateway interface {
	SendMessage(ctx context.Context, chatJID, text, replyToID string) error
	ListGroups(ctx context.Context) ([]gateway.GroupInfo, error)
}

// Model is the language-model surface the handler consumes.
type Model interface {
	RouteMessage(ctx context.Context, text string) (llm.Route, error)
	Rephrase(ctx context.Context, question string) (string, error)
	Answer(ctx context.Context, question, topics string) (string, error)
	Digest(ctx context.Context, groupName, conversation string) (string, error)
	SpamScore(ctx context.Context, content string) (llm.SpamVerdict, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Ingester runs topic synthesis for one group.
type Ingester interface {
	LoadGroup(ctx context.Context, group *models.Group) error
}

type Options struct {
	SelfJID         string
	RateLimitMax    int
	RateLimitWindow time.Duration
	DedupTTL        time.Duration
}

type Handler struct {
	store     storage.Storage
	model     Model
	gw        Gateway
	retriever *search.Retriever
	ingester  Ingester
	dedup     *Deduper
	limiter   *RateLimiter
	tracker   *SummaryTracker
	selfJID   string
	logger    *zap.Logger
}

func NewHandler(store storage.Storage, model Model, gw Gateway, retriever *search.Retriever, ingester Ingester, opts Options, logger *zap.Logger) *Handler {
	if opts.RateLimitMax <= 0 {
		opts.RateLimitMax = 5
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = 10 * time.Minute
	}
	return &Handler{
		store:     store,
		model:     model,
		gw:        gw,
		retriever: retriever,
		ingester:  ingester,
		dedup:     NewDeduper(opts.DedupTTL),
		limiter:   NewRateLimiter(opts.RateLimitMax, opts.RateLimitWindow),
		tracker:   NewSummaryTracker(),
		selfJID:   models.NormalizeJID(opts.SelfJID),
		logger:    logger,
	}
}

// HandleMessage processes one inbound delivery. Every delivery is persisted
// first, before deduplication or any policy gate, so the knowledge base sees
// the full history even when the bot stays silent.
func (h *Handler) HandleMessage(ctx context.Context, payload *gateway.WebhookPayload) error {
	msg := payload.ToMessage()
	sender := payload.Sender()

	if err := h.store.UpsertSender(ctx, &sender); err != nil {
		return fmt.Errorf("store sender: %w", err)
	}
	if msg.GroupJID != "" {
		if err := h.store.EnsureGroup(ctx, msg.GroupJID); err != nil {
			return fmt.Errorf("ensure group: %w", err)
		}
	}
	if err := h.store.UpsertMessage(ctx, &msg); err != nil {
		return fmt.Errorf("store message: %w", err)
	}

	if msg.Text == "" {
		return nil
	}
	if h.dedup.Seen(msg.ID) {
		h.logger.Debug("duplicate delivery", zap.String("message_id", msg.ID))
		return nil
	}

	if msg.GroupJID == "" {
		return h.handleDirect(ctx, &msg)
	}
	return h.handleGroup(ctx, &msg)
}

func (h *Handler) handleGroup(ctx context.Context, msg *models.Message) error {
	group, err := h.store.GetGroup(ctx, msg.GroupJID)
	if err != nil {
		return fmt.Errorf("load group: %w", err)
	}
	if group == nil {
		return nil
	}

	h.maybeAutoSummarize(ctx, group)

	if !group.Managed {
		return nil
	}
	if strings.Contains(msg.Text, inviteLinkMarker) {
		return h.handleSuspectedSpam(ctx, group, msg)
	}
	if !msg.HasMentioned(h.selfJID) {
		return nil
	}

	if !h.limiter.Allow(msg.SenderJID) {
		h.logger.Info("rate limited",
			zap.String("sender_jid", msg.SenderJID),
			zap.String("group_jid", msg.GroupJID))
		return h.sendAndRecord(ctx, msg.ChatJID, msg.GroupJID, throttledReply, msg.ID)
	}

	route, err := h.model.RouteMessage(ctx, h.stripSelfMention(msg.Text))
	if err != nil {
		return fmt.Errorf("route message: %w", err)
	}
	switch route {
	case llm.RouteHey:
		return h.sendAndRecord(ctx, msg.ChatJID, msg.GroupJID, greetingReply, msg.ID)
	case llm.RouteSummarize:
		return h.summarizeOnDemand(ctx, group, msg)
	case llm.RouteAskQuestion:
		return h.answer(ctx, group, msg)
	default:
		return nil
	}
}

// handleDirect implements the privacy commands available over DM.
func (h *Handler) handleDirect(ctx context.Context, msg *models.Message) error {
	switch normalizeCommand(msg.Text) {
	case "optout":
		if err := h.store.AddOptOut(ctx, msg.SenderJID); err != nil {
			return fmt.Errorf("add opt-out: %w", err)
		}
		return h.sendAndRecord(ctx, msg.ChatJID, "", optOutReply, msg.ID)
	case "optin":
		if err := h.store.RemoveOptOut(ctx, msg.SenderJID); err != nil {
			return fmt.Errorf("remove opt-out: %w", err)
		}
		return h.sendAndRecord(ctx, msg.ChatJID, "", optInReply, msg.ID)
	default:
		return h.sendAndRecord(ctx, msg.ChatJID, "", dmHelpReply, msg.ID)
	}
}

func normalizeCommand(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	return strings.ReplaceAll(strings.ReplaceAll(text, "-", ""), " ", "")
}

// maybeAutoSummarize spawns a background summary run when the group
// accumulated enough messages past its summary watermark: topic synthesis
// first so the knowledge base stays current, then a digest delivered to the
// group and its communities. The count is a live aggregate over the store, so
// it cannot race with concurrent writers the way a maintained counter would.
// The in-progress mark is taken before the goroutine starts and released in a
// deferred call, so a burst of deliveries cannot start two runs and a failed
// run cannot wedge the group.
func (h *Handler) maybeAutoSummarize(ctx context.Context, group *models.Group) {
	if group.AutoSummaryThreshold == nil {
		return
	}
	threshold := *group.AutoSummaryThreshold
	if threshold <= 0 {
		return
	}

	count, err := h.store.CountMessagesSince(ctx, group.JID, group.LastSummarySync, h.selfJID)
	if err != nil {
		h.logger.Error("count messages", zap.String("group_jid", group.JID), zap.Error(err))
		return
	}
	if count < threshold {
		return
	}
	if !h.tracker.TryAcquire(group.JID) {
		return
	}

	h.logger.Info("triggering auto-summary",
		zap.String("group_jid", group.JID),
		zap.Int("pending", count),
		zap.Int("threshold", threshold))

	snapshot := *group
	go func() {
		defer h.tracker.Release(snapshot.JID)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := h.ingester.LoadGroup(ctx, &snapshot); err != nil {
			h.logger.Error("ingest failed", zap.String("group_jid", snapshot.JID), zap.Error(err))
			return
		}
		if err := h.deliverDigest(ctx, &snapshot); err != nil {
			h.logger.Error("auto-summary failed", zap.String("group_jid", snapshot.JID), zap.Error(err))
		}
	}()
}

// answer runs the retrieval pipeline for a question addressed to the bot.
func (h *Handler) answer(ctx context.Context, group *models.Group, msg *models.Message) error {
	question := h.stripSelfMention(msg.Text)

	standalone, err := h.model.Rephrase(ctx, question)
	if err != nil {
		return fmt.Errorf("rephrase question: %w", err)
	}
	embeddings, err := h.model.Embed(ctx, []string{standalone})
	if err != nil {
		return fmt.Errorf("embed question: %w", err)
	}

	results, err := h.retriever.Hybrid(ctx, standalone, embeddings[0], group.ScopeJIDs(), vectorTopK, messagesPerTopic)
	if err != nil {
		return fmt.Errorf("retrieve topics: %w", err)
	}

	var senderJIDs []string
	for _, res := range results {
		for _, m := range res.Messages {
			senderJIDs = append(senderJIDs, m.SenderJID)
		}
	}
	displayNames, err := h.store.OptOutDisplayNames(ctx, senderJIDs)
	if err != nil {
		return fmt.Errorf("resolve opt-outs: %w", err)
	}

	reply, err := h.model.Answer(ctx, question, search.FormatForPrompt(results, displayNames))
	if err != nil {
		return fmt.Errorf("answer question: %w", err)
	}
	return h.sendAndRecord(ctx, msg.ChatJID, msg.GroupJID, reply, msg.ID)
}

// handleSuspectedSpam scores a group-invite link and reports high scores to
// the group owner. Without a known owner there is nowhere to report, so the
// message fails loudly instead of being silently dropped.
func (h *Handler) handleSuspectedSpam(ctx context.Context, group *models.Group, msg *models.Message) error {
	if group.OwnerJID == "" {
		return fmt.Errorf("spam check for %s: group owner unknown", group.JID)
	}

	verdict, err := h.model.SpamScore(ctx, msg.Text)
	if err != nil {
		return fmt.Errorf("score spam: %w", err)
	}
	h.logger.Info("spam scored",
		zap.String("group_jid", group.JID),
		zap.String("sender_jid", msg.SenderJID),
		zap.Int("score", verdict.Score))

	if verdict.Score < spamScoreThreshold {
		return nil
	}
	report := fmt.Sprintf("Possible spam in %s from @%s (score %d/5): %s",
		group.Name, models.JIDUser(msg.SenderJID), verdict.Score, verdict.Explanation)
	return h.sendAndRecord(ctx, group.OwnerJID, "", report, "")
}

func (h *Handler) stripSelfMention(text string) string {
	mention := "@" + models.JIDUser(h.selfJID)
	return strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
}

// sendAndRecord delivers a reply and stores it as the bot's own message, so
// later ingestion and context windows include what the bot said.
func (h *Handler) sendAndRecord(ctx context.Context, chatJID, groupJID, text, replyToID string) error {
	if err := h.gw.SendMessage(ctx, chatJID, text, replyToID); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	own := models.Message{
		ID:        "self-" + uuid.NewString(),
		ChatJID:   chatJID,
		GroupJID:  groupJID,
		SenderJID: h.selfJID,
		Timestamp: time.Now(),
		Text:      text,
		ReplyToID: replyToID,
	}
	if err := h.store.UpsertMessage(ctx, &own); err != nil {
		return fmt.Errorf("store own message: %w", err)
	}
	return nil
}

// Close stops the background eviction loops.
func (h *Handler) Close() {
	h.dedup.Stop()
	h.limiter.Stop()
}
