// Package synthesizer turns raw group history into stored knowledge topics.
// It segments a group's unprocessed messages into conversation chunks, asks
// the language model for a subject and summary per chunk, and persists each
// topic together with links back to its source messages.
package synthesizer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/groupscribe/groupscribe/internal/identity"
	"github.com/groupscribe/groupscribe/internal/llm"
	"github.com/groupscribe/groupscribe/internal/models"
	"github.com/groupscribe/groupscribe/internal/segment"
	"github.com/groupscribe/groupscribe/internal/storage"
)

// maxConcurrentGroups bounds the ingest fan-out so one run does not flood
// either the database or the model API.
const maxConcurrentGroups = 4

const conversationTimeLayout = "2006-01-02 15:04"

// Generator produces a topic draft from a pseudonymized conversation.
type Generator interface {
	GenerateTopic(ctx context.Context, conversation string) (llm.TopicDraft, error)
}

// Embedder maps texts to embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Model is the language-model surface the loader needs.
type Model interface {
	Generator
	Embedder
}

type Loader struct {
	store   storage.Storage
	model   Model
	selfJID string
	opts    segment.Options
	logger  *zap.Logger
}

func NewLoader(store storage.Storage, model Model, selfJID string, opts segment.Options, logger *zap.Logger) *Loader {
	return &Loader{
		store:   store,
		model:   model,
		selfJID: models.NormalizeJID(selfJID),
		opts:    opts,
		logger:  logger,
	}
}

// Synthesize distills one chunk into a topic and persists it. Sender JIDs and
// mentions never reach the model; they are pseudonymized on the way in and
// only tokens the model actually used are mapped back. Chunks with no textual
// content are skipped without error. The topic ID is derived from the group,
// the chunk start time and the generated subject, so re-running the same
// chunk overwrites its topic instead of duplicating it.
func (l *Loader) Synthesize(ctx context.Context, group *models.Group, chunk []models.Message) error {
	if len(chunk) == 0 {
		return nil
	}

	codec := identity.NewCodec(chunk, l.selfJID)

	var lines []string
	for _, msg := range chunk {
		if msg.Text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: @%s: %s",
			msg.Timestamp.Format(conversationTimeLayout),
			codec.SenderToken(msg.SenderJID),
			codec.Deidentify(msg.Text)))
	}
	if len(lines) == 0 {
		l.logger.Debug("skipping chunk without text",
			zap.String("group_jid", group.JID),
			zap.Int("messages", len(chunk)))
		return nil
	}

	draft, err := l.model.GenerateTopic(ctx, strings.Join(lines, "\n"))
	if err != nil {
		return fmt.Errorf("generate topic: %w", err)
	}

	// Only participants the model actually referenced become part of the
	// topic; everyone else stays out of the persisted speaker set.
	reverse := codec.ReverseFor(draft.Subject, draft.Summary)
	subject := identity.Reidentify(draft.Subject, reverse)
	summary := identity.Reidentify(draft.Summary, reverse)

	start := chunk[0].Timestamp
	topic := &models.Topic{
		ID:        models.TopicID(group.JID, start, subject),
		GroupJID:  group.JID,
		StartTime: start,
		Subject:   subject,
		Summary:   summary,
		Speakers:  speakerList(reverse),
	}

	embeddings, err := l.model.Embed(ctx, []string{topic.EmbeddingText()})
	if err != nil {
		return fmt.Errorf("embed topic: %w", err)
	}
	topic.Embedding = pgvector.NewVector(embeddings[0])

	if err := l.store.UpsertTopic(ctx, topic); err != nil {
		return fmt.Errorf("store topic: %w", err)
	}

	ids := make([]string, len(chunk))
	for i, msg := range chunk {
		ids[i] = msg.ID
	}
	if err := l.store.LinkTopicMessages(ctx, topic.ID, ids); err != nil {
		return fmt.Errorf("link topic messages: %w", err)
	}

	l.logger.Info("synthesized topic",
		zap.String("group_jid", group.JID),
		zap.String("topic_id", topic.ID),
		zap.String("subject", subject),
		zap.Int("messages", len(chunk)))
	return nil
}

// speakerList joins the re-identified speakers in a stable order.
func speakerList(reverse map[string]string) string {
	users := make([]string, 0, len(reverse))
	for _, raw := range reverse {
		users = append(users, raw)
	}
	sort.Strings(users)
	return strings.Join(users, ",")
}

// LoadGroup ingests everything the group accumulated since its watermark.
// The watermark advances after each successfully synthesized chunk, so a
// failing run resumes where it stopped. The bot's own messages are excluded
// from ingestion.
func (l *Loader) LoadGroup(ctx context.Context, group *models.Group) error {
	messages, err := l.store.MessagesSince(ctx, group.JID, group.LastIngest, l.selfJID)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}

	chunks := segment.Split(messages, l.opts)
	l.logger.Info("loading group",
		zap.String("group_jid", group.JID),
		zap.Int("messages", len(messages)),
		zap.Int("chunks", len(chunks)))

	for _, chunk := range chunks {
		if err := l.Synthesize(ctx, group, chunk); err != nil {
			return fmt.Errorf("chunk starting %s: %w",
				chunk[0].Timestamp.Format(time.RFC3339), err)
		}
		watermark := chunk[len(chunk)-1].Timestamp
		if err := l.store.SetGroupLastIngest(ctx, group.JID, watermark); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}
	return nil
}

// LoadAllGroups runs ingestion for every managed group concurrently. A
// failing group never blocks its siblings; failures are logged and folded
// into a single summary error.
func (l *Loader) LoadAllGroups(ctx context.Context) error {
	groups, err := l.store.ListManagedGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	var failed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentGroups)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			if err := l.LoadGroup(ctx, group); err != nil {
				failed.Add(1)
				l.logger.Error("group ingest failed",
					zap.String("group_jid", group.JID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("ingest: %d of %d groups failed", n, len(groups))
	}
	return nil
}
