package storage

import (
	"context"
	"time"

	"github.com/groupscribe/groupscribe/internal/models"
)

// TopicMatch pairs a topic with its cosine distance to a query embedding.
type TopicMatch struct {
	Topic    models.Topic
	Distance float64
}

// Storage is the durable store behind ingestion, synthesis and retrieval.
// All cross-request coordination relies on its upsert semantics; repeated
// writes of the same primary key are safe overwrites, never duplicates.
type Storage interface {
	// Messages. UpsertMessage never clears an already-set topic link.
	UpsertMessage(ctx context.Context, msg *models.Message) error
	UpsertSender(ctx context.Context, sender *models.Sender) error
	// MessagesSince returns a group's messages with timestamp >= since,
	// ascending, excluding excludeSender when non-empty.
	MessagesSince(ctx context.Context, groupJID string, since time.Time, excludeSender string) ([]models.Message, error)
	// RecentMessages returns up to limit messages of a chat, newest first.
	RecentMessages(ctx context.Context, chatJID string, limit int) ([]models.Message, error)
	// CountMessagesSince counts messages strictly after the watermark,
	// excluding excludeSender. A live aggregate, not a maintained counter.
	CountMessagesSince(ctx context.Context, groupJID string, after time.Time, excludeSender string) (int, error)

	// Groups.
	EnsureGroup(ctx context.Context, jid string) error
	// GetGroup returns (nil, nil) for an unknown group.
	GetGroup(ctx context.Context, jid string) (*models.Group, error)
	ListManagedGroups(ctx context.Context) ([]*models.Group, error)
	// SyncGroupInfo refreshes name and owner without touching the managed
	// flag, threshold or watermarks.
	SyncGroupInfo(ctx context.Context, group *models.Group) error
	SetGroupLastIngest(ctx context.Context, jid string, t time.Time) error
	SetGroupLastSummarySync(ctx context.Context, jid string, t time.Time) error

	// Topics.
	UpsertTopic(ctx context.Context, topic *models.Topic) error
	// LinkTopicMessages records the link rows and sets each message's
	// topic link.
	LinkTopicMessages(ctx context.Context, topicID string, messageIDs []string) error
	MessagesForTopic(ctx context.Context, topicID string, limit int) ([]models.Message, error)
	TopicsForMessages(ctx context.Context, messageIDs []string) ([]models.Topic, error)
	// VectorSearchTopics ranks topics by ascending cosine distance,
	// optionally filtered to groupJIDs.
	VectorSearchTopics(ctx context.Context, embedding []float32, groupJIDs []string, limit int) ([]TopicMatch, error)
	// KeywordSearchMessages runs full-text relevance search over message
	// text with a language-agnostic tokenizer.
	KeywordSearchMessages(ctx context.Context, query string, groupJIDs []string, limit int) ([]models.Message, error)

	// Opt-outs.
	AddOptOut(ctx context.Context, jid string) error
	RemoveOptOut(ctx context.Context, jid string) error
	// OptOutDisplayNames maps the JID user part of each opted-out
	// participant among jids to a non-identifying display form.
	OptOutDisplayNames(ctx context.Context, jids []string) (map[string]string, error)

	Close() error
}
