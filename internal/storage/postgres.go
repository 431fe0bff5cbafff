package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/groupscribe/groupscribe/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

// DatabaseConfig holds Postgres connection parameters.
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

// PostgresStorage implements Storage on Postgres with the pgvector extension.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage opens the database, verifies the connection and applies
// the embedded schema.
func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db}
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}
	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

func (s *PostgresStorage) UpsertMessage(ctx context.Context, msg *models.Message) error {
	// The topic link is set exactly once by the synthesizer; a later
	// re-delivery of the same message must not clear it.
	query := `
		INSERT INTO messages (message_id, chat_jid, group_jid, sender_jid, timestamp, text, media_url, reply_to_id, topic_id)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
		ON CONFLICT (message_id) DO UPDATE SET
			text        = COALESCE(EXCLUDED.text, messages.text),
			media_url   = COALESCE(EXCLUDED.media_url, messages.media_url),
			reply_to_id = COALESCE(EXCLUDED.reply_to_id, messages.reply_to_id),
			topic_id    = COALESCE(EXCLUDED.topic_id, messages.topic_id)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ChatJID, msg.GroupJID, msg.SenderJID, msg.Timestamp,
		msg.Text, msg.MediaURL, msg.ReplyToID, msg.TopicID)
	if err != nil {
		return fmt.Errorf("error upserting message: %w", err)
	}
	return nil
}

func (s *PostgresStorage) UpsertSender(ctx context.Context, sender *models.Sender) error {
	query := `
		INSERT INTO senders (jid, push_name)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (jid) DO UPDATE SET
			push_name = COALESCE(EXCLUDED.push_name, senders.push_name)`

	if _, err := s.db.ExecContext(ctx, query, sender.JID, sender.PushName); err != nil {
		return fmt.Errorf("error upserting sender: %w", err)
	}
	return nil
}

func (s *PostgresStorage) MessagesSince(ctx context.Context, groupJID string, since time.Time, excludeSender string) ([]models.Message, error) {
	query := `
		SELECT message_id, chat_jid, COALESCE(group_jid, ''), sender_jid, timestamp,
		       COALESCE(text, ''), COALESCE(media_url, ''), COALESCE(reply_to_id, ''), COALESCE(topic_id, '')
		FROM messages
		WHERE group_jid = $1 AND timestamp >= $2 AND ($3 = '' OR sender_jid <> $3)
		ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, groupJID, since, excludeSender)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStorage) RecentMessages(ctx context.Context, chatJID string, limit int) ([]models.Message, error) {
	query := `
		SELECT message_id, chat_jid, COALESCE(group_jid, ''), sender_jid, timestamp,
		       COALESCE(text, ''), COALESCE(media_url, ''), COALESCE(reply_to_id, ''), COALESCE(topic_id, '')
		FROM messages
		WHERE chat_jid = $1
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, chatJID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStorage) CountMessagesSince(ctx context.Context, groupJID string, after time.Time, excludeSender string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages
		WHERE group_jid = $1 AND timestamp > $2 AND ($3 = '' OR sender_jid <> $3)`

	var count int
	if err := s.db.QueryRowContext(ctx, query, groupJID, after, excludeSender).Scan(&count); err != nil {
		return 0, fmt.Errorf("error counting messages: %w", err)
	}
	return count, nil
}

func (s *PostgresStorage) EnsureGroup(ctx context.Context, jid string) error {
	query := `INSERT INTO groups (jid) VALUES ($1) ON CONFLICT (jid) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, jid); err != nil {
		return fmt.Errorf("error ensuring group: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetGroup(ctx context.Context, jid string) (*models.Group, error) {
	query := `
		SELECT jid, COALESCE(group_name, ''), COALESCE(owner_jid, ''), managed,
		       auto_summary_threshold, last_ingest, last_summary_sync, community_jids
		FROM groups
		WHERE jid = $1`

	group, err := scanGroup(s.db.QueryRowContext(ctx, query, jid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying group: %w", err)
	}
	return group, nil
}

func (s *PostgresStorage) ListManagedGroups(ctx context.Context) ([]*models.Group, error) {
	query := `
		SELECT jid, COALESCE(group_name, ''), COALESCE(owner_jid, ''), managed,
		       auto_summary_threshold, last_ingest, last_summary_sync, community_jids
		FROM groups
		WHERE managed = TRUE
		ORDER BY jid`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying managed groups: %w", err)
	}
	defer rows.Close()

	var groups []*models.Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning group: %w", err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

func (s *PostgresStorage) SyncGroupInfo(ctx context.Context, group *models.Group) error {
	query := `
		INSERT INTO groups (jid, group_name, owner_jid)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		ON CONFLICT (jid) DO UPDATE SET
			group_name = COALESCE(EXCLUDED.group_name, groups.group_name),
			owner_jid  = COALESCE(EXCLUDED.owner_jid, groups.owner_jid)`

	if _, err := s.db.ExecContext(ctx, query, group.JID, group.Name, group.OwnerJID); err != nil {
		return fmt.Errorf("error syncing group info: %w", err)
	}
	return nil
}

func (s *PostgresStorage) SetGroupLastIngest(ctx context.Context, jid string, t time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE groups SET last_ingest = $2 WHERE jid = $1`, jid, t); err != nil {
		return fmt.Errorf("error updating last_ingest: %w", err)
	}
	return nil
}

func (s *PostgresStorage) SetGroupLastSummarySync(ctx context.Context, jid string, t time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE groups SET last_summary_sync = $2 WHERE jid = $1`, jid, t); err != nil {
		return fmt.Errorf("error updating last_summary_sync: %w", err)
	}
	return nil
}

func (s *PostgresStorage) UpsertTopic(ctx context.Context, topic *models.Topic) error {
	query := `
		INSERT INTO topics (id, group_jid, start_time, subject, summary, speakers, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			subject   = EXCLUDED.subject,
			summary   = EXCLUDED.summary,
			speakers  = EXCLUDED.speakers,
			embedding = EXCLUDED.embedding`

	_, err := s.db.ExecContext(ctx, query,
		topic.ID, topic.GroupJID, topic.StartTime, topic.Subject, topic.Summary,
		topic.Speakers, topic.Embedding)
	if err != nil {
		return fmt.Errorf("error upserting topic: %w", err)
	}
	return nil
}

func (s *PostgresStorage) LinkTopicMessages(ctx context.Context, topicID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	linkQuery := `
		INSERT INTO topic_messages (topic_id, message_id)
		SELECT $1, UNNEST($2::varchar[])
		ON CONFLICT DO NOTHING`
	if _, err := tx.ExecContext(ctx, linkQuery, topicID, pq.Array(messageIDs)); err != nil {
		return fmt.Errorf("error linking topic messages: %w", err)
	}

	updateQuery := `UPDATE messages SET topic_id = $1 WHERE message_id = ANY($2)`
	if _, err := tx.ExecContext(ctx, updateQuery, topicID, pq.Array(messageIDs)); err != nil {
		return fmt.Errorf("error setting message topic link: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStorage) MessagesForTopic(ctx context.Context, topicID string, limit int) ([]models.Message, error) {
	query := `
		SELECT m.message_id, m.chat_jid, COALESCE(m.group_jid, ''), m.sender_jid, m.timestamp,
		       COALESCE(m.text, ''), COALESCE(m.media_url, ''), COALESCE(m.reply_to_id, ''), COALESCE(m.topic_id, '')
		FROM messages m
		JOIN topic_messages tm ON tm.message_id = m.message_id
		WHERE tm.topic_id = $1
		ORDER BY m.timestamp ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, topicID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying topic messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStorage) TopicsForMessages(ctx context.Context, messageIDs []string) ([]models.Topic, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT DISTINCT t.id, COALESCE(t.group_jid, ''), t.start_time, t.subject, t.summary, t.speakers, t.embedding
		FROM topics t
		JOIN topic_messages tm ON tm.topic_id = t.id
		WHERE tm.message_id = ANY($1)`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(messageIDs))
	if err != nil {
		return nil, fmt.Errorf("error resolving topics for messages: %w", err)
	}
	defer rows.Close()

	var topics []models.Topic
	for rows.Next() {
		var t models.Topic
		if err := rows.Scan(&t.ID, &t.GroupJID, &t.StartTime, &t.Subject, &t.Summary, &t.Speakers, &t.Embedding); err != nil {
			return nil, fmt.Errorf("error scanning topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func (s *PostgresStorage) VectorSearchTopics(ctx context.Context, embedding []float32, groupJIDs []string, limit int) ([]TopicMatch, error) {
	query := `
		SELECT t.id, COALESCE(t.group_jid, ''), t.start_time, t.subject, t.summary, t.speakers, t.embedding,
		       t.embedding <=> $1 AS distance
		FROM topics t
		WHERE ($2::varchar[] IS NULL OR t.group_jid = ANY($2))
		ORDER BY distance ASC
		LIMIT $3`

	var scope interface{}
	if len(groupJIDs) > 0 {
		scope = pq.Array(groupJIDs)
	}

	rows, err := s.db.QueryContext(ctx, query, pgvector.NewVector(embedding), scope, limit)
	if err != nil {
		return nil, fmt.Errorf("error running vector search: %w", err)
	}
	defer rows.Close()

	var matches []TopicMatch
	for rows.Next() {
		var m TopicMatch
		if err := rows.Scan(&m.Topic.ID, &m.Topic.GroupJID, &m.Topic.StartTime, &m.Topic.Subject,
			&m.Topic.Summary, &m.Topic.Speakers, &m.Topic.Embedding, &m.Distance); err != nil {
			return nil, fmt.Errorf("error scanning vector match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *PostgresStorage) KeywordSearchMessages(ctx context.Context, query string, groupJIDs []string, limit int) ([]models.Message, error) {
	// The "simple" configuration keeps tokenization language-agnostic;
	// group chats are rarely in English.
	sqlQuery := `
		SELECT m.message_id, m.chat_jid, COALESCE(m.group_jid, ''), m.sender_jid, m.timestamp,
		       COALESCE(m.text, ''), COALESCE(m.media_url, ''), COALESCE(m.reply_to_id, ''), COALESCE(m.topic_id, '')
		FROM messages m
		WHERE to_tsvector('simple', COALESCE(m.text, '')) @@ plainto_tsquery('simple', $1)
		  AND ($2::varchar[] IS NULL OR m.group_jid = ANY($2))
		ORDER BY ts_rank(to_tsvector('simple', COALESCE(m.text, '')), plainto_tsquery('simple', $1)) DESC
		LIMIT $3`

	var scope interface{}
	if len(groupJIDs) > 0 {
		scope = pq.Array(groupJIDs)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, query, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("error running keyword search: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStorage) AddOptOut(ctx context.Context, jid string) error {
	query := `INSERT INTO opt_outs (jid, created_at) VALUES ($1, NOW()) ON CONFLICT (jid) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, jid); err != nil {
		return fmt.Errorf("error adding opt-out: %w", err)
	}
	return nil
}

func (s *PostgresStorage) RemoveOptOut(ctx context.Context, jid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM opt_outs WHERE jid = $1`, jid); err != nil {
		return fmt.Errorf("error removing opt-out: %w", err)
	}
	return nil
}

func (s *PostgresStorage) OptOutDisplayNames(ctx context.Context, jids []string) (map[string]string, error) {
	if len(jids) == 0 {
		return map[string]string{}, nil
	}

	query := `
		SELECT o.jid, COALESCE(s.push_name, '')
		FROM opt_outs o
		LEFT JOIN senders s ON s.jid = o.jid
		WHERE o.jid = ANY($1)`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(jids))
	if err != nil {
		return nil, fmt.Errorf("error querying opt-outs: %w", err)
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var jid, pushName string
		if err := rows.Scan(&jid, &pushName); err != nil {
			return nil, fmt.Errorf("error scanning opt-out: %w", err)
		}
		user := models.JIDUser(jid)
		if pushName != "" {
			names[user] = pushName
		} else {
			names[user] = models.MaskedNumber(user)
		}
	}
	return names, rows.Err()
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(row rowScanner) (*models.Group, error) {
	var g models.Group
	var threshold sql.NullInt64
	var community pq.StringArray
	err := row.Scan(&g.JID, &g.Name, &g.OwnerJID, &g.Managed,
		&threshold, &g.LastIngest, &g.LastSummarySync, &community)
	if err != nil {
		return nil, err
	}
	if threshold.Valid {
		v := int(threshold.Int64)
		g.AutoSummaryThreshold = &v
	}
	g.CommunityJIDs = []string(community)
	return &g, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		err := rows.Scan(&m.ID, &m.ChatJID, &m.GroupJID, &m.SenderJID, &m.Timestamp,
			&m.Text, &m.MediaURL, &m.ReplyToID, &m.TopicID)
		if err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
