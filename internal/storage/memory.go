package storage

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/groupscribe/groupscribe/internal/models"
)

// MemoryStorage is an in-memory Storage used in tests and for running
// without a database. Vector search computes true cosine distances and
// keyword search approximates the full-text leg with all-terms matching.
type MemoryStorage struct {
	mu       sync.RWMutex
	messages map[string]*models.Message
	senders  map[string]*models.Sender
	groups   map[string]*models.Group
	topics   map[string]*models.Topic
	links    map[string][]string // topic id -> message ids
	optOuts  map[string]time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[string]*models.Message),
		senders:  make(map[string]*models.Sender),
		groups:   make(map[string]*models.Group),
		topics:   make(map[string]*models.Topic),
		links:    make(map[string][]string),
		optOuts:  make(map[string]time.Time),
	}
}

func (s *MemoryStorage) UpsertMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *msg
	if existing, ok := s.messages[msg.ID]; ok && stored.TopicID == "" {
		stored.TopicID = existing.TopicID
	}
	s.messages[msg.ID] = &stored
	return nil
}

func (s *MemoryStorage) UpsertSender(ctx context.Context, sender *models.Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *sender
	if existing, ok := s.senders[sender.JID]; ok && stored.PushName == "" {
		stored.PushName = existing.PushName
	}
	s.senders[sender.JID] = &stored
	return nil
}

func (s *MemoryStorage) MessagesSince(ctx context.Context, groupJID string, since time.Time, excludeSender string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []models.Message
	for _, m := range s.messages {
		if m.GroupJID != groupJID || m.Timestamp.Before(since) {
			continue
		}
		if excludeSender != "" && m.SenderJID == excludeSender {
			continue
		}
		msgs = append(msgs, *m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return msgs, nil
}

func (s *MemoryStorage) RecentMessages(ctx context.Context, chatJID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []models.Message
	for _, m := range s.messages {
		if m.ChatJID == chatJID {
			msgs = append(msgs, *m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.After(msgs[j].Timestamp) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *MemoryStorage) CountMessagesSince(ctx context.Context, groupJID string, after time.Time, excludeSender string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, m := range s.messages {
		if m.GroupJID != groupJID || !m.Timestamp.After(after) {
			continue
		}
		if excludeSender != "" && m.SenderJID == excludeSender {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStorage) EnsureGroup(ctx context.Context, jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[jid]; !ok {
		now := time.Now()
		s.groups[jid] = &models.Group{JID: jid, LastIngest: now, LastSummarySync: now}
	}
	return nil
}

func (s *MemoryStorage) GetGroup(ctx context.Context, jid string) (*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if g, ok := s.groups[jid]; ok {
		copied := *g
		return &copied, nil
	}
	return nil, nil
}

// PutGroup stores a full group record. Test helper; the Postgres twin
// manages rows via EnsureGroup/SyncGroupInfo and watermark updates.
func (s *MemoryStorage) PutGroup(group *models.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *group
	s.groups[group.JID] = &copied
}

func (s *MemoryStorage) ListManagedGroups(ctx context.Context) ([]*models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var groups []*models.Group
	for _, g := range s.groups {
		if g.Managed {
			copied := *g
			groups = append(groups, &copied)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].JID < groups[j].JID })
	return groups, nil
}

func (s *MemoryStorage) SyncGroupInfo(ctx context.Context, group *models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.groups[group.JID]
	if !ok {
		now := time.Now()
		s.groups[group.JID] = &models.Group{
			JID:             group.JID,
			Name:            group.Name,
			OwnerJID:        group.OwnerJID,
			LastIngest:      now,
			LastSummarySync: now,
		}
		return nil
	}
	if group.Name != "" {
		existing.Name = group.Name
	}
	if group.OwnerJID != "" {
		existing.OwnerJID = group.OwnerJID
	}
	return nil
}

func (s *MemoryStorage) SetGroupLastIngest(ctx context.Context, jid string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[jid]; ok {
		g.LastIngest = t
	}
	return nil
}

func (s *MemoryStorage) SetGroupLastSummarySync(ctx context.Context, jid string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[jid]; ok {
		g.LastSummarySync = t
	}
	return nil
}

func (s *MemoryStorage) UpsertTopic(ctx context.Context, topic *models.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *topic
	s.topics[topic.ID] = &stored
	return nil
}

func (s *MemoryStorage) LinkTopicMessages(ctx context.Context, topicID string, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool, len(s.links[topicID]))
	for _, id := range s.links[topicID] {
		existing[id] = true
	}
	for _, id := range messageIDs {
		if !existing[id] {
			s.links[topicID] = append(s.links[topicID], id)
		}
		if m, ok := s.messages[id]; ok {
			m.TopicID = topicID
		}
	}
	return nil
}

func (s *MemoryStorage) MessagesForTopic(ctx context.Context, topicID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []models.Message
	for _, id := range s.links[topicID] {
		if m, ok := s.messages[id]; ok {
			msgs = append(msgs, *m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *MemoryStorage) TopicsForMessages(ctx context.Context, messageIDs []string) ([]models.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}

	seen := make(map[string]bool)
	var topics []models.Topic
	for topicID, linked := range s.links {
		for _, id := range linked {
			if wanted[id] && !seen[topicID] {
				if t, ok := s.topics[topicID]; ok {
					topics = append(topics, *t)
					seen[topicID] = true
				}
			}
		}
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].ID < topics[j].ID })
	return topics, nil
}

func (s *MemoryStorage) VectorSearchTopics(ctx context.Context, embedding []float32, groupJIDs []string, limit int) ([]TopicMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope := make(map[string]bool, len(groupJIDs))
	for _, jid := range groupJIDs {
		scope[jid] = true
	}

	var matches []TopicMatch
	for _, t := range s.topics {
		if len(scope) > 0 && !scope[t.GroupJID] {
			continue
		}
		matches = append(matches, TopicMatch{
			Topic:    *t,
			Distance: cosineDistance(embedding, t.Embedding.Slice()),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Topic.ID < matches[j].Topic.ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryStorage) KeywordSearchMessages(ctx context.Context, query string, groupJIDs []string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	scope := make(map[string]bool, len(groupJIDs))
	for _, jid := range groupJIDs {
		scope[jid] = true
	}

	type ranked struct {
		msg  models.Message
		rank int
	}
	var hits []ranked
	for _, m := range s.messages {
		if m.Text == "" {
			continue
		}
		if len(scope) > 0 && !scope[m.GroupJID] {
			continue
		}
		text := strings.ToLower(m.Text)
		rank := 0
		matched := true
		for _, term := range terms {
			n := strings.Count(text, term)
			if n == 0 {
				matched = false
				break
			}
			rank += n
		}
		if matched {
			hits = append(hits, ranked{msg: *m, rank: rank})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank > hits[j].rank
		}
		return hits[i].msg.ID < hits[j].msg.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	msgs := make([]models.Message, len(hits))
	for i, h := range hits {
		msgs[i] = h.msg
	}
	return msgs, nil
}

func (s *MemoryStorage) AddOptOut(ctx context.Context, jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.optOuts[jid]; !ok {
		s.optOuts[jid] = time.Now()
	}
	return nil
}

func (s *MemoryStorage) RemoveOptOut(ctx context.Context, jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.optOuts, jid)
	return nil
}

func (s *MemoryStorage) OptOutDisplayNames(ctx context.Context, jids []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make(map[string]string)
	for _, jid := range jids {
		if _, ok := s.optOuts[jid]; !ok {
			continue
		}
		user := models.JIDUser(jid)
		if sender, ok := s.senders[jid]; ok && sender.PushName != "" {
			names[user] = sender.PushName
		} else {
			names[user] = models.MaskedNumber(user)
		}
	}
	return names, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

// TopicCount reports the number of stored topics. Test helper.
func (s *MemoryStorage) TopicCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics)
}

func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
