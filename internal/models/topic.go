package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Topic is a synthesized unit of knowledge: one conversation chunk distilled
// into a subject and summary with an embedding over "{subject}\n{summary}".
// Topics are never mutated; re-synthesizing the same chunk overwrites the
// same row because the ID is deterministic.
type Topic struct {
	ID        string          `json:"id"`
	GroupJID  string          `json:"group_jid"`
	StartTime time.Time       `json:"start_time"`
	Subject   string          `json:"subject"`
	Summary   string          `json:"summary"`
	Speakers  string          `json:"speakers"` // comma-joined participant identifiers
	Embedding pgvector.Vector `json:"-"`
}

// EmbeddingText returns the exact text a topic's embedding is computed from.
func (t *Topic) EmbeddingText() string {
	return t.Subject + "\n" + t.Summary
}

// TopicID derives the stable topic identifier from the owning group, the
// chunk start time and the generated subject. The start time is rendered in
// RFC3339 UTC so the hash is stable across runs and machines.
func TopicID(groupJID string, start time.Time, subject string) string {
	seed := fmt.Sprintf("%s_%s_%s", groupJID, start.UTC().Format(time.RFC3339), subject)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}
