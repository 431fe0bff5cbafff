package models

import "time"

// Message is one ingested chat message. Rows are immutable after storage
// except for TopicID, which the synthesizer sets exactly once when the
// message is absorbed into a topic.
type Message struct {
	ID        string    `json:"message_id"`
	ChatJID   string    `json:"chat_jid"`
	GroupJID  string    `json:"group_jid,omitempty"`
	SenderJID string    `json:"sender_jid"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text,omitempty"`
	MediaURL  string    `json:"media_url,omitempty"`
	ReplyToID string    `json:"reply_to_id,omitempty"`
	TopicID   string    `json:"topic_id,omitempty"`
}

// HasMentioned reports whether the message text tags the given JID.
func (m *Message) HasMentioned(jid string) bool {
	if m.Text == "" {
		return false
	}
	user := JIDUser(NormalizeJID(jid))
	if user == "" {
		return false
	}
	return containsMention(m.Text, user)
}

func containsMention(text, user string) bool {
	needle := "@" + user
	for i := 0; i+len(needle) <= len(text); i++ {
		if text[i:i+len(needle)] != needle {
			continue
		}
		// The mention must not continue with another digit, otherwise
		// "@123" would match inside "@1234".
		end := i + len(needle)
		if end < len(text) && text[end] >= '0' && text[end] <= '9' {
			continue
		}
		return true
	}
	return false
}

// Sender is a chat participant, recorded on first sight so display names
// survive opt-outs.
type Sender struct {
	JID      string `json:"jid"`
	PushName string `json:"push_name,omitempty"`
}
