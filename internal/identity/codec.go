// Package identity assigns reversible pseudonyms to chat participants so
// conversation text can leave the system for model processing without
// exposing real identifiers.
package identity

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/groupscribe/groupscribe/internal/models"
)

// BotToken is the fixed pseudonym for the bot's own identifier.
const BotToken = "bot"

var tokenPattern = regexp.MustCompile(`@(user_\d+|bot)\b`)

// Codec holds the bidirectional mapping between raw participant identifiers
// (JID user parts) and opaque pseudonym tokens for one conversation chunk.
// Both directions are kept explicitly; ad hoc replace helpers are easy to
// mix up.
type Codec struct {
	forward map[string]string // raw id -> token
	reverse map[string]string // token -> raw id
}

// NewCodec builds the mapping for a chunk. Distinct senders get user_<n>
// tokens in first-seen order, the bot's own identifier maps to BotToken, and
// literal @<digits> mentions in message text get tokens too so mentions of
// non-participants are still protected.
func NewCodec(messages []models.Message, selfJID string) *Codec {
	c := &Codec{
		forward: make(map[string]string),
		reverse: make(map[string]string),
	}

	self := models.JIDUser(models.NormalizeJID(selfJID))
	if self != "" {
		c.assign(self, BotToken)
	}

	n := 1
	for _, msg := range messages {
		user := models.JIDUser(models.NormalizeJID(msg.SenderJID))
		if user == "" {
			continue
		}
		if _, ok := c.forward[user]; !ok {
			c.assign(user, fmt.Sprintf("user_%d", n))
			n++
		}
	}

	for _, msg := range messages {
		for _, raw := range mentionedIDs(msg.Text) {
			if _, ok := c.forward[raw]; !ok {
				c.assign(raw, fmt.Sprintf("user_%d", n))
				n++
			}
		}
	}

	return c
}

func (c *Codec) assign(raw, token string) {
	c.forward[raw] = token
	c.reverse[token] = raw
}

// SenderToken returns the pseudonym for a sender JID, or an empty string if
// the sender is not part of this chunk.
func (c *Codec) SenderToken(jid string) string {
	return c.forward[models.JIDUser(models.NormalizeJID(jid))]
}

// Deidentify replaces every known @<raw-id> mention with its @<token> form.
func (c *Codec) Deidentify(text string) string {
	return substitute(text, c.forward)
}

// ReverseFor returns the token -> raw id map filtered down to exactly the
// tokens present in the given texts. A model may omit participants; reversing
// only what it actually referenced prevents unrelated identifiers from
// leaking into persisted output.
func (c *Codec) ReverseFor(texts ...string) map[string]string {
	filtered := make(map[string]string)
	for _, text := range texts {
		for _, match := range tokenPattern.FindAllStringSubmatch(text, -1) {
			token := match[1]
			if raw, ok := c.reverse[token]; ok {
				filtered[token] = raw
			}
		}
	}
	return filtered
}

// Reidentify substitutes pseudonym tokens back to @<raw-id> form using the
// given reverse map. Tokens absent from the map are left as literal text.
func Reidentify(text string, reverse map[string]string) string {
	return substitute(text, reverse)
}

// substitute replaces "@"+key with "@"+value for every pair, longest keys
// first so user_10 is never half-replaced as user_1.
func substitute(text string, mapping map[string]string) string {
	if text == "" || len(mapping) == 0 {
		return text
	}
	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		text = strings.ReplaceAll(text, "@"+k, "@"+mapping[k])
	}
	return text
}

// mentionedIDs extracts the raw identifiers of literal @<digits> mentions.
func mentionedIDs(text string) []string {
	var ids []string
	for _, field := range strings.Fields(text) {
		if !strings.HasPrefix(field, "@") {
			continue
		}
		raw := strings.TrimPrefix(field, "@")
		raw = strings.TrimRight(raw, ".,!?:;)")
		if raw != "" && isDigits(raw) {
			ids = append(ids, raw)
		}
	}
	return ids
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
