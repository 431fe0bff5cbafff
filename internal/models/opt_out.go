package models

import "time"

// OptOut is a privacy record: its mere existence suppresses the participant's
// identifying tag in any text shown to a model or user.
type OptOut struct {
	JID       string    `json:"jid"`
	CreatedAt time.Time `json:"created_at"`
}

// MaskedNumber renders a phone-number user part in a non-identifying display
// form by inserting a space, so chat clients do not turn it into a tag.
func MaskedNumber(user string) string {
	if len(user) > 3 {
		return user[:3] + " " + user[3:]
	}
	return user
}
