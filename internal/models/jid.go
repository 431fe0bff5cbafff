package models

import "strings"

const (
	// DefaultUserServer is the JID server for individual chat participants.
	DefaultUserServer = "s.whatsapp.net"
	// GroupServer is the JID server for group chats.
	GroupServer = "g.us"
)

// NormalizeJID strips device suffixes ("123:45@server" -> "123@server") and
// appends the default user server when the input is a bare identifier.
func NormalizeJID(jid string) string {
	jid = strings.TrimSpace(jid)
	if jid == "" {
		return ""
	}

	user := jid
	server := DefaultUserServer
	if at := strings.Index(jid, "@"); at >= 0 {
		user = jid[:at]
		server = jid[at+1:]
	}

	// Drop the device part of an AD-JID.
	if colon := strings.Index(user, ":"); colon >= 0 {
		user = user[:colon]
	}

	return user + "@" + server
}

// JIDUser returns the user part of a JID ("123@s.whatsapp.net" -> "123").
func JIDUser(jid string) string {
	if at := strings.Index(jid, "@"); at >= 0 {
		return jid[:at]
	}
	return jid
}

// IsGroupJID reports whether the JID addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupServer)
}
