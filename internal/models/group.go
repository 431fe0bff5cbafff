package models

import "time"

// Group is an aggregate chat container. The two watermarks track how much
// history has been processed: LastIngest for topic synthesis, LastSummarySync
// for digest delivery.
type Group struct {
	JID                  string    `json:"group_jid"`
	Name                 string    `json:"group_name,omitempty"`
	OwnerJID             string    `json:"owner_jid,omitempty"`
	Managed              bool      `json:"managed"`
	AutoSummaryThreshold *int      `json:"auto_summary_threshold,omitempty"`
	LastIngest           time.Time `json:"last_ingest"`
	LastSummarySync      time.Time `json:"last_summary_sync"`
	CommunityJIDs        []string  `json:"community_jids,omitempty"`
}

// ScopeJIDs returns the group's own JID plus its community group JIDs,
// the retrieval scope for questions asked in this group.
func (g *Group) ScopeJIDs() []string {
	scope := make([]string, 0, len(g.CommunityJIDs)+1)
	scope = append(scope, g.JID)
	for _, jid := range g.CommunityJIDs {
		if jid != g.JID {
			scope = append(scope, jid)
		}
	}
	return scope
}
