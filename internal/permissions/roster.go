// ABOUTME: RosterChecker votes based on a configured roster of known agent identities
// ABOUTME: Roles map to permissions: manage grants everything, support grants self-assignment

package permissions

import (
	"github.com/relaydesk/relaydesk/internal/store"
)

// Role is a coarse grant bundle attached to a roster entry.
type Role string

const (
	RoleManager Role = "manage"
	RoleSupport Role = "support"
)

// RosterEntry names one known agent identity and its roles.
type RosterEntry struct {
	Channel       string
	ChannelUserID string
	Roles         []Role
}

// RosterChecker votes from a static roster of agent identities. Identities on
// the roster may be created as agents; unknown identities get an allow or
// abstain depending on AllowUnknown, letting another checker decide. The
// checker never denies creation outright so it can be combined with stricter
// policies.
type RosterChecker struct {
	entries      map[rosterKey]RosterEntry
	allowUnknown bool
}

type rosterKey struct {
	channel       string
	channelUserID string
}

// NewRosterChecker builds a checker from roster entries. With allowUnknown
// set, identities missing from the roster may still be created as agents
// (they just hold no permissions).
func NewRosterChecker(entries []RosterEntry, allowUnknown bool) *RosterChecker {
	m := make(map[rosterKey]RosterEntry, len(entries))
	for _, e := range entries {
		m[rosterKey{channel: e.Channel, channelUserID: e.ChannelUserID}] = e
	}
	return &RosterChecker{entries: m, allowUnknown: allowUnknown}
}

func (r *RosterChecker) CanCreateAgent(ident store.AgentIdentification) Decision {
	if _, ok := r.entries[rosterKey{channel: ident.Channel, channelUserID: ident.ChannelUserID}]; ok {
		return Allowed
	}
	if r.allowUnknown {
		return Allowed
	}
	return Undecided
}

func (r *RosterChecker) CheckPermission(agent *store.Agent, permission Permission) Decision {
	entry, ok := r.entries[rosterKey{channel: agent.Channel, channelUserID: agent.ChannelUserID}]
	if !ok {
		return Undecided
	}
	for _, role := range entry.Roles {
		if roleGrants(role, permission) {
			return Allowed
		}
	}
	return Undecided
}

func roleGrants(role Role, permission Permission) bool {
	switch role {
	case RoleManager:
		return true
	case RoleSupport:
		return permission == PermissionSupport || permission == PermissionAssignToSelf
	}
	return false
}

var _ Checker = (*RosterChecker)(nil)
