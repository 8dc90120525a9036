// ABOUTME: Permission vocabulary and decision aggregation over pluggable checkers
// ABOUTME: Independent policy modules vote allow/deny/abstain; any deny vetoes, default is deny

package permissions

import (
	"github.com/relaydesk/relaydesk/internal/store"
)

// Decision is one policy module's vote on whether an action may proceed.
type Decision string

const (
	Allowed   Decision = "allowed"
	Denied    Decision = "denied"
	Undecided Decision = "undecided"
)

// Permission names an action an agent may or may not perform.
type Permission string

const (
	PermissionManage         Permission = "manage"
	PermissionSupport        Permission = "support"
	PermissionAssignToSelf   Permission = "assign_to_self"
	PermissionAssignToOthers Permission = "assign_to_others"
	PermissionCreateTags     Permission = "create_tags"
)

// Checker is one independent policy module. Implementations must not depend
// on each other; combination happens only through Aggregate.
type Checker interface {
	// CanCreateAgent votes on whether an agent may be created for this
	// identification.
	CanCreateAgent(ident store.AgentIdentification) Decision

	// CheckPermission votes on whether the agent holds the permission.
	CheckPermission(agent *store.Agent, permission Permission) Decision
}

// Aggregate combines independent votes into one outcome: allowed iff at
// least one vote is Allowed and none is Denied. Undecided votes are ignored,
// so an empty or all-abstaining vote set denies.
func Aggregate(decisions ...Decision) bool {
	allowed := false
	for _, d := range decisions {
		switch d {
		case Denied:
			return false
		case Allowed:
			allowed = true
		}
	}
	return allowed
}

// CanCreateAgent aggregates CanCreateAgent votes across checkers.
func CanCreateAgent(checkers []Checker, ident store.AgentIdentification) bool {
	decisions := make([]Decision, 0, len(checkers))
	for _, c := range checkers {
		decisions = append(decisions, c.CanCreateAgent(ident))
	}
	return Aggregate(decisions...)
}

// Check aggregates CheckPermission votes across checkers.
func Check(checkers []Checker, agent *store.Agent, permission Permission) bool {
	decisions := make([]Decision, 0, len(checkers))
	for _, c := range checkers {
		decisions = append(decisions, c.CheckPermission(agent, permission))
	}
	return Aggregate(decisions...)
}
