// Package authz evaluates whether an actor may perform an action on a task.
//
// The evaluator is a pure function of its inputs: no storage, no clock, no
// side effects. Rules are checked in precedence order and the first match
// wins. Denial reasons are for logging and audit only; the HTTP layer must
// surface a generic "not permitted" message.
package authz

import (
	"github.com/plankhq/plank/internal/domain/task"
	"github.com/plankhq/plank/internal/domain/user"
)

// Decision is the result of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// CanPerform reports whether actor may perform action on t.
//
// Precedence:
//  1. admin / managing_director: any action (capability table).
//  2. creator: edit, delete, move.
//  3. assignee: move only.
//  4. team lead of the task's team: edit, move, approve, reject.
//  5. otherwise denied.
//
// Approve and reject are a restricted subset: only rules 1 and 4 grant them.
// Creator or assignee standing alone never suffices.
func CanPerform(actor *user.User, t *task.Task, action user.Action) Decision {
	if actor == nil || t == nil {
		return deny("missing actor or task")
	}
	if !actor.Enabled {
		return deny("actor disabled")
	}

	// Rule 1: unconditional role capabilities.
	if user.RoleCapabilities[actor.Role][action] {
		return allow("role capability")
	}

	// Rule 4 outranks 2 and 3 for the approval subset, but since creator and
	// assignee never grant approve/reject, checking 2 and 3 first is safe and
	// keeps the published precedence order.
	if user.IsApprovalAction(action) {
		if actor.Role == user.RoleTeamLead && t.TeamID != "" && actor.TeamID == t.TeamID {
			return allow("team lead of task team")
		}
		return deny("approval requires admin, managing director, or team lead of the task's team")
	}

	// Rule 2: creator may edit, delete, and move their own task.
	if t.CreatorID != "" && actor.ID == t.CreatorID {
		switch action {
		case user.ActionEdit, user.ActionDelete, user.ActionMove:
			return allow("task creator")
		}
	}

	// Rule 3: assignee may move only.
	if t.AssigneeID != "" && actor.ID == t.AssigneeID && action == user.ActionMove {
		return allow("task assignee")
	}

	// Rule 4: team lead of the owning team may edit and move.
	if actor.Role == user.RoleTeamLead && t.TeamID != "" && actor.TeamID == t.TeamID {
		switch action {
		case user.ActionEdit, user.ActionMove:
			return allow("team lead of task team")
		}
	}

	return deny("no qualifying relationship to task")
}
