package workflow

import "fmt"

// Action is a fine-grained permission a role may hold.
type Action string

const (
	ActionManualTransition    Action = "manual_status_transition"
	ActionAssignAE            Action = "assign_assistant_editor"
	ActionOpenProduction      Action = "open_production_workspace"
	ActionApproveProduction   Action = "approve_production"
	ActionRecordFirstDecision Action = "record_first_decision"
	ActionSubmitFinalDecision Action = "submit_final_decision"
	ActionBindOwner           Action = "bind_owner"
	ActionUpdateInvoiceInfo   Action = "update_invoice_info"
	ActionManageReviewers     Action = "manage_reviewers"
)

var allActions = []Action{
	ActionManualTransition,
	ActionAssignAE,
	ActionOpenProduction,
	ActionApproveProduction,
	ActionRecordFirstDecision,
	ActionSubmitFinalDecision,
	ActionBindOwner,
	ActionUpdateInvoiceInfo,
	ActionManageReviewers,
}

// CapabilitySet is the derived permission view for one actor.
type CapabilitySet struct {
	CanManualStatusTransition  bool `json:"can_manual_status_transition"`
	CanAssignAE                bool `json:"can_assign_ae"`
	CanOpenProductionWorkspace bool `json:"can_open_production_workspace"`
	CanApproveProduction       bool `json:"can_approve_production"`
	CanRecordFirstDecision     bool `json:"can_record_first_decision"`
	CanSubmitFinalDecision     bool `json:"can_submit_final_decision"`
	CanBindOwner               bool `json:"can_bind_owner"`
	CanUpdateInvoiceInfo       bool `json:"can_update_invoice_info"`
	CanManageReviewers         bool `json:"can_manage_reviewers"`
}

// Allows reports whether the set grants the action.
func (c CapabilitySet) Allows(a Action) bool {
	switch a {
	case ActionManualTransition:
		return c.CanManualStatusTransition
	case ActionAssignAE:
		return c.CanAssignAE
	case ActionOpenProduction:
		return c.CanOpenProductionWorkspace
	case ActionApproveProduction:
		return c.CanApproveProduction
	case ActionRecordFirstDecision:
		return c.CanRecordFirstDecision
	case ActionSubmitFinalDecision:
		return c.CanSubmitFinalDecision
	case ActionBindOwner:
		return c.CanBindOwner
	case ActionUpdateInvoiceInfo:
		return c.CanUpdateInvoiceInfo
	case ActionManageReviewers:
		return c.CanManageReviewers
	}
	return false
}

func (c *CapabilitySet) grant(a Action) {
	switch a {
	case ActionManualTransition:
		c.CanManualStatusTransition = true
	case ActionAssignAE:
		c.CanAssignAE = true
	case ActionOpenProduction:
		c.CanOpenProductionWorkspace = true
	case ActionApproveProduction:
		c.CanApproveProduction = true
	case ActionRecordFirstDecision:
		c.CanRecordFirstDecision = true
	case ActionSubmitFinalDecision:
		c.CanSubmitFinalDecision = true
	case ActionBindOwner:
		c.CanBindOwner = true
	case ActionUpdateInvoiceInfo:
		c.CanUpdateInvoiceInfo = true
	case ActionManageReviewers:
		c.CanManageReviewers = true
	}
}

// DefaultCapabilityTable is the built-in role to action mapping.
func DefaultCapabilityTable() map[Role][]Action {
	return map[Role][]Action{
		RoleAdmin: append([]Action(nil), allActions...),
		RoleManagingEditor: {
			ActionManualTransition,
			ActionAssignAE,
			ActionOpenProduction,
			ActionApproveProduction,
			ActionRecordFirstDecision,
			ActionSubmitFinalDecision,
			ActionBindOwner,
			ActionUpdateInvoiceInfo,
			ActionManageReviewers,
		},
		RoleEditorInChief: {
			ActionOpenProduction,
			ActionApproveProduction,
			ActionRecordFirstDecision,
			ActionSubmitFinalDecision,
		},
		RoleAssistantEditor: {
			ActionManageReviewers,
			ActionRecordFirstDecision,
		},
		RoleProductionEditor: {
			ActionOpenProduction,
			ActionApproveProduction,
		},
		RoleOwner: {
			ActionBindOwner,
			ActionUpdateInvoiceInfo,
		},
		RoleAuthor:   {},
		RoleReviewer: {},
	}
}

// Resolver derives capability sets from a role to action table.
type Resolver struct {
	table map[Role][]Action
}

// fixedActions are held by exactly these roles and cannot be reassigned
// through overrides.
var fixedActions = map[Action]RoleSet{
	ActionManualTransition: {RoleAdmin: {}, RoleManagingEditor: {}},
	ActionAssignAE:         {RoleAdmin: {}, RoleManagingEditor: {}},
	ActionOpenProduction:   {RoleAdmin: {}, RoleManagingEditor: {}, RoleEditorInChief: {}, RoleProductionEditor: {}},
}

// NewResolver builds a resolver from the defaults, replacing the actions of
// every role named in overrides. Unknown roles or actions are rejected, as is
// granting a fixed action to a role outside its set. A role that holds a
// fixed action keeps it whatever its override lists.
func NewResolver(overrides map[string][]string) (Resolver, error) {
	table := DefaultCapabilityTable()
	for rawRole, rawActions := range overrides {
		role := ParseRole(rawRole)
		if role == RoleUnknown {
			return Resolver{}, fmt.Errorf("capabilities: unknown role %q", rawRole)
		}
		actions := make([]Action, 0, len(rawActions))
		for _, a := range rawActions {
			act, ok := parseAction(a)
			if !ok {
				return Resolver{}, fmt.Errorf("capabilities: role %s has unknown action %q", role, a)
			}
			if holders, fixed := fixedActions[act]; fixed {
				if !holders.Has(role) {
					return Resolver{}, fmt.Errorf("capabilities: %s is reserved and cannot be granted to %s", act, role)
				}
				continue
			}
			actions = append(actions, act)
		}
		for _, act := range allActions {
			if holders, fixed := fixedActions[act]; fixed && holders.Has(role) {
				actions = append(actions, act)
			}
		}
		table[role] = actions
	}
	return Resolver{table: table}, nil
}

func parseAction(s string) (Action, bool) {
	for _, a := range allActions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// Derive never fails; an empty or unknown role set yields all-false.
func (r Resolver) Derive(roles RoleSet) CapabilitySet {
	table := r.table
	if table == nil {
		table = DefaultCapabilityTable()
	}
	var caps CapabilitySet
	for role := range roles {
		for _, a := range table[role] {
			caps.grant(a)
		}
	}
	return caps
}

// DeriveCapabilities uses the default table.
func DeriveCapabilities(roles RoleSet) CapabilitySet {
	return Resolver{}.Derive(roles)
}
