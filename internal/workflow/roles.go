package workflow

import (
	"sort"
	"strings"
)

// Role is a known staff or participant role. Strings from identity providers
// are parsed once at the boundary; anything unrecognized becomes RoleUnknown.
type Role string

const (
	RoleAdmin            Role = "admin"
	RoleManagingEditor   Role = "managing_editor"
	RoleEditorInChief    Role = "editor_in_chief"
	RoleAssistantEditor  Role = "assistant_editor"
	RoleProductionEditor Role = "production_editor"
	RoleOwner            Role = "owner"
	RoleAuthor           Role = "author"
	RoleReviewer         Role = "reviewer"
	RoleUnknown          Role = "unknown"
)

var knownRoles = map[Role]struct{}{
	RoleAdmin:            {},
	RoleManagingEditor:   {},
	RoleEditorInChief:    {},
	RoleAssistantEditor:  {},
	RoleProductionEditor: {},
	RoleOwner:            {},
	RoleAuthor:           {},
	RoleReviewer:         {},
}

var roleAliases = map[string]Role{
	"me":         RoleManagingEditor,
	"eic":        RoleEditorInChief,
	"chief":      RoleEditorInChief,
	"ae":         RoleAssistantEditor,
	"pe":         RoleProductionEditor,
	"production": RoleProductionEditor,
	"sales":      RoleOwner,
	"superuser":  RoleAdmin,
}

// ParseRole normalizes case and separators and maps aliases.
func ParseRole(raw string) Role {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(key)
	if key == "" {
		return RoleUnknown
	}
	if r, ok := roleAliases[key]; ok {
		return r
	}
	if _, ok := knownRoles[Role(key)]; ok {
		return Role(key)
	}
	return RoleUnknown
}

// RoleSet is a deduplicated set of parsed roles.
type RoleSet map[Role]struct{}

// NormalizeRoles parses raw role strings into a set.
func NormalizeRoles(raw []string) RoleSet {
	set := RoleSet{}
	for _, r := range raw {
		set[ParseRole(r)] = struct{}{}
	}
	return set
}

func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

func (s RoleSet) Add(r Role) {
	s[r] = struct{}{}
}

// Slice returns the known roles in sorted order; RoleUnknown is omitted.
func (s RoleSet) Slice() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		if r == RoleUnknown {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoleContext is the per-request identity of an actor.
type RoleContext struct {
	ActorID           string
	RawRoles          []string
	Roles             RoleSet
	AllowedJournalIDs []string
	IsAdmin           bool
}

// NewRoleContext builds a RoleContext, normalizing raw roles once.
func NewRoleContext(actorID string, rawRoles, journals []string) RoleContext {
	roles := NormalizeRoles(rawRoles)
	return RoleContext{
		ActorID:           actorID,
		RawRoles:          rawRoles,
		Roles:             roles,
		AllowedJournalIDs: journals,
		IsAdmin:           roles.Has(RoleAdmin),
	}
}

// AllowsJournal reports whether the actor may write to manuscripts of the journal.
func (rc RoleContext) AllowsJournal(journalID string) bool {
	if rc.IsAdmin {
		return true
	}
	for _, id := range rc.AllowedJournalIDs {
		if id == journalID || id == "*" {
			return true
		}
	}
	return false
}
