// Package auth resolves actors into role contexts and administers their
// roles and journal scopes.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"journalflow/internal/domain"
	"journalflow/internal/events"
	"journalflow/internal/ids"
	"journalflow/internal/repo"
	"journalflow/internal/workflow"
)

// UnknownRoleError rejects a role string that does not parse to a known role.
type UnknownRoleError struct {
	Role string
}

func (e UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown role %q", e.Role)
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Service {
	return Service{DB: db, Repo: repo.Repo{DB: db}, Events: events.Writer{DB: db}, Now: time.Now}
}

func (s Service) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return s.Now().UTC().Format(time.RFC3339)
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return errors.New("actor_id required")
	}
	return s.Repo.EnsureActor(ctx, tx, actorID, s.now())
}

// RoleContext merges the stored roles and journals of actorID with those
// asserted by the caller's credentials, e.g. JWT claims.
func (s Service) RoleContext(ctx context.Context, actorID string, claimRoles, claimJournals []string) (workflow.RoleContext, error) {
	if strings.TrimSpace(actorID) == "" {
		return workflow.RoleContext{}, errors.New("actor_id required")
	}
	roles, err := s.Repo.ActorRoles(ctx, nil, actorID)
	if err != nil {
		return workflow.RoleContext{}, fmt.Errorf("load roles: %w", err)
	}
	journals, err := s.Repo.ActorJournals(ctx, nil, actorID)
	if err != nil {
		return workflow.RoleContext{}, fmt.Errorf("load journal scope: %w", err)
	}
	return workflow.NewRoleContext(actorID, union(roles, claimRoles), union(journals, claimJournals)), nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// GrantRole stores the normalized form of role for actorID.
func (s Service) GrantRole(ctx context.Context, actorID, role, grantedBy string) (workflow.Role, error) {
	parsed := workflow.ParseRole(role)
	if parsed == workflow.RoleUnknown {
		return "", UnknownRoleError{Role: role}
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.EnsureActor(ctx, tx, actorID); err != nil {
			return err
		}
		if err := s.Repo.AssignRole(ctx, tx, actorID, string(parsed)); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, events.RoleGranted, "", "actor", actorID, grantedBy, events.EventPayload{"role": parsed})
	})
	return parsed, err
}

func (s Service) RevokeRole(ctx context.Context, actorID, role, revokedBy string) error {
	parsed := workflow.ParseRole(role)
	if parsed == workflow.RoleUnknown {
		return UnknownRoleError{Role: role}
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.RevokeRole(ctx, tx, actorID, string(parsed)); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, events.RoleRevoked, "", "actor", actorID, revokedBy, events.EventPayload{"role": parsed})
	})
}

// GrantJournal adds journalID to the actor's write scope. "*" grants every journal.
func (s Service) GrantJournal(ctx context.Context, actorID, journalID, grantedBy string) error {
	if strings.TrimSpace(journalID) == "" {
		return errors.New("journal required")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.EnsureActor(ctx, tx, actorID); err != nil {
			return err
		}
		if journalID != "*" {
			if _, err := s.Repo.GetJournal(ctx, tx, journalID); err != nil {
				return fmt.Errorf("journal %s: %w", journalID, err)
			}
		}
		if err := s.Repo.GrantJournal(ctx, tx, actorID, journalID); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, events.JournalScopeGranted, journalID, "actor", actorID, grantedBy, nil)
	})
}

func (s Service) RevokeJournal(ctx context.Context, actorID, journalID, revokedBy string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.RevokeJournal(ctx, tx, actorID, journalID); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, events.JournalScopeRevoked, journalID, "actor", actorID, revokedBy, nil)
	})
}

// IssueAPIKey creates a key for actorID. The raw key is returned once; only
// its hash is stored.
func (s Service) IssueAPIKey(ctx context.Context, actorID, name, issuedBy string) (string, domain.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	raw := "jf_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        ids.New(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: s.now(),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.EnsureActor(ctx, tx, actorID); err != nil {
			return err
		}
		if err := s.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, events.APIKeyIssued, "", "actor", actorID, issuedBy, events.EventPayload{"key_id": key.ID, "name": key.Name})
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, nil
}

func (s Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
