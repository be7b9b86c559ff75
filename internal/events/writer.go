package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Audit event types.
const (
	ManuscriptSubmitted    = "manuscript.submitted"
	ManuscriptTransitioned = "manuscript.transitioned"
	ManuscriptResubmitted  = "manuscript.resubmitted"
	ManuscriptAEAssigned   = "manuscript.assistant_editor_assigned"
	ManuscriptOwnerBound   = "manuscript.owner_bound"
	ManuscriptFinalPDF     = "manuscript.final_pdf_attached"
	ReviewerInvited        = "reviewer.invited"
	InvoiceUpdated         = "invoice.updated"
	InvoicePaid            = "invoice.paid"
	CycleCreated           = "production_cycle.created"
	CycleEditorsUpdated    = "production_cycle.editors_updated"
	CycleGalleyUploaded    = "production_cycle.galley_uploaded"
	CycleAuthorResponded   = "production_cycle.author_responded"
	CycleApproved          = "production_cycle.approved"
	CycleSuperseded        = "production_cycle.superseded"
	ProductionAdvanced     = "production.advanced"
	ProductionReverted     = "production.reverted"
	RoleGranted            = "rbac.role_granted"
	RoleRevoked            = "rbac.role_revoked"
	JournalScopeGranted    = "rbac.journal_granted"
	JournalScopeRevoked    = "rbac.journal_revoked"
	APIKeyIssued           = "rbac.api_key_issued"
)

// Writer appends audit events inside the caller's transaction so an event
// exists iff its mutation committed.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, journalID, entityKind, entityID, actorID string, payload EventPayload) error {
	if tx == nil {
		return errors.New("events: transaction required")
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,journal_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(journalID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
