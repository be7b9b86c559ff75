package domain

import "github.com/shopspring/decimal"

// Status is the top-level lifecycle position of a manuscript.
type Status string

const (
	StatusPreCheck       Status = "pre_check"
	StatusUnderReview    Status = "under_review"
	StatusResubmitted    Status = "resubmitted"
	StatusDecision       Status = "decision"
	StatusDecisionDone   Status = "decision_done"
	StatusMinorRevision  Status = "minor_revision"
	StatusMajorRevision  Status = "major_revision"
	StatusRejected       Status = "rejected"
	StatusApproved       Status = "approved"
	StatusLayout         Status = "layout"
	StatusEnglishEditing Status = "english_editing"
	StatusProofreading   Status = "proofreading"
	StatusPublished      Status = "published"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPreCheck,
	StatusUnderReview,
	StatusResubmitted,
	StatusDecision,
	StatusDecisionDone,
	StatusMinorRevision,
	StatusMajorRevision,
	StatusRejected,
	StatusApproved,
	StatusLayout,
	StatusEnglishEditing,
	StatusProofreading,
	StatusPublished,
}

// ParseStatus returns the status named by s and whether it is known.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

type CycleStatus string

const (
	CycleDraft                CycleStatus = "draft"
	CycleAwaitingAuthor       CycleStatus = "awaiting_author"
	CycleAuthorConfirmed      CycleStatus = "author_confirmed"
	CycleCorrectionsRequested CycleStatus = "corrections_requested"
	CycleApprovedForPublish   CycleStatus = "approved_for_publish"
)

type ProofDecision string

const (
	DecisionConfirmClean      ProofDecision = "confirm_clean"
	DecisionSubmitCorrections ProofDecision = "submit_corrections"
)

type InvoiceStatus string

const (
	InvoiceUnpaid InvoiceStatus = "unpaid"
	InvoicePaid   InvoiceStatus = "paid"
	InvoiceWaived InvoiceStatus = "waived"
)

type Journal struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Manuscript struct {
	ID                string  `json:"id"`
	JournalID         string  `json:"journal_id"`
	Title             string  `json:"title"`
	AuthorID          string  `json:"author_id"`
	Status            Status  `json:"status"`
	OwnerID           *string `json:"owner_id,omitempty"`
	AssistantEditorID *string `json:"assistant_editor_id,omitempty"`
	FinalPDFPath      *string `json:"final_pdf_path,omitempty"`
	Version           int     `json:"version"`
	// Revision changes on every write and backs optimistic concurrency.
	Revision  int    `json:"revision"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Invoice struct {
	ManuscriptID string          `json:"manuscript_id"`
	Status       InvoiceStatus   `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	ConfirmedBy  *string         `json:"confirmed_by,omitempty"`
	ConfirmedAt  *string         `json:"confirmed_at,omitempty" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

type ProductionCycle struct {
	ID                    string      `json:"id"`
	ManuscriptID          string      `json:"manuscript_id"`
	CycleNo               int         `json:"cycle_no"`
	Status                CycleStatus `json:"status"`
	LayoutEditorID        string      `json:"layout_editor_id"`
	CollaboratorEditorIDs []string    `json:"collaborator_editor_ids"`
	ProofreaderAuthorID   string      `json:"proofreader_author_id"`
	GalleyPath            *string     `json:"galley_path,omitempty"`
	GalleyVersionNote     *string     `json:"galley_version_note,omitempty"`
	ProofDueAt            *string     `json:"proof_due_at,omitempty" format:"date-time"`
	LatestResponseID      *string     `json:"latest_response_id,omitempty"`
	ApprovedBy            *string     `json:"approved_by,omitempty"`
	ApprovedAt            *string     `json:"approved_at,omitempty" format:"date-time"`
	SupersededAt          *string     `json:"superseded_at,omitempty" format:"date-time"`
	CreatedAt             string      `json:"created_at" format:"date-time"`
	UpdatedAt             string      `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the cycle can no longer change.
func (c ProductionCycle) Terminal() bool {
	return c.Status == CycleApprovedForPublish || c.SupersededAt != nil
}

type Correction struct {
	Location      string `json:"location"`
	SuggestedText string `json:"suggested_text"`
}

type ProofResponse struct {
	ID          string        `json:"id"`
	CycleID     string        `json:"cycle_id"`
	AuthorID    string        `json:"author_id"`
	Decision    ProofDecision `json:"decision"`
	Corrections []Correction  `json:"corrections,omitempty"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
}

type ReviewerInvitation struct {
	ID           string `json:"id"`
	ManuscriptID string `json:"manuscript_id"`
	ReviewerID   string `json:"reviewer_id"`
	InvitedBy    string `json:"invited_by"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	JournalID  string `json:"journal_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
