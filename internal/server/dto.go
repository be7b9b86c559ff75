package server

import (
	"bytes"
	"errors"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"journalflow/internal/domain"
	"journalflow/internal/engine"
	"journalflow/internal/workflow"
)

// Request payloads

var currencyCode = regexp.MustCompile(`^[A-Za-z]{3}$`)

type SubmitManuscriptRequest struct {
	ID        string `json:"id,omitempty"`
	JournalID string `json:"journal_id,omitempty"`
	Title     string `json:"title"`
}

func (r SubmitManuscriptRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Required.Error("title is required"), validation.Length(1, 500)),
		validation.Field(&r.ID, validation.Length(0, 128)),
	)
}

type TransitionBody struct {
	Target           string `json:"target" example:"approved"`
	Reason           string `json:"reason,omitempty"`
	ExpectedRevision int    `json:"expected_revision,omitempty"`
}

func (r TransitionBody) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Target, validation.Required.Error("target is required")),
		validation.Field(&r.ExpectedRevision, validation.Min(0)),
	)
}

type AssignBody struct {
	AssigneeID       string `json:"assignee_id"`
	ExpectedRevision int    `json:"expected_revision,omitempty"`
}

func (r AssignBody) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.AssigneeID, validation.Required.Error("assignee_id is required")),
		validation.Field(&r.ExpectedRevision, validation.Min(0)),
	)
}

type InviteBody struct {
	ReviewerID string `json:"reviewer_id"`
}

func (r InviteBody) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ReviewerID, validation.Required.Error("reviewer_id is required")),
	)
}

type ResubmitBody struct {
	Note             string `json:"note,omitempty"`
	ExpectedRevision int    `json:"expected_revision,omitempty"`
}

// InvoiceBody carries the amount as a decimal string so no float rounding
// happens on the way in.
type InvoiceBody struct {
	Amount   string `json:"amount" example:"1500.00"`
	Currency string `json:"currency,omitempty" example:"USD"`
	Waive    bool   `json:"waive,omitempty"`
}

func (r InvoiceBody) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Amount, validation.Required.Error("amount is required"), validation.By(isDecimal)),
		validation.Field(&r.Currency, validation.When(r.Currency != "", validation.Match(currencyCode).Error("currency must be a 3-letter code"))),
	)
}

func isDecimal(v any) error {
	s, _ := v.(string)
	if _, err := decimal.NewFromString(s); err != nil {
		return errors.New("must be a decimal number")
	}
	return nil
}

type ConfirmPaymentBody struct {
	ExpectedStatus *domain.InvoiceStatus `json:"expected_status,omitempty" enum:"unpaid,paid,waived"`
}

type CreateCycleBody struct {
	LayoutEditorID        string   `json:"layout_editor_id"`
	CollaboratorEditorIDs []string `json:"collaborator_editor_ids,omitempty"`
	ProofreaderAuthorID   string   `json:"proofreader_author_id,omitempty"`
	ProofDueAt            string   `json:"proof_due_at,omitempty" format:"date-time"`
}

func (r CreateCycleBody) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.LayoutEditorID, validation.Required.Error("layout_editor_id is required")),
		validation.Field(&r.CollaboratorEditorIDs, validation.Each(validation.Required)),
	)
}

type EditorsBody struct {
	LayoutEditorID        string   `json:"layout_editor_id"`
	CollaboratorEditorIDs []string `json:"collaborator_editor_ids,omitempty"`
}

func (r EditorsBody) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.LayoutEditorID, validation.Required.Error("layout_editor_id is required")),
		validation.Field(&r.CollaboratorEditorIDs, validation.Each(validation.Required)),
	)
}

// FileBody carries an uploaded PDF inline; content is base64 in JSON.
type FileBody struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"content"`
}

func (r FileBody) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FileName, validation.Required.Error("file_name is required")),
		validation.Field(&r.Content, validation.Required.Error("content is required"), validation.Length(1, maxUploadBytes)),
	)
}

type GalleyBody struct {
	FileBody
	VersionNote string `json:"version_note,omitempty"`
	ProofDueAt  string `json:"proof_due_at,omitempty" format:"date-time"`
}

type FinalPDFBody struct {
	FileBody
	ExpectedRevision int `json:"expected_revision,omitempty"`
}

type ProofResponseBody struct {
	Decision    string              `json:"decision" enum:"confirm_clean,submit_corrections"`
	Corrections []domain.Correction `json:"corrections,omitempty"`
}

type ProductionMoveBody struct {
	Reason           string `json:"reason,omitempty"`
	ExpectedRevision int    `json:"expected_revision,omitempty"`
}

type TokenRequest struct {
	ActorID  string   `json:"actor_id"`
	Roles    []string `json:"roles,omitempty"`
	Journals []string `json:"journals,omitempty"`
}

func (r TokenRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ActorID, validation.Required.Error("actor_id is required")),
	)
}

// Response payloads

type TokenResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID      string                 `json:"actor_id"`
	Roles        []string               `json:"roles"`
	Journals     []string               `json:"journals"`
	Capabilities workflow.CapabilitySet `json:"capabilities"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type manuscriptList struct {
	Items []domain.Manuscript `json:"items"`
}

func (f FileBody) upload() engine.FileUpload {
	return engine.FileUpload{
		FileName:    f.FileName,
		ContentType: f.ContentType,
		Body:        bytes.NewReader(f.Content),
		Size:        int64(len(f.Content)),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
