package journalflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal journalflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Manuscript represents the API manuscript model.
type Manuscript struct {
	ID                string  `json:"id"`
	JournalID         string  `json:"journal_id"`
	Title             string  `json:"title"`
	AuthorID          string  `json:"author_id"`
	Status            string  `json:"status"`
	OwnerID           *string `json:"owner_id,omitempty"`
	AssistantEditorID *string `json:"assistant_editor_id,omitempty"`
	FinalPDFPath      *string `json:"final_pdf_path,omitempty"`
	Version           int     `json:"version"`
	Revision          int     `json:"revision"`
	UpdatedAt         string  `json:"updated_at"`
}

// Invoice is the publication fee record. Amount is a decimal string.
type Invoice struct {
	ManuscriptID string `json:"manuscript_id"`
	Status       string `json:"status"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
}

// ProductionCycle is one proofreading round.
type ProductionCycle struct {
	ID                    string   `json:"id"`
	ManuscriptID          string   `json:"manuscript_id"`
	CycleNo               int      `json:"cycle_no"`
	Status                string   `json:"status"`
	LayoutEditorID        string   `json:"layout_editor_id"`
	CollaboratorEditorIDs []string `json:"collaborator_editor_ids"`
	ProofreaderAuthorID   string   `json:"proofreader_author_id"`
	GalleyPath            *string  `json:"galley_path,omitempty"`
	LatestResponseID      *string  `json:"latest_response_id,omitempty"`
}

// State is the caller-specific manuscript view.
type State struct {
	Manuscript        Manuscript       `json:"manuscript"`
	Invoice           *Invoice         `json:"invoice,omitempty"`
	Cycle             *ProductionCycle `json:"production_cycle,omitempty"`
	Capabilities      map[string]bool  `json:"capabilities"`
	LegalNextStatuses []string         `json:"legal_next_statuses"`
	Gates             struct {
		Financial bool `json:"financial_gate"`
		Proof     bool `json:"proof_gate"`
	} `json:"gates"`
	NextAction struct {
		Phase    string   `json:"phase"`
		Title    string   `json:"title"`
		Blockers []string `json:"blockers"`
	} `json:"next_action"`
	GalleyURL   string `json:"galley_url,omitempty"`
	FinalPDFURL string `json:"final_pdf_url,omitempty"`
	Terminal    bool   `json:"terminal"`
}

// Event represents a log entry. Payload is the raw JSON document.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	JournalID  string `json:"journal_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Correction is one requested proof change.
type Correction struct {
	Location      string `json:"location"`
	SuggestedText string `json:"suggested_text"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError carrying code, e.g. "conflict".
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Submit creates a manuscript as the authenticated author.
func (c *Client) Submit(ctx context.Context, journalID, title string) (Manuscript, error) {
	var resp Manuscript
	err := c.do(ctx, http.MethodPost, "manuscripts", map[string]any{"journal_id": journalID, "title": title}, &resp)
	return resp, err
}

// List returns manuscripts visible to the caller.
func (c *Client) List(ctx context.Context, journalID, status string) ([]Manuscript, error) {
	q := url.Values{}
	if journalID != "" {
		q.Set("journal_id", journalID)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "manuscripts"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Manuscript `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// State fetches the caller's view of a manuscript.
func (c *Client) State(ctx context.Context, id string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, manuscriptPath(id, ""), nil, &resp)
	return resp, err
}

// Transition requests a status change. expectedRevision 0 skips the check.
func (c *Client) Transition(ctx context.Context, id, target, reason string, expectedRevision int) (Manuscript, error) {
	body := map[string]any{"target": target, "reason": reason, "expected_revision": expectedRevision}
	var resp Manuscript
	err := c.do(ctx, http.MethodPost, manuscriptPath(id, "transition"), body, &resp)
	return resp, err
}

func (c *Client) AssignAssistantEditor(ctx context.Context, id, assignee string) (Manuscript, error) {
	var resp Manuscript
	err := c.do(ctx, http.MethodPost, manuscriptPath(id, "assistant-editor"), map[string]any{"assignee_id": assignee}, &resp)
	return resp, err
}

func (c *Client) BindOwner(ctx context.Context, id, owner string) (Manuscript, error) {
	var resp Manuscript
	err := c.do(ctx, http.MethodPost, manuscriptPath(id, "owner"), map[string]any{"assignee_id": owner}, &resp)
	return resp, err
}

// SetInvoice creates or replaces the invoice. amount is a decimal string.
func (c *Client) SetInvoice(ctx context.Context, id, amount, currency string) (Invoice, error) {
	var resp Invoice
	err := c.do(ctx, http.MethodPut, manuscriptPath(id, "invoice"), map[string]any{"amount": amount, "currency": currency}, &resp)
	return resp, err
}

func (c *Client) ConfirmPayment(ctx context.Context, id string) (Invoice, error) {
	var resp Invoice
	err := c.do(ctx, http.MethodPost, manuscriptPath(id, "invoice/confirm"), map[string]any{}, &resp)
	return resp, err
}

func (c *Client) CreateCycle(ctx context.Context, id, layoutEditor string, collaborators []string) (ProductionCycle, error) {
	body := map[string]any{"layout_editor_id": layoutEditor, "collaborator_editor_ids": collaborators}
	var resp ProductionCycle
	err := c.do(ctx, http.MethodPost, manuscriptPath(id, "production-cycles"), body, &resp)
	return resp, err
}

// UploadGalley sends content inline; it is base64 encoded on the wire.
func (c *Client) UploadGalley(ctx context.Context, id, fileName string, content []byte, note string) (ProductionCycle, error) {
	body := map[string]any{"file_name": fileName, "content_type": "application/pdf", "content": content, "version_note": note}
	var resp ProductionCycle
	err := c.do(ctx, http.MethodPost, manuscriptPath(id, "production-cycles/active/galley"), body, &resp)
	return resp, err
}

// RespondToProof answers the current galley. Pass corrections only with
// "submit_corrections".
func (c *Client) RespondToProof(ctx context.Context, id, decision string, corrections []Correction) error {
	body := map[string]any{"decision": decision}
	if len(corrections) > 0 {
		body["corrections"] = corrections
	}
	return c.do(ctx, http.MethodPost, manuscriptPath(id, "production-cycles/active/proofreading-response"), body, nil)
}

func (c *Client) ApproveCycle(ctx context.Context, id string) (ProductionCycle, error) {
	var resp ProductionCycle
	err := c.do(ctx, http.MethodPost, manuscriptPath(id, "production-cycles/active/approve"), nil, &resp)
	return resp, err
}

func (c *Client) AdvanceProduction(ctx context.Context, id string) (Manuscript, error) {
	var resp Manuscript
	err := c.do(ctx, http.MethodPost, manuscriptPath(id, "production/advance"), map[string]any{}, &resp)
	return resp, err
}

func (c *Client) RevertProduction(ctx context.Context, id, reason string) (Manuscript, error) {
	var resp Manuscript
	err := c.do(ctx, http.MethodPost, manuscriptPath(id, "production/revert"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// EventsPage returns one page of a manuscript's audit trail, newest first.
func (c *Client) EventsPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := manuscriptPath(id, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func manuscriptPath(id, sub string) string {
	p := "manuscripts/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
