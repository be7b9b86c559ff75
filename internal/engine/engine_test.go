package engine_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"journalflow/internal/config"
	"journalflow/internal/db"
	"journalflow/internal/domain"
	"journalflow/internal/engine"
	"journalflow/internal/migrate"
	"journalflow/internal/notify"
	"journalflow/internal/repo"
	"journalflow/internal/storage"
	"journalflow/internal/workflow"
)

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Notes    *notify.Recorder
	Author   workflow.RoleContext
	Editor   workflow.RoleContext
	Outsider workflow.RoleContext
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("jrn-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	rec := &notify.Recorder{}
	eng.Notifier = rec
	ctx := context.Background()
	if err := eng.EnsureJournal(ctx, "jrn-1", "Journal One"); err != nil {
		t.Fatalf("ensure journal: %v", err)
	}
	if err := eng.EnsureJournal(ctx, "jrn-2", "Journal Two"); err != nil {
		t.Fatalf("ensure journal: %v", err)
	}
	return testEnv{
		Engine:   eng,
		Ctx:      ctx,
		Notes:    rec,
		Author:   workflow.NewRoleContext("author-1", []string{"author"}, nil),
		Editor:   workflow.NewRoleContext("me-1", []string{"managing_editor"}, []string{"jrn-1"}),
		Outsider: workflow.NewRoleContext("me-2", []string{"managing_editor"}, []string{"jrn-2"}),
	}
}

func expectCode(t *testing.T, err error, want *workflow.Error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %s, got %v", want.Code, err)
	}
}

func (env testEnv) submit(t *testing.T) domain.Manuscript {
	t.Helper()
	m, err := env.Engine.SubmitManuscript(env.Ctx, env.Author, engine.SubmitRequest{JournalID: "jrn-1", Title: "On Things"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return m
}

func (env testEnv) move(t *testing.T, id, target, reason string) domain.Manuscript {
	t.Helper()
	m, err := env.Engine.RequestTransition(env.Ctx, env.Editor, engine.TransitionRequest{ManuscriptID: id, Target: target, Reason: reason})
	if err != nil {
		t.Fatalf("transition to %s: %v", target, err)
	}
	if string(m.Status) != target {
		t.Fatalf("status = %s, want %s", m.Status, target)
	}
	return m
}

// toDecisionDone drives a fresh submission through review.
func (env testEnv) toDecisionDone(t *testing.T) domain.Manuscript {
	t.Helper()
	m := env.submit(t)
	if _, err := env.Engine.AssignAssistantEditor(env.Ctx, env.Editor, engine.AssignmentRequest{ManuscriptID: m.ID, AssigneeID: "ae-1"}); err != nil {
		t.Fatalf("assign ae: %v", err)
	}
	env.move(t, m.ID, "under_review", "")
	env.move(t, m.ID, "decision", "")
	return env.move(t, m.ID, "decision_done", "")
}

func (env testEnv) toStatus(t *testing.T, target domain.Status) domain.Manuscript {
	t.Helper()
	m := env.toDecisionDone(t)
	m = env.move(t, m.ID, "approved", "meets all criteria")
	for m.Status != target {
		next, err := env.Engine.AdvanceProduction(env.Ctx, env.Editor, engine.ProductionMove{ManuscriptID: m.ID})
		if err != nil {
			t.Fatalf("advance from %s: %v", m.Status, err)
		}
		m = next
	}
	return m
}

func pdf(name string) engine.FileUpload {
	body := "%PDF-1.4 " + name
	return engine.FileUpload{FileName: name, ContentType: "application/pdf", Body: strings.NewReader(body), Size: int64(len(body))}
}

// approvedCycle runs one clean production round to approval.
func (env testEnv) approvedCycle(t *testing.T, id string) domain.ProductionCycle {
	t.Helper()
	if _, err := env.Engine.CreateCycle(env.Ctx, env.Editor, engine.CreateCycleRequest{ManuscriptID: id, LayoutEditorID: "le-1"}); err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	if _, err := env.Engine.UploadGalley(env.Ctx, env.Editor, engine.GalleyRequest{ManuscriptID: id, File: pdf("galley.pdf")}); err != nil {
		t.Fatalf("upload galley: %v", err)
	}
	if _, err := env.Engine.SubmitAuthorResponse(env.Ctx, env.Author, engine.ProofResponseRequest{ManuscriptID: id, Decision: "confirm_clean"}); err != nil {
		t.Fatalf("author response: %v", err)
	}
	c, err := env.Engine.ApproveCycle(env.Ctx, env.Editor, id)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return c
}

func (env testEnv) readyToPublish(t *testing.T, amount int64, status domain.InvoiceStatus) domain.Manuscript {
	t.Helper()
	m := env.toStatus(t, domain.StatusProofreading)
	env.approvedCycle(t, m.ID)
	if _, err := env.Engine.AttachFinalPDF(env.Ctx, env.Editor, engine.FinalPDFRequest{ManuscriptID: m.ID, File: pdf("final.pdf")}); err != nil {
		t.Fatalf("final pdf: %v", err)
	}
	if _, err := env.Engine.SetInvoice(env.Ctx, env.Editor, engine.InvoiceRequest{ManuscriptID: m.ID, Amount: decimal.NewFromInt(amount), Currency: "usd"}); err != nil {
		t.Fatalf("set invoice: %v", err)
	}
	if status == domain.InvoicePaid {
		if _, err := env.Engine.ConfirmPayment(env.Ctx, env.Editor, engine.ConfirmPaymentRequest{ManuscriptID: m.ID}); err != nil {
			t.Fatalf("confirm payment: %v", err)
		}
	}
	return m
}

func TestApproveWithReason(t *testing.T) {
	env := newTestEnv(t)
	m := env.toDecisionDone(t)
	m = env.move(t, m.ID, "approved", "meets all criteria")
	if m.Status != domain.StatusApproved {
		t.Fatalf("status = %s", m.Status)
	}
	evts, err := env.Engine.ManuscriptEvents(env.Ctx, env.Editor, m.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if evts[0].Type != "manuscript.transitioned" || !strings.Contains(evts[0].Payload, "meets all criteria") {
		t.Fatalf("latest event = %+v", evts[0])
	}
}

func TestPublishBlockedByUnpaidInvoice(t *testing.T) {
	env := newTestEnv(t)
	m := env.readyToPublish(t, 1000, domain.InvoiceUnpaid)
	_, err := env.Engine.RequestTransition(env.Ctx, env.Editor, engine.TransitionRequest{ManuscriptID: m.ID, Target: "published"})
	expectCode(t, err, workflow.ErrGateNotSatisfied)
	var wfErr *workflow.Error
	if !errors.As(err, &wfErr) || len(wfErr.Gates) != 1 || wfErr.Gates[0] != workflow.GateFinancial {
		t.Fatalf("unmet gates = %v", err)
	}
	st, err := env.Engine.ManuscriptState(env.Ctx, env.Editor, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Manuscript.Status != domain.StatusProofreading || st.Gates.Financial || !st.Gates.Proof {
		t.Fatalf("state after rejection = %+v", st)
	}
}

func TestPublishWithPaidInvoice(t *testing.T) {
	env := newTestEnv(t)
	m := env.readyToPublish(t, 1000, domain.InvoicePaid)
	m = env.move(t, m.ID, "published", "")
	_, err := env.Engine.RequestTransition(env.Ctx, env.Editor, engine.TransitionRequest{ManuscriptID: m.ID, Target: "approved", Reason: "x"})
	expectCode(t, err, workflow.ErrTerminalState)
	_, err = env.Engine.RevertProduction(env.Ctx, env.Editor, engine.ProductionMove{ManuscriptID: m.ID, Reason: "oops"})
	expectCode(t, err, workflow.ErrTerminalState)
}

func TestZeroAmountInvoiceSatisfiesFinancialGate(t *testing.T) {
	env := newTestEnv(t)
	m := env.readyToPublish(t, 0, domain.InvoiceUnpaid)
	if _, err := env.Engine.AdvanceProduction(env.Ctx, env.Editor, engine.ProductionMove{ManuscriptID: m.ID}); err != nil {
		t.Fatalf("advance to published: %v", err)
	}
}

func TestPublishBlockedByProofGate(t *testing.T) {
	env := newTestEnv(t)
	m := env.toStatus(t, domain.StatusProofreading)
	onlyProof := func(err error) {
		t.Helper()
		expectCode(t, err, workflow.ErrGateNotSatisfied)
		var wfErr *workflow.Error
		if !errors.As(err, &wfErr) || len(wfErr.Gates) != 1 || wfErr.Gates[0] != workflow.GateProof {
			t.Fatalf("unmet gates = %v", err)
		}
	}

	_, err := env.Engine.RequestTransition(env.Ctx, env.Editor, engine.TransitionRequest{ManuscriptID: m.ID, Target: "published"})
	onlyProof(err)

	env.approvedCycle(t, m.ID)
	_, err = env.Engine.AdvanceProduction(env.Ctx, env.Editor, engine.ProductionMove{ManuscriptID: m.ID})
	onlyProof(err)

	if _, err := env.Engine.AttachFinalPDF(env.Ctx, env.Editor, engine.FinalPDFRequest{ManuscriptID: m.ID, File: pdf("final.pdf")}); err != nil {
		t.Fatalf("final pdf: %v", err)
	}
	m, err = env.Engine.AdvanceProduction(env.Ctx, env.Editor, engine.ProductionMove{ManuscriptID: m.ID})
	if err != nil {
		t.Fatalf("advance to published: %v", err)
	}
	if m.Status != domain.StatusPublished {
		t.Fatalf("status = %s", m.Status)
	}
}

func TestPreCheckNeedsAssistantEditor(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t)
	_, err := env.Engine.RequestTransition(env.Ctx, env.Editor, engine.TransitionRequest{ManuscriptID: m.ID, Target: "under_review"})
	expectCode(t, err, workflow.ErrPreconditionFailed)
	if !strings.Contains(err.Error(), "Assign an Assistant Editor first") {
		t.Fatalf("message = %q", err.Error())
	}
	if _, err := env.Engine.AssignAssistantEditor(env.Ctx, env.Editor, engine.AssignmentRequest{ManuscriptID: m.ID, AssigneeID: "ae-1"}); err != nil {
		t.Fatal(err)
	}
	env.move(t, m.ID, "under_review", "")
}

func TestTransitionRejections(t *testing.T) {
	env := newTestEnv(t)
	m := env.toDecisionDone(t)

	_, err := env.Engine.RequestTransition(env.Ctx, env.Editor, engine.TransitionRequest{ManuscriptID: m.ID, Target: "rejected"})
	expectCode(t, err, workflow.ErrReasonRequired)

	_, err = env.Engine.RequestTransition(env.Ctx, env.Editor, engine.TransitionRequest{ManuscriptID: m.ID, Target: "pre_check"})
	expectCode(t, err, workflow.ErrIllegalTransition)

	_, err = env.Engine.RequestTransition(env.Ctx, env.Editor, engine.TransitionRequest{ManuscriptID: m.ID, Target: "nonsense"})
	expectCode(t, err, workflow.ErrIllegalTransition)

	_, err = env.Engine.RequestTransition(env.Ctx, env.Author, engine.TransitionRequest{ManuscriptID: m.ID, Target: "approved", Reason: "x"})
	expectCode(t, err, workflow.ErrUnauthorized)

	_, err = env.Engine.RequestTransition(env.Ctx, env.Outsider, engine.TransitionRequest{ManuscriptID: m.ID, Target: "approved", Reason: "x"})
	expectCode(t, err, workflow.ErrScopeForbidden)

	got, err := env.Engine.Repo.GetManuscript(env.Ctx, nil, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDecisionDone || got.Revision != m.Revision {
		t.Fatalf("rejected calls changed the manuscript: %+v", got)
	}
}

func TestConcurrentTransitionsOneWins(t *testing.T) {
	env := newTestEnv(t)
	m := env.toDecisionDone(t)
	targets := []string{"approved", "rejected", "minor_revision", "major_revision", "approved"}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			_, err := env.Engine.RequestTransition(env.Ctx, env.Editor, engine.TransitionRequest{
				ManuscriptID: m.ID, Target: target, Reason: "race", ExpectedRevision: m.Revision,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, workflow.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(target)
	}
	wg.Wait()
	if wins != 1 || conflicts != len(targets)-1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestCycleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	m := env.toStatus(t, domain.StatusLayout)

	_, err := env.Engine.CreateCycle(env.Ctx, env.Editor, engine.CreateCycleRequest{ManuscriptID: m.ID, LayoutEditorID: "le-1", CollaboratorEditorIDs: []string{"le-1"}})
	expectCode(t, err, workflow.ErrDuplicateAssignee)

	c, err := env.Engine.CreateCycle(env.Ctx, env.Editor, engine.CreateCycleRequest{ManuscriptID: m.ID, LayoutEditorID: "le-1", CollaboratorEditorIDs: []string{"ce-1", "ce-1"}})
	if err != nil {
		t.Fatal(err)
	}
	if c.CycleNo != 1 || c.Status != domain.CycleDraft || c.ProofreaderAuthorID != "author-1" || len(c.CollaboratorEditorIDs) != 1 {
		t.Fatalf("cycle = %+v", c)
	}
	_, err = env.Engine.CreateCycle(env.Ctx, env.Editor, engine.CreateCycleRequest{ManuscriptID: m.ID, LayoutEditorID: "le-2"})
	expectCode(t, err, workflow.ErrCycleAlreadyActive)

	_, err = env.Engine.SubmitAuthorResponse(env.Ctx, env.Author, engine.ProofResponseRequest{ManuscriptID: m.ID, Decision: "confirm_clean"})
	expectCode(t, err, workflow.ErrInvalidState)

	if _, err := env.Engine.UploadGalley(env.Ctx, env.Editor, engine.GalleyRequest{ManuscriptID: m.ID, File: pdf("g1.pdf")}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SubmitAuthorResponse(env.Ctx, env.Author, engine.ProofResponseRequest{ManuscriptID: m.ID, Decision: "submit_corrections"})
	expectCode(t, err, workflow.ErrCorrectionsRequired)
	_, err = env.Engine.SubmitAuthorResponse(env.Ctx, env.Author, engine.ProofResponseRequest{
		ManuscriptID: m.ID, Decision: "submit_corrections", Corrections: []domain.Correction{{Location: "p1"}},
	})
	expectCode(t, err, workflow.ErrCorrectionsRequired)
	_, err = env.Engine.SubmitAuthorResponse(env.Ctx, env.Editor, engine.ProofResponseRequest{ManuscriptID: m.ID, Decision: "confirm_clean"})
	expectCode(t, err, workflow.ErrUnauthorized)

	if _, err := env.Engine.SubmitAuthorResponse(env.Ctx, env.Author, engine.ProofResponseRequest{
		ManuscriptID: m.ID, Decision: "submit_corrections", Corrections: []domain.Correction{{Location: "p1 l3", SuggestedText: "teh -> the"}},
	}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ApproveCycle(env.Ctx, env.Editor, m.ID)
	expectCode(t, err, workflow.ErrInvalidState)

	c, err = env.Engine.UploadGalley(env.Ctx, env.Editor, engine.GalleyRequest{ManuscriptID: m.ID, File: pdf("g2.pdf"), VersionNote: "v2"})
	if err != nil {
		t.Fatal(err)
	}
	if c.LatestResponseID != nil || c.Status != domain.CycleAwaitingAuthor {
		t.Fatalf("galley did not reset the response: %+v", c)
	}
	if _, err := env.Engine.SubmitAuthorResponse(env.Ctx, env.Author, engine.ProofResponseRequest{ManuscriptID: m.ID, Decision: "confirm_clean"}); err != nil {
		t.Fatal(err)
	}
	if c, err = env.Engine.ApproveCycle(env.Ctx, env.Editor, m.ID); err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.CycleApprovedForPublish || c.ApprovedBy == nil {
		t.Fatalf("approved cycle = %+v", c)
	}
	_, err = env.Engine.UploadGalley(env.Ctx, env.Editor, engine.GalleyRequest{ManuscriptID: m.ID, File: pdf("g3.pdf")})
	expectCode(t, err, workflow.ErrInvalidState)

	next, err := env.Engine.CreateCycle(env.Ctx, env.Editor, engine.CreateCycleRequest{ManuscriptID: m.ID, LayoutEditorID: "le-1"})
	if err != nil {
		t.Fatal(err)
	}
	if next.CycleNo != 2 {
		t.Fatalf("cycle_no = %d", next.CycleNo)
	}

	var kinds []string
	for _, n := range env.Notes.Sent() {
		kinds = append(kinds, n.Kind)
	}
	joined := strings.Join(kinds, ",")
	for _, want := range []string{notify.KindGalleyReady, notify.KindProofAnswer, notify.KindCycleApprove} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %s notification in %s", want, joined)
		}
	}
}

func TestUpdateEditors(t *testing.T) {
	env := newTestEnv(t)
	m := env.toStatus(t, domain.StatusLayout)
	if _, err := env.Engine.CreateCycle(env.Ctx, env.Editor, engine.CreateCycleRequest{
		ManuscriptID: m.ID, LayoutEditorID: "le-1", CollaboratorEditorIDs: []string{"ce-1"},
	}); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.UpdateEditors(env.Ctx, env.Editor, engine.UpdateEditorsRequest{
		ManuscriptID: m.ID, LayoutEditorID: "le-2", CollaboratorEditorIDs: []string{"ce-1", "le-2"},
	})
	expectCode(t, err, workflow.ErrDuplicateAssignee)

	_, err = env.Engine.UpdateEditors(env.Ctx, env.Outsider, engine.UpdateEditorsRequest{ManuscriptID: m.ID, LayoutEditorID: "le-2"})
	expectCode(t, err, workflow.ErrScopeForbidden)

	if _, err := env.Engine.UpdateEditors(env.Ctx, env.Editor, engine.UpdateEditorsRequest{
		ManuscriptID: m.ID, LayoutEditorID: "ce-1", CollaboratorEditorIDs: []string{"le-1"},
	}); err != nil {
		t.Fatalf("swap editors: %v", err)
	}
	stored, err := env.Engine.Repo.ActiveCycle(env.Ctx, nil, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LayoutEditorID != "ce-1" || len(stored.CollaboratorEditorIDs) != 1 || stored.CollaboratorEditorIDs[0] != "le-1" {
		t.Fatalf("stored cycle = %+v", stored)
	}
	if stored.Status != domain.CycleDraft {
		t.Fatalf("editor update changed status to %s", stored.Status)
	}

	if _, err := env.Engine.UploadGalley(env.Ctx, env.Editor, engine.GalleyRequest{ManuscriptID: m.ID, File: pdf("g.pdf")}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitAuthorResponse(env.Ctx, env.Author, engine.ProofResponseRequest{ManuscriptID: m.ID, Decision: "confirm_clean"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveCycle(env.Ctx, env.Editor, m.ID); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.UpdateEditors(env.Ctx, env.Editor, engine.UpdateEditorsRequest{ManuscriptID: m.ID, LayoutEditorID: "le-3"})
	expectCode(t, err, workflow.ErrInvalidState)
}

// cancelAfterPut stores the object and then cancels the caller's context,
// so the database write that follows fails.
type cancelAfterPut struct {
	*storage.Memory
	cancel context.CancelFunc
}

func (s cancelAfterPut) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	err := s.Memory.Put(ctx, key, r, size, contentType)
	s.cancel()
	return err
}

func TestFailedGalleyUploadRemovesObject(t *testing.T) {
	env := newTestEnv(t)
	m := env.toStatus(t, domain.StatusLayout)
	if _, err := env.Engine.CreateCycle(env.Ctx, env.Editor, engine.CreateCycleRequest{ManuscriptID: m.ID, LayoutEditorID: "le-1"}); err != nil {
		t.Fatal(err)
	}
	mem := storage.NewMemory("galleys")
	ctx, cancel := context.WithCancel(env.Ctx)
	env.Engine.Storage = cancelAfterPut{Memory: mem, cancel: cancel}

	if _, err := env.Engine.UploadGalley(ctx, env.Editor, engine.GalleyRequest{ManuscriptID: m.ID, File: pdf("g.pdf")}); err == nil {
		t.Fatal("expected the upload to fail after the context was cancelled")
	}
	key := storage.GalleyKey(m.ID, 1, "g.pdf", env.Engine.Now())
	if _, ok := mem.Get(key); ok {
		t.Fatalf("object %s left behind", key)
	}
	c, err := env.Engine.Repo.ActiveCycle(env.Ctx, nil, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.CycleDraft || c.GalleyPath != nil {
		t.Fatalf("cycle changed by failed upload: %+v", c)
	}

	env.Engine.Storage = mem
	if _, err := env.Engine.UploadGalley(env.Ctx, env.Editor, engine.GalleyRequest{ManuscriptID: m.ID, File: pdf("g.pdf")}); err != nil {
		t.Fatal(err)
	}
	if _, ok := mem.Get(key); !ok {
		t.Fatalf("object %s missing after a committed upload", key)
	}
}

func TestCreateCycleOutsideProduction(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t)
	_, err := env.Engine.CreateCycle(env.Ctx, env.Editor, engine.CreateCycleRequest{ManuscriptID: m.ID, LayoutEditorID: "le-1"})
	expectCode(t, err, workflow.ErrPreconditionFailed)
}

func TestRevertSupersedesActiveCycle(t *testing.T) {
	env := newTestEnv(t)
	m := env.toStatus(t, domain.StatusEnglishEditing)
	if _, err := env.Engine.CreateCycle(env.Ctx, env.Editor, engine.CreateCycleRequest{ManuscriptID: m.ID, LayoutEditorID: "le-1"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.RevertProduction(env.Ctx, env.Editor, engine.ProductionMove{ManuscriptID: m.ID})
	expectCode(t, err, workflow.ErrReasonRequired)

	m, err = env.Engine.RevertProduction(env.Ctx, env.Editor, engine.ProductionMove{ManuscriptID: m.ID, Reason: "layout broken"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.StatusLayout {
		t.Fatalf("status = %s", m.Status)
	}
	if _, err := env.Engine.Repo.ActiveCycle(env.Ctx, nil, m.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("active cycle after revert: %v", err)
	}
	c, err := env.Engine.CreateCycle(env.Ctx, env.Editor, engine.CreateCycleRequest{ManuscriptID: m.ID, LayoutEditorID: "le-1"})
	if err != nil {
		t.Fatal(err)
	}
	if c.CycleNo != 2 {
		t.Fatalf("cycle_no = %d", c.CycleNo)
	}
	approved := env.toStatus(t, domain.StatusApproved)
	_, err = env.Engine.RevertProduction(env.Ctx, env.Editor, engine.ProductionMove{ManuscriptID: approved.ID, Reason: "x"})
	expectCode(t, err, workflow.ErrPreconditionFailed)
}

func TestInvoiceConfirmation(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t)
	_, err := env.Engine.ConfirmPayment(env.Ctx, env.Editor, engine.ConfirmPaymentRequest{ManuscriptID: m.ID})
	expectCode(t, err, workflow.ErrPreconditionFailed)

	_, err = env.Engine.SetInvoice(env.Ctx, env.Editor, engine.InvoiceRequest{ManuscriptID: m.ID, Amount: decimal.NewFromInt(-1)})
	expectCode(t, err, workflow.ErrValidation)

	inv, err := env.Engine.SetInvoice(env.Ctx, env.Editor, engine.InvoiceRequest{ManuscriptID: m.ID, Amount: decimal.RequireFromString("1500.00"), Currency: "eur"})
	if err != nil {
		t.Fatal(err)
	}
	if inv.Status != domain.InvoiceUnpaid || inv.Currency != "EUR" {
		t.Fatalf("invoice = %+v", inv)
	}
	paid := domain.InvoicePaid
	_, err = env.Engine.ConfirmPayment(env.Ctx, env.Editor, engine.ConfirmPaymentRequest{ManuscriptID: m.ID, ExpectedStatus: &paid})
	expectCode(t, err, workflow.ErrConflict)

	unpaid := domain.InvoiceUnpaid
	inv, err = env.Engine.ConfirmPayment(env.Ctx, env.Editor, engine.ConfirmPaymentRequest{ManuscriptID: m.ID, ExpectedStatus: &unpaid})
	if err != nil {
		t.Fatal(err)
	}
	if inv.Status != domain.InvoicePaid || inv.ConfirmedBy == nil || *inv.ConfirmedBy != "me-1" {
		t.Fatalf("invoice = %+v", inv)
	}
	_, err = env.Engine.ConfirmPayment(env.Ctx, env.Editor, engine.ConfirmPaymentRequest{ManuscriptID: m.ID})
	expectCode(t, err, workflow.ErrPreconditionFailed)
	_, err = env.Engine.SetInvoice(env.Ctx, env.Editor, engine.InvoiceRequest{ManuscriptID: m.ID, Amount: decimal.NewFromInt(1)})
	expectCode(t, err, workflow.ErrPreconditionFailed)

	got, err := env.Engine.Repo.GetManuscript(env.Ctx, nil, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Revision != m.Revision {
		t.Fatalf("invoice writes bumped the manuscript revision: %d -> %d", m.Revision, got.Revision)
	}
}

func TestResubmitBumpsVersion(t *testing.T) {
	env := newTestEnv(t)
	m := env.toDecisionDone(t)
	env.move(t, m.ID, "minor_revision", "fix figures")

	_, err := env.Engine.Resubmit(env.Ctx, env.Editor, engine.ResubmitRequest{ManuscriptID: m.ID})
	expectCode(t, err, workflow.ErrUnauthorized)

	m, err = env.Engine.Resubmit(env.Ctx, env.Author, engine.ResubmitRequest{ManuscriptID: m.ID, Note: "figures fixed"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.StatusResubmitted || m.Version != 2 {
		t.Fatalf("manuscript = %+v", m)
	}
	_, err = env.Engine.Resubmit(env.Ctx, env.Author, engine.ResubmitRequest{ManuscriptID: m.ID})
	expectCode(t, err, workflow.ErrIllegalTransition)
}

func TestReviewerInvitations(t *testing.T) {
	env := newTestEnv(t)
	m := env.submit(t)
	_, err := env.Engine.InviteReviewer(env.Ctx, env.Editor, engine.InviteRequest{ManuscriptID: m.ID, ReviewerID: "rev-1"})
	expectCode(t, err, workflow.ErrPreconditionFailed)

	if _, err := env.Engine.AssignAssistantEditor(env.Ctx, env.Editor, engine.AssignmentRequest{ManuscriptID: m.ID, AssigneeID: "ae-1"}); err != nil {
		t.Fatal(err)
	}
	env.move(t, m.ID, "under_review", "")

	st, err := env.Engine.ManuscriptState(env.Ctx, env.Editor, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !containsString(st.NextAction.Blockers, "No reviewer invitation sent yet") {
		t.Fatalf("blockers = %v", st.NextAction.Blockers)
	}
	if _, err := env.Engine.InviteReviewer(env.Ctx, env.Editor, engine.InviteRequest{ManuscriptID: m.ID, ReviewerID: "rev-1"}); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.InviteReviewer(env.Ctx, env.Editor, engine.InviteRequest{ManuscriptID: m.ID, ReviewerID: "rev-1"})
	expectCode(t, err, workflow.ErrDuplicateAssignee)

	st, err = env.Engine.ManuscriptState(env.Ctx, env.Editor, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if containsString(st.NextAction.Blockers, "No reviewer invitation sent yet") {
		t.Fatalf("stale state served from cache: %v", st.NextAction.Blockers)
	}
}

func TestManuscriptStateView(t *testing.T) {
	env := newTestEnv(t)
	m := env.toStatus(t, domain.StatusLayout)
	if _, err := env.Engine.CreateCycle(env.Ctx, env.Editor, engine.CreateCycleRequest{ManuscriptID: m.ID, LayoutEditorID: "le-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UploadGalley(env.Ctx, env.Editor, engine.GalleyRequest{ManuscriptID: m.ID, File: pdf("g.pdf")}); err != nil {
		t.Fatal(err)
	}
	st, err := env.Engine.ManuscriptState(env.Ctx, env.Editor, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentAssignee == nil || st.CurrentAssignee.ID != "le-1" || st.CurrentAssignee.Source != "layout_editor" {
		t.Fatalf("assignee = %+v", st.CurrentAssignee)
	}
	if st.GalleyURL == "" || st.NextAction.Phase != "production" || !st.Capabilities.CanOpenProductionWorkspace {
		t.Fatalf("state = %+v", st)
	}
	if len(st.LegalNextStatuses) != 1 || st.LegalNextStatuses[0] != domain.StatusEnglishEditing {
		t.Fatalf("legal next = %v", st.LegalNextStatuses)
	}

	authorView, err := env.Engine.ManuscriptState(env.Ctx, env.Author, m.ID)
	if err != nil {
		t.Fatalf("author read: %v", err)
	}
	if authorView.Capabilities.CanManualStatusTransition {
		t.Fatal("author should not hold transition capability")
	}
	_, err = env.Engine.ManuscriptState(env.Ctx, env.Outsider, m.ID)
	expectCode(t, err, workflow.ErrScopeForbidden)

	_, err = env.Engine.ManuscriptState(env.Ctx, env.Editor, "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing manuscript: %v", err)
	}
}

func TestManuscriptStateSeesCommittedWrites(t *testing.T) {
	env := newTestEnv(t)
	m := env.toStatus(t, domain.StatusLayout)
	st, err := env.Engine.ManuscriptState(env.Ctx, env.Editor, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Invoice != nil || st.Cycle != nil {
		t.Fatalf("unexpected dependents: %+v", st)
	}
	if _, err := env.Engine.SetInvoice(env.Ctx, env.Editor, engine.InvoiceRequest{ManuscriptID: m.ID, Amount: decimal.NewFromInt(900), Currency: "usd"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateCycle(env.Ctx, env.Editor, engine.CreateCycleRequest{ManuscriptID: m.ID, LayoutEditorID: "le-1"}); err != nil {
		t.Fatal(err)
	}
	st, err = env.Engine.ManuscriptState(env.Ctx, env.Editor, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Invoice == nil || !st.Invoice.Amount.Equal(decimal.NewFromInt(900)) || st.Cycle == nil || st.Gates.Financial {
		t.Fatalf("state after writes = %+v", st)
	}
}

func TestListManuscriptsScoping(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t)
	other := workflow.NewRoleContext("author-2", []string{"author"}, nil)
	if _, err := env.Engine.SubmitManuscript(env.Ctx, other, engine.SubmitRequest{JournalID: "jrn-2", Title: "Elsewhere"}); err != nil {
		t.Fatal(err)
	}
	mine, err := env.Engine.ListManuscripts(env.Ctx, env.Author, engine.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].AuthorID != "author-1" {
		t.Fatalf("author listing = %+v", mine)
	}
	staff, err := env.Engine.ListManuscripts(env.Ctx, env.Editor, engine.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(staff) != 1 || staff[0].JournalID != "jrn-1" {
		t.Fatalf("staff listing = %+v", staff)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
