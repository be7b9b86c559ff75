package workflow_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journalflow/internal/domain"
	"journalflow/internal/workflow"
)

func TestLegalNextStatusesTable(t *testing.T) {
	want := map[domain.Status][]domain.Status{
		domain.StatusPreCheck:     {domain.StatusUnderReview, domain.StatusMinorRevision},
		domain.StatusUnderReview:  {domain.StatusDecision},
		domain.StatusResubmitted:  {domain.StatusUnderReview, domain.StatusDecision},
		domain.StatusDecision:     {domain.StatusDecisionDone},
		domain.StatusDecisionDone: {domain.StatusApproved, domain.StatusMajorRevision, domain.StatusMinorRevision, domain.StatusRejected},
	}
	for _, s := range domain.AllStatuses {
		got := workflow.LegalNextStatuses(s)
		if expected, ok := want[s]; ok {
			assert.Equal(t, expected, got, "status %s", s)
		} else {
			assert.Empty(t, got, "status %s", s)
		}
		// repeated calls are stable and callers cannot corrupt the table
		if len(got) > 0 {
			got[0] = "mutated"
		}
		assert.Equal(t, want[s], nilIfEmpty(workflow.LegalNextStatuses(s)))
	}
}

func nilIfEmpty(in []domain.Status) []domain.Status {
	if len(in) == 0 {
		return nil
	}
	return in
}

func TestProductionBandNavigation(t *testing.T) {
	next, ok := workflow.NextProductionStatus(domain.StatusProofreading)
	require.True(t, ok)
	assert.Equal(t, domain.StatusPublished, next)

	_, ok = workflow.NextProductionStatus(domain.StatusPublished)
	assert.False(t, ok)
	_, ok = workflow.NextProductionStatus(domain.StatusDecision)
	assert.False(t, ok)

	prev, ok := workflow.PreviousProductionStatus(domain.StatusLayout)
	require.True(t, ok)
	assert.Equal(t, domain.StatusApproved, prev)
	_, ok = workflow.PreviousProductionStatus(domain.StatusApproved)
	assert.False(t, ok)
	_, ok = workflow.PreviousProductionStatus(domain.StatusPublished)
	assert.False(t, ok)

	assert.True(t, workflow.InPostAcceptance(domain.StatusApproved))
	assert.True(t, workflow.InPostAcceptance(domain.StatusProofreading))
	assert.False(t, workflow.InPostAcceptance(domain.StatusPublished))
	assert.False(t, workflow.InPostAcceptance(domain.StatusDecisionDone))
}

func TestNormalizeRoles(t *testing.T) {
	set := workflow.NormalizeRoles([]string{"Managing-Editor", "managing_editor", " ADMIN ", "eic", "janitor"})
	assert.True(t, set.Has(workflow.RoleManagingEditor))
	assert.True(t, set.Has(workflow.RoleAdmin))
	assert.True(t, set.Has(workflow.RoleEditorInChief))
	assert.True(t, set.Has(workflow.RoleUnknown))
	assert.Equal(t, []workflow.Role{workflow.RoleAdmin, workflow.RoleEditorInChief, workflow.RoleManagingEditor}, set.Slice())
}

func TestCapabilityRoleSets(t *testing.T) {
	cases := []struct {
		role           workflow.Role
		manual, ae, pr bool
	}{
		{workflow.RoleAdmin, true, true, true},
		{workflow.RoleManagingEditor, true, true, true},
		{workflow.RoleEditorInChief, false, false, true},
		{workflow.RoleProductionEditor, false, false, true},
		{workflow.RoleAssistantEditor, false, false, false},
		{workflow.RoleOwner, false, false, false},
		{workflow.RoleAuthor, false, false, false},
		{workflow.RoleReviewer, false, false, false},
		{workflow.RoleUnknown, false, false, false},
	}
	for _, tc := range cases {
		caps := workflow.DeriveCapabilities(workflow.RoleSet{tc.role: {}})
		assert.Equal(t, tc.manual, caps.CanManualStatusTransition, "manual for %s", tc.role)
		assert.Equal(t, tc.ae, caps.CanAssignAE, "assign ae for %s", tc.role)
		assert.Equal(t, tc.pr, caps.CanOpenProductionWorkspace, "production for %s", tc.role)
	}
	assert.Equal(t, workflow.CapabilitySet{}, workflow.DeriveCapabilities(nil))
}

func TestResolverOverrides(t *testing.T) {
	r, err := workflow.NewResolver(map[string][]string{"owner": {"update_invoice_info"}})
	require.NoError(t, err)
	caps := r.Derive(workflow.NormalizeRoles([]string{"owner"}))
	assert.True(t, caps.CanUpdateInvoiceInfo)
	assert.False(t, caps.CanBindOwner)

	_, err = workflow.NewResolver(map[string][]string{"janitor": {"bind_owner"}})
	assert.Error(t, err)
	_, err = workflow.NewResolver(map[string][]string{"owner": {"fly"}})
	assert.Error(t, err)
}

func TestResolverKeepsFixedActions(t *testing.T) {
	_, err := workflow.NewResolver(map[string][]string{"assistant_editor": {"manual_status_transition"}})
	assert.Error(t, err)
	_, err = workflow.NewResolver(map[string][]string{"owner": {"assign_assistant_editor"}})
	assert.Error(t, err)
	_, err = workflow.NewResolver(map[string][]string{"author": {"open_production_workspace"}})
	assert.Error(t, err)

	r, err := workflow.NewResolver(map[string][]string{"managing_editor": {"bind_owner"}})
	require.NoError(t, err)
	caps := r.Derive(workflow.NormalizeRoles([]string{"managing_editor"}))
	assert.True(t, caps.CanManualStatusTransition)
	assert.True(t, caps.CanAssignAE)
	assert.True(t, caps.CanOpenProductionWorkspace)
	assert.True(t, caps.CanBindOwner)
	assert.False(t, caps.CanUpdateInvoiceInfo, "non-fixed actions follow the override")

	r, err = workflow.NewResolver(map[string][]string{"production_editor": {"open_production_workspace"}})
	require.NoError(t, err)
	caps = r.Derive(workflow.NormalizeRoles([]string{"production_editor"}))
	assert.True(t, caps.CanOpenProductionWorkspace)
	assert.False(t, caps.CanApproveProduction)
}

func TestFinancialGate(t *testing.T) {
	policy := workflow.DefaultGatePolicy()
	pdf := "final.pdf"
	approved := &domain.ProductionCycle{Status: domain.CycleApprovedForPublish}
	gate := func(inv *domain.Invoice) bool {
		return workflow.EvaluateGates(workflow.GateInput{Invoice: inv, FinalPDFPath: pdf, Cycle: approved}, policy).Financial
	}
	assert.True(t, gate(nil), "missing invoice is satisfied by default")
	assert.True(t, gate(&domain.Invoice{Status: domain.InvoiceUnpaid, Amount: decimal.Zero}), "zero amount waives the gate")
	assert.False(t, gate(&domain.Invoice{Status: domain.InvoiceUnpaid, Amount: decimal.NewFromInt(1000)}))
	assert.False(t, gate(&domain.Invoice{Status: domain.InvoiceUnpaid, Amount: decimal.RequireFromString("0.01")}))
	assert.True(t, gate(&domain.Invoice{Status: domain.InvoicePaid, Amount: decimal.NewFromInt(1000)}))
	assert.True(t, gate(&domain.Invoice{Status: domain.InvoiceWaived, Amount: decimal.NewFromInt(1000)}))

	policy.MissingInvoiceSatisfies = false
	assert.False(t, gate(nil))
}

func TestProofGate(t *testing.T) {
	policy := workflow.DefaultGatePolicy()
	eval := func(pdf string, c *domain.ProductionCycle) bool {
		return workflow.EvaluateGates(workflow.GateInput{FinalPDFPath: pdf, Cycle: c}, policy).Proof
	}
	assert.False(t, eval("", &domain.ProductionCycle{Status: domain.CycleApprovedForPublish}))
	assert.False(t, eval("final.pdf", &domain.ProductionCycle{Status: domain.CycleAuthorConfirmed}))
	assert.False(t, eval("final.pdf", nil))
	assert.True(t, eval("final.pdf", &domain.ProductionCycle{Status: domain.CycleApprovedForPublish}))

	policy.RequireCycleApproval = false
	assert.True(t, eval("final.pdf", nil))
}

func TestGatesUnmetOrder(t *testing.T) {
	g := workflow.Gates{}
	assert.Equal(t, []string{workflow.GateFinancial, workflow.GateProof}, g.Unmet())
	assert.False(t, g.Satisfied())
	assert.True(t, workflow.Gates{Financial: true, Proof: true}.Satisfied())
}

func TestErrorsMatchByCode(t *testing.T) {
	err := workflow.GateNotSatisfied(workflow.GateFinancial)
	assert.True(t, errors.Is(err, workflow.ErrGateNotSatisfied))
	assert.False(t, errors.Is(err, workflow.ErrConflict))
	assert.Equal(t, []string{"financial"}, err.Gates)
	assert.Equal(t, "Payment Gate not satisfied", err.Error())

	var wfErr *workflow.Error
	wrapped := errors.Join(errors.New("context"), workflow.PreconditionFailed("assign_ae_first", "assign an Assistant Editor first"))
	require.True(t, errors.As(wrapped, &wfErr))
	assert.Equal(t, "assign_ae_first", wfErr.Reason)
}

func TestResolveFirstNonEmpty(t *testing.T) {
	blank := "  "
	ae := "ae-1"
	v, from, ok := workflow.Resolve(
		workflow.Source{Name: "assistant_editor", Value: nil},
		workflow.Source{Name: "owner", Value: &blank},
		workflow.Source{Name: "fallback", Value: &ae},
	)
	require.True(t, ok)
	assert.Equal(t, "ae-1", v)
	assert.Equal(t, "fallback", from)

	_, _, ok = workflow.Resolve()
	assert.False(t, ok)
}

func TestDeriveNextAction(t *testing.T) {
	staff := workflow.DeriveCapabilities(workflow.NormalizeRoles([]string{"managing_editor"}))
	na := workflow.DeriveNextAction(workflow.AdvisorInput{
		Manuscript:   domain.Manuscript{Status: domain.StatusUnderReview},
		Capabilities: staff,
	})
	assert.Equal(t, "review", na.Phase)
	assert.Contains(t, na.Blockers, "No reviewer invitation sent yet")

	na = workflow.DeriveNextAction(workflow.AdvisorInput{
		Manuscript:   domain.Manuscript{Status: domain.StatusProofreading},
		Capabilities: staff,
		Gates:        workflow.Gates{Financial: false, Proof: true},
	})
	assert.Equal(t, "production", na.Phase)
	assert.Equal(t, []string{"Payment Gate not satisfied"}, na.Blockers)

	na = workflow.DeriveNextAction(workflow.AdvisorInput{
		Manuscript: domain.Manuscript{Status: domain.StatusDecision},
	})
	assert.Contains(t, na.Blockers, "current account lacks decision permission")

	na = workflow.DeriveNextAction(workflow.AdvisorInput{Manuscript: domain.Manuscript{Status: domain.StatusPublished}})
	assert.Equal(t, "published", na.Phase)
	assert.Empty(t, na.Blockers)
}
