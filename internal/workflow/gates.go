package workflow

import (
	"strings"

	"journalflow/internal/domain"
)

const (
	GateFinancial = "financial"
	GateProof     = "proof"
)

// GateLabel is the human-facing blocker text for a gate name.
func GateLabel(gate string) string {
	switch gate {
	case GateFinancial:
		return "Payment Gate not satisfied"
	case GateProof:
		return "Proof Gate not satisfied"
	}
	return gate + " gate not satisfied"
}

// GatePolicy tunes gate evaluation.
type GatePolicy struct {
	// MissingInvoiceSatisfies treats an absent invoice record as nothing to collect.
	MissingInvoiceSatisfies bool
	// RequireCycleApproval demands an approved production cycle for the proof gate.
	RequireCycleApproval bool
}

// DefaultGatePolicy matches the documented publication policy.
func DefaultGatePolicy() GatePolicy {
	return GatePolicy{MissingInvoiceSatisfies: true, RequireCycleApproval: true}
}

// GateInput is what the evaluator reads from a manuscript.
type GateInput struct {
	Invoice      *domain.Invoice
	FinalPDFPath string
	// Cycle is the latest non-superseded production cycle, if any.
	Cycle *domain.ProductionCycle
}

type Gates struct {
	Financial bool `json:"financial_gate"`
	Proof     bool `json:"proof_gate"`
}

// Satisfied reports whether publication is allowed.
func (g Gates) Satisfied() bool {
	return g.Financial && g.Proof
}

// Unmet lists failing gates, financial first.
func (g Gates) Unmet() []string {
	var out []string
	if !g.Financial {
		out = append(out, GateFinancial)
	}
	if !g.Proof {
		out = append(out, GateProof)
	}
	return out
}

// EvaluateGates computes both publication gates.
func EvaluateGates(in GateInput, policy GatePolicy) Gates {
	return Gates{
		Financial: financialGate(in.Invoice, policy),
		Proof:     proofGate(in, policy),
	}
}

func financialGate(inv *domain.Invoice, policy GatePolicy) bool {
	if inv == nil {
		return policy.MissingInvoiceSatisfies
	}
	if inv.Amount.Sign() <= 0 {
		return true
	}
	return inv.Status == domain.InvoicePaid || inv.Status == domain.InvoiceWaived
}

func proofGate(in GateInput, policy GatePolicy) bool {
	if strings.TrimSpace(in.FinalPDFPath) == "" {
		return false
	}
	if in.Cycle == nil {
		return !policy.RequireCycleApproval
	}
	return in.Cycle.Status == domain.CycleApprovedForPublish
}
