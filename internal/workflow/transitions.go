package workflow

import "journalflow/internal/domain"

var transitionTable = map[domain.Status][]domain.Status{
	domain.StatusPreCheck:     {domain.StatusUnderReview, domain.StatusMinorRevision},
	domain.StatusUnderReview:  {domain.StatusDecision},
	domain.StatusResubmitted:  {domain.StatusUnderReview, domain.StatusDecision},
	domain.StatusDecision:     {domain.StatusDecisionDone},
	domain.StatusDecisionDone: {domain.StatusApproved, domain.StatusMajorRevision, domain.StatusMinorRevision, domain.StatusRejected},
}

// productionBand is the ordered post-acceptance pipeline.
var productionBand = []domain.Status{
	domain.StatusApproved,
	domain.StatusLayout,
	domain.StatusEnglishEditing,
	domain.StatusProofreading,
	domain.StatusPublished,
}

// LegalNextStatuses returns the role-independent successors of a status.
// Production band statuses and terminal statuses have none here.
func LegalNextStatuses(current domain.Status) []domain.Status {
	next := transitionTable[current]
	out := make([]domain.Status, len(next))
	copy(out, next)
	return out
}

// IsLegal reports whether to is in LegalNextStatuses(from).
func IsLegal(from, to domain.Status) bool {
	for _, s := range transitionTable[from] {
		if s == to {
			return true
		}
	}
	return false
}

func bandIndex(s domain.Status) int {
	for i, b := range productionBand {
		if b == s {
			return i
		}
	}
	return -1
}

// InPostAcceptance reports whether production cycles may be run for the status.
func InPostAcceptance(s domain.Status) bool {
	i := bandIndex(s)
	return i >= 0 && s != domain.StatusPublished
}

// NextProductionStatus returns the band successor of s.
func NextProductionStatus(s domain.Status) (domain.Status, bool) {
	i := bandIndex(s)
	if i < 0 || i+1 >= len(productionBand) {
		return "", false
	}
	return productionBand[i+1], true
}

// PreviousProductionStatus returns the band predecessor of s. Published and
// approved have none.
func PreviousProductionStatus(s domain.Status) (domain.Status, bool) {
	i := bandIndex(s)
	if i <= 0 || s == domain.StatusPublished {
		return "", false
	}
	return productionBand[i-1], true
}

// IsTerminal reports whether the status is absorbing.
func IsTerminal(s domain.Status) bool {
	return s == domain.StatusPublished
}
