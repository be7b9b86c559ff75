package workflow

import (
	"fmt"
	"strings"

	"journalflow/internal/domain"
)

// NextAction is an advisory summary for presentation. It is never authoritative.
type NextAction struct {
	Phase       string   `json:"phase"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Blockers    []string `json:"blockers"`
}

// AdvisorInput gathers the read-only facts the advisor looks at.
type AdvisorInput struct {
	Manuscript          domain.Manuscript
	Gates               Gates
	Capabilities        CapabilitySet
	ReviewerInvitations int
	Cycle               *domain.ProductionCycle
}

// DeriveNextAction maps the manuscript's status band to a phase and collects blockers.
func DeriveNextAction(in AdvisorInput) NextAction {
	m := in.Manuscript
	caps := in.Capabilities
	na := NextAction{Blockers: []string{}}
	switch m.Status {
	case domain.StatusPreCheck:
		na.Phase = "intake"
		na.Title = "Complete pre-check"
		na.Description = "Screen the submission and send it to review or back to the author."
		if m.AssistantEditorID == nil || strings.TrimSpace(*m.AssistantEditorID) == "" {
			na.Blockers = append(na.Blockers, "Assign an Assistant Editor first")
		}
		if !caps.CanManualStatusTransition {
			na.Blockers = append(na.Blockers, "current account lacks status transition permission")
		}
	case domain.StatusUnderReview, domain.StatusResubmitted:
		na.Phase = "review"
		na.Title = "Collect reviews"
		na.Description = "Invite reviewers and move to decision once reports are in."
		if in.ReviewerInvitations == 0 {
			na.Blockers = append(na.Blockers, "No reviewer invitation sent yet")
		}
		if !caps.CanManageReviewers {
			na.Blockers = append(na.Blockers, "current account lacks reviewer management permission")
		}
	case domain.StatusDecision:
		na.Phase = "decision"
		na.Title = "Record first decision"
		na.Description = "Summarize the reviews and record the first decision."
		if !caps.CanRecordFirstDecision {
			na.Blockers = append(na.Blockers, "current account lacks decision permission")
		}
	case domain.StatusDecisionDone:
		na.Phase = "decision"
		na.Title = "Submit final decision"
		na.Description = "Approve, request revision or reject. A reason is required."
		if !caps.CanSubmitFinalDecision {
			na.Blockers = append(na.Blockers, "current account lacks decision permission")
		}
	case domain.StatusMinorRevision, domain.StatusMajorRevision:
		na.Phase = "revision"
		na.Title = "Waiting for author revision"
		na.Description = fmt.Sprintf("The author must resubmit version %d.", m.Version+1)
	case domain.StatusApproved, domain.StatusLayout, domain.StatusEnglishEditing, domain.StatusProofreading:
		na.Phase = "production"
		na.Title = productionTitle(m.Status)
		na.Description = productionDescription(in.Cycle)
		if !caps.CanOpenProductionWorkspace {
			na.Blockers = append(na.Blockers, "current account lacks production permission")
		}
		if m.Status == domain.StatusProofreading {
			for _, g := range in.Gates.Unmet() {
				na.Blockers = append(na.Blockers, GateLabel(g))
			}
		}
	case domain.StatusPublished:
		na.Phase = "published"
		na.Title = "Published"
		na.Description = "No further action."
	case domain.StatusRejected:
		na.Phase = "closed"
		na.Title = "Rejected"
		na.Description = "No further action."
	default:
		na.Phase = "unknown"
		na.Title = string(m.Status)
	}
	return na
}

func productionTitle(s domain.Status) string {
	switch s {
	case domain.StatusApproved:
		return "Open production"
	case domain.StatusLayout:
		return "Prepare layout"
	case domain.StatusEnglishEditing:
		return "English editing"
	default:
		return "Proofreading"
	}
}

func productionDescription(c *domain.ProductionCycle) string {
	if c == nil {
		return "No production cycle yet."
	}
	switch c.Status {
	case domain.CycleDraft:
		return fmt.Sprintf("Cycle %d: upload a galley for the author.", c.CycleNo)
	case domain.CycleAwaitingAuthor:
		return fmt.Sprintf("Cycle %d: waiting for the author's proof response.", c.CycleNo)
	case domain.CycleCorrectionsRequested:
		return fmt.Sprintf("Cycle %d: apply corrections and upload a new galley.", c.CycleNo)
	case domain.CycleAuthorConfirmed:
		return fmt.Sprintf("Cycle %d: author confirmed; approve for publication.", c.CycleNo)
	default:
		return fmt.Sprintf("Cycle %d approved for publication.", c.CycleNo)
	}
}
