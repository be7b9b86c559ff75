// Package production holds the galley proofing state chart that runs inside
// a manuscript's post-acceptance band.
package production

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/statekit"

	"journalflow/internal/domain"
	"journalflow/internal/workflow"
)

const machineID = "production-cycle"

const (
	stateDraft                statekit.StateID = statekit.StateID(domain.CycleDraft)
	stateAwaitingAuthor       statekit.StateID = statekit.StateID(domain.CycleAwaitingAuthor)
	stateAuthorConfirmed      statekit.StateID = statekit.StateID(domain.CycleAuthorConfirmed)
	stateCorrectionsRequested statekit.StateID = statekit.StateID(domain.CycleCorrectionsRequested)
	stateApprovedForPublish   statekit.StateID = statekit.StateID(domain.CycleApprovedForPublish)
)

// EventType names an input to the cycle machine.
type EventType = statekit.EventType

const (
	EventUploadGalley       EventType = "UPLOAD_GALLEY"
	EventConfirmClean       EventType = "CONFIRM_CLEAN"
	EventRequestCorrections EventType = "REQUEST_CORRECTIONS"
	EventApprove            EventType = "APPROVE"
)

// Context is carried through one evaluation of the machine.
type Context struct {
	// LatestDecision is the live author response, empty when none is live.
	LatestDecision domain.ProofDecision
	fired          bool
}

// Machine is an immutable, shareable cycle state chart.
type Machine struct {
	config *statekit.MachineConfig[*Context]
}

// New builds the cycle chart.
func New() (*Machine, error) {
	cfg, err := statekit.NewMachine[*Context](machineID).
		WithInitial(stateDraft).
		WithContext(&Context{}).
		WithAction("markFired", markFired).
		WithGuard("responseIsClean", guardResponseIsClean).
		State(stateDraft).
			On(EventUploadGalley).Target(stateAwaitingAuthor).Do("markFired").
			Done().
		State(stateAwaitingAuthor).
			On(EventUploadGalley).Target(stateAwaitingAuthor).Do("markFired").
			On(EventConfirmClean).Target(stateAuthorConfirmed).Do("markFired").
			On(EventRequestCorrections).Target(stateCorrectionsRequested).Do("markFired").
			Done().
		State(stateAuthorConfirmed).
			On(EventUploadGalley).Target(stateAwaitingAuthor).Do("markFired").
			On(EventApprove).Target(stateApprovedForPublish).Guard("responseIsClean").Do("markFired").
			Done().
		State(stateCorrectionsRequested).
			On(EventUploadGalley).Target(stateAwaitingAuthor).Do("markFired").
			Done().
		State(stateApprovedForPublish).
			Final().
			Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("build production machine: %w", err)
	}
	return &Machine{config: cfg}, nil
}

// MustNew is New for package initialization paths.
func MustNew() *Machine {
	m, err := New()
	if err != nil {
		panic(err)
	}
	return m
}

func markFired(ctx **Context, _ statekit.Event) {
	if ctx == nil || *ctx == nil {
		return
	}
	(*ctx).fired = true
}

func guardResponseIsClean(ctx *Context, _ statekit.Event) bool {
	return ctx != nil && ctx.LatestDecision == domain.DecisionConfirmClean
}

// Apply evaluates evt against a cycle persisted in state current and returns
// the resulting state. An event that the chart does not accept in current is
// reported as an invalid-state workflow error; nothing is mutated.
func (m *Machine) Apply(current domain.CycleStatus, evt EventType, c Context) (next domain.CycleStatus, err error) {
	if current == domain.CycleApprovedForPublish {
		return current, workflow.InvalidState(opName(evt), string(current))
	}
	local := c
	local.fired = false
	interp := statekit.NewInterpreter(m.config)
	interp.UpdateContext(func(cc **Context) {
		*cc = &local
	})
	interp.Start()
	defer interp.Stop()
	if current != domain.CycleDraft {
		snapshot := statekit.Snapshot[*Context]{
			MachineID:    machineID,
			CurrentState: statekit.StateID(current),
			Context:      &local,
			CreatedAt:    time.Now(),
		}
		if err := interp.Restore(snapshot); err != nil {
			return current, fmt.Errorf("restore cycle state %s: %w", current, err)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			next = current
			err = workflow.InvalidState(opName(evt), string(current))
		}
	}()
	interp.Send(statekit.Event{Type: evt})
	if !local.fired {
		return current, workflow.InvalidState(opName(evt), string(current))
	}
	return domain.CycleStatus(interp.State().Value), nil
}

// Accepts reports whether evt would be accepted from current.
func (m *Machine) Accepts(current domain.CycleStatus, evt EventType, c Context) bool {
	_, err := m.Apply(current, evt, c)
	return err == nil
}

func opName(evt EventType) string {
	switch evt {
	case EventUploadGalley:
		return "galley upload"
	case EventConfirmClean, EventRequestCorrections:
		return "author response"
	case EventApprove:
		return "approval"
	}
	return string(evt)
}
