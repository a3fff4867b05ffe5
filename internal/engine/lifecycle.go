package engine

import (
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/pkarhu/loom/pkg/api"
)

// Lifecycle triggers.
const (
	triggerPump     = "pump"
	triggerSuspend  = "suspend"
	triggerComplete = "complete"
	triggerFail     = "fail"
	triggerCancel   = "cancel"
)

// newLifecycle builds the run lifecycle state machine seeded with the
// run's current status:
//
//	Created -> Running <-> Suspended
//	Running -> {Completed | Failed | Cancelled}
//	Created/Suspended -> Cancelled
//
// Terminal states permit nothing.
func newLifecycle(current api.Status) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(current)

	fsm.Configure(api.StatusCreated).
		Permit(triggerPump, api.StatusRunning).
		Permit(triggerCancel, api.StatusCancelled)

	fsm.Configure(api.StatusRunning).
		Permit(triggerSuspend, api.StatusSuspended).
		Permit(triggerComplete, api.StatusCompleted).
		Permit(triggerFail, api.StatusFailed).
		Permit(triggerCancel, api.StatusCancelled)

	fsm.Configure(api.StatusSuspended).
		Permit(triggerPump, api.StatusRunning).
		Permit(triggerCancel, api.StatusCancelled)

	fsm.Configure(api.StatusCompleted)
	fsm.Configure(api.StatusFailed)
	fsm.Configure(api.StatusCancelled)

	return fsm
}

// transition validates the status change against the lifecycle machine and
// applies it to the run. Invalid transitions indicate an engine bug or a
// racing writer and are returned as errors rather than silently applied.
func transition(run *api.Run, trigger string) error {
	fsm := newLifecycle(run.Status)
	if err := fsm.Fire(trigger); err != nil {
		return fmt.Errorf("invalid lifecycle transition %q from %s: %w", trigger, run.Status, err)
	}
	state := fsm.MustState()
	status, ok := state.(api.Status)
	if !ok {
		return fmt.Errorf("unexpected lifecycle state %v", state)
	}
	run.Status = status
	return nil
}
