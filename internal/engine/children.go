package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pkarhu/loom/internal/persistence"
	"github.com/pkarhu/loom/internal/taskqueue"
	"github.com/pkarhu/loom/pkg/api"
)

// execChild runs a child step: spawn an independent run, suspend the
// parent until the child is terminal, then fold the child's outcome back
// into the parent as if it were an activity result.
func (w *walkState) execChild(ctx context.Context, step *api.Step, path string, input any) (any, error) {
	childType := step.Config.WorkflowType
	childID := step.Config.ChildID
	if childID == "" {
		// Deterministic default: the same step always names the same child.
		childID = w.run.ID + ":" + path
	}

	if rec := w.completionFor(path); rec != nil {
		if rec.Type != api.EventChildCompleted {
			return nil, failStep(path, &api.DeterminismViolationError{
				StepPath: path,
				Recorded: string(rec.Type),
				Produced: "child " + childType,
			})
		}
		return w.childOutcome(step, path, rec, input)
	}

	if !w.hasEvent(api.EventChildStarted, path) {
		childInput := input
		if step.Config.InputPath != "" {
			if v, ok := api.LookupPath(w.env(), step.Config.InputPath); ok {
				childInput = v
			}
		}
		if err := w.eng.spawnChild(ctx, w.run, step, childID, childInput); err != nil {
			return nil, failStep(path, err)
		}
		ev := &api.Event{Type: api.EventChildStarted, StepPath: path, Name: childType, Payload: childID}
		if err := w.append(ctx, ev); err != nil && !errors.Is(err, persistence.ErrDuplicateEvent) {
			return nil, failStep(path, err)
		}
		if err := w.eng.kickChild(ctx, childID, childType); err != nil {
			return nil, failStep(path, err)
		}
	}

	child, err := w.eng.getRun(ctx, childID)
	if err != nil {
		return nil, failStep(path, err)
	}
	if !child.Status.Terminal() {
		return nil, suspendAt(path, "child")
	}

	outcome := api.BranchOutcome{StepID: childID, Output: child.Output}
	switch child.Status {
	case api.StatusFailed:
		outcome.Output = nil
		outcome.Err = child.Failure.Error()
	case api.StatusCancelled:
		outcome.Output = nil
		outcome.Err = (&api.CancellationError{RunID: childID}).Error()
	}

	ev := &api.Event{Type: api.EventChildCompleted, StepPath: path, Name: childType, Payload: outcome}
	if aerr := w.append(ctx, ev); aerr != nil {
		if !errors.Is(aerr, persistence.ErrDuplicateEvent) {
			return nil, failStep(path, aerr)
		}
	}
	return w.childOutcome(step, path, &api.Event{Type: api.EventChildCompleted, StepPath: path, Name: childType, Payload: outcome}, input)
}

// childOutcome replays a recorded ChildCompleted event as the step result.
// A tolerated failure passes the step input through, same as a tolerated
// activity failure.
func (w *walkState) childOutcome(step *api.Step, path string, rec *api.Event, input any) (any, error) {
	outcome, ok := rec.Payload.(api.BranchOutcome)
	if !ok {
		return nil, failStep(path, fmt.Errorf("malformed child completion payload %T", rec.Payload))
	}
	if !outcome.OK() {
		if step.Config.ContinueOnError {
			return input, nil
		}
		return nil, failStep(path, fmt.Errorf("child run %s failed: %s", outcome.StepID, outcome.Err))
	}
	w.setState(step.ID, outcome.Output)
	return outcome.Output, nil
}

// spawnChild creates the child run record. An existing id is fine when it
// is our own child (crash between SaveRun and the ChildStarted append);
// anything else is a DuplicateChildIDError.
func (e *engineImpl) spawnChild(ctx context.Context, parent *api.Run, step *api.Step, childID string, input any) error {
	if _, ok := e.registry.Blueprint(step.Config.WorkflowType); !ok {
		return fmt.Errorf("unknown workflow type: %s", step.Config.WorkflowType)
	}

	hash, err := persistence.Fingerprint(input)
	if err != nil {
		return err
	}
	policy := step.Config.ClosePolicy
	if policy == "" {
		policy = api.CloseAbandon
	}

	now := time.Now()
	child := &api.Run{
		ID:                childID,
		WorkflowType:      step.Config.WorkflowType,
		Status:            api.StatusCreated,
		Input:             input,
		InputHash:         hash,
		ParentID:          parent.ID,
		ParentClosePolicy: policy,
		State:             map[string]any{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := e.runs.SaveRun(ctx, child); err != nil {
		if errors.Is(err, persistence.ErrRunExists) {
			existing, gerr := e.runs.GetRun(ctx, childID)
			if gerr != nil {
				return gerr
			}
			if existing.ParentID == parent.ID && existing.WorkflowType == step.Config.WorkflowType {
				return nil
			}
			return &api.DuplicateChildIDError{ChildID: childID}
		}
		return err
	}
	e.observer.OnRunStart(ctx, child)
	return nil
}

// kickChild gets a freshly spawned child moving.
func (e *engineImpl) kickChild(ctx context.Context, childID, workflowType string) error {
	if e.queue != nil {
		return e.queue.Enqueue(ctx, taskqueue.Task{
			ID:           uuid.NewString(),
			Type:         taskqueue.TaskTypeStartRun,
			RunID:        childID,
			WorkflowType: workflowType,
		})
	}
	_, err := e.PumpRun(ctx, childID)
	return err
}

// closeChildren applies each live child's close policy after its parent
// reached a terminal state.
func (e *engineImpl) closeChildren(ctx context.Context, parent *api.Run) error {
	children, err := e.runs.ListRuns(ctx, persistence.RunFilter{ParentID: parent.ID})
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		policy := child.ParentClosePolicy
		if policy == "" {
			policy = api.CloseAbandon
		}
		switch policy {
		case api.CloseAbandon:
			// The child keeps running as an independent run.

		case api.CloseRequestCancel:
			if err := e.Cancel(ctx, child.ID); err != nil && !errors.Is(err, api.ErrRunTerminal) {
				return err
			}

		case api.CloseTerminate:
			if err := e.terminateRun(ctx, child); err != nil {
				return err
			}
		}
	}
	return nil
}

// terminateRun force-cancels a run without waiting for its next suspension
// boundary, then cascades to its own children.
func (e *engineImpl) terminateRun(ctx context.Context, run *api.Run) error {
	ev := &api.Event{RunID: run.ID, Type: api.EventCancelled}
	if _, err := e.history.AppendEvent(ctx, ev); err != nil && !errors.Is(err, persistence.ErrDuplicateEvent) {
		return err
	}
	if err := transition(run, triggerCancel); err != nil {
		return err
	}
	run.UpdatedAt = time.Now()
	if err := e.runs.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.observer.OnRunCancelled(ctx, run)
	return e.closeChildren(ctx, run)
}
