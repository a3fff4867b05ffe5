package loom

import (
	"time"

	"github.com/pkarhu/loom/pkg/api"
)

// Step constructors. These build the data nodes a Blueprint is made of;
// compose them with Sequence, Parallel and the loop constructors, or feed
// them to a BlueprintBuilder.

// Activity returns a step that invokes the named registered activity.
func Activity(id, activity string) Step {
	return Step{Type: api.StepActivity, ID: id, Config: StepConfig{Activity: activity}}
}

// ActivityWithRetry returns an activity step with an explicit retry policy.
// The policy overrides any default attached at activity registration.
func ActivityWithRetry(id, activity string, retry RetryPolicy) Step {
	r := retry
	return Step{Type: api.StepActivity, ID: id, Config: StepConfig{Activity: activity, Retry: &r}}
}

// ActivityWithTimeout returns an activity step with a per-attempt deadline.
func ActivityWithTimeout(id, activity string, timeout time.Duration) Step {
	return Step{Type: api.StepActivity, ID: id, Config: StepConfig{Activity: activity, Timeout: Duration(timeout)}}
}

// Sequence returns a step that runs its children in order, feeding each
// child's output to the next.
func Sequence(id string, children ...Step) Step {
	return Step{Type: api.StepSequence, ID: id, Children: children}
}

// Parallel returns a step that runs its children concurrently and joins
// them under the given policy.
func Parallel(id string, join JoinPolicy, branches ...Step) Step {
	return Step{Type: api.StepParallel, ID: id, Config: StepConfig{Join: join}, Children: branches}
}

// Conditional returns a step that routes to the first child whose guard
// matches. Attach guards with When or WhenNamed; a child with no guard is
// the default branch. With requireMatch set, no matching branch fails the
// run instead of passing the input through.
func Conditional(id string, requireMatch bool, branches ...Step) Step {
	return Step{Type: api.StepConditional, ID: id, Config: StepConfig{RequireMatch: requireMatch}, Children: branches}
}

// When attaches a structural predicate guard to a conditional branch.
func When(branch Step, p Predicate) Step {
	branch.Config.When = &p
	return branch
}

// WhenNamed attaches a registered predicate guard to a conditional branch.
func WhenNamed(branch Step, name string) Step {
	branch.Config.WhenName = name
	return branch
}

// WaitSignal returns a step that parks the run until the named signal
// arrives, producing its payload.
func WaitSignal(id, signal string) Step {
	return Step{Type: api.StepWaitSignal, ID: id, Config: StepConfig{Signal: signal}}
}

// WaitSignalTimeout is WaitSignal with a deadline. An elapsed deadline
// resumes the run with an outcome whose Received field is false.
func WaitSignalTimeout(id, signal string, timeout time.Duration) Step {
	return Step{Type: api.StepWaitSignal, ID: id, Config: StepConfig{Signal: signal, WaitTimeout: Duration(timeout)}}
}

// Timer returns a step that parks the run for the given duration. The
// deadline is durable when the engine is wired to a task queue.
func Timer(id string, d time.Duration) Step {
	return Step{Type: api.StepTimer, ID: id, Config: StepConfig{Duration: Duration(d)}}
}

// Loop returns a step that runs body a fixed number of times.
func Loop(id string, count int, body Step) Step {
	return Step{Type: api.StepLoop, ID: id, Config: StepConfig{Count: count}, Children: []Step{body}}
}

// While returns a step that runs body as long as the predicate holds
// against the loop environment.
func While(id string, p Predicate, body Step) Step {
	return Step{Type: api.StepLoop, ID: id, Config: StepConfig{While: &p}, Children: []Step{body}}
}

// WhileNamed is While with a registered predicate.
func WhileNamed(id, predicate string, body Step) Step {
	return Step{Type: api.StepLoop, ID: id, Config: StepConfig{WhileName: predicate}, Children: []Step{body}}
}

// ForEach returns a step that runs body once per element of the collection
// found at itemsPath in the loop environment.
func ForEach(id, itemsPath string, body Step) Step {
	return Step{Type: api.StepLoop, ID: id, Config: StepConfig{ItemsPath: itemsPath}, Children: []Step{body}}
}

// ForEachParallel is ForEach with concurrent iterations. Outputs keep the
// collection order regardless of completion order.
func ForEachParallel(id, itemsPath string, body Step) Step {
	return Step{
		Type:     api.StepLoop,
		ID:       id,
		Config:   StepConfig{ItemsPath: itemsPath, Parallel: true, PreserveOrder: true},
		Children: []Step{body},
	}
}

// Child returns a step that spawns a child run of the given workflow type
// and waits for its terminal state.
func Child(id, workflowType string) Step {
	return Step{Type: api.StepChild, ID: id, Config: StepConfig{WorkflowType: workflowType}}
}

// ChildWithPolicy is Child with an explicit id for the spawned run and a
// close policy applied when the parent reaches a terminal state first.
func ChildWithPolicy(id, workflowType, childID string, policy ParentClosePolicy) Step {
	return Step{
		Type:   api.StepChild,
		ID:     id,
		Config: StepConfig{WorkflowType: workflowType, ChildID: childID, ClosePolicy: policy},
	}
}

// ContinueOnError marks a step so its failure is recorded but does not
// fail the run; the step's input passes through as its output.
func ContinueOnError(s Step) Step {
	s.Config.ContinueOnError = true
	return s
}
