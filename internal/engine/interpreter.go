package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkarhu/loom/internal/persistence"
	"github.com/pkarhu/loom/pkg/api"
)

// stepFailure decorates an error with the path of the step that produced
// it and the error taxonomy name, so the run's terminal failure can name
// the exact offender even when the error crossed several tree levels.
type stepFailure struct {
	Path    string
	Kind    string
	Message string
	cause   error
}

func (e *stepFailure) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Path, e.Message)
}

func (e *stepFailure) Unwrap() error { return e.cause }

// failStep wraps err with step context unless it already carries some.
func failStep(path string, err error) error {
	var sf *stepFailure
	if errors.As(err, &sf) {
		return err
	}
	return &stepFailure{
		Path:    path,
		Kind:    errorKind(err),
		Message: err.Error(),
		cause:   err,
	}
}

func errorKind(err error) string {
	var (
		dv *api.DeterminismViolationError
		ae *api.ActivityExecutionError
		at *api.ActivityTimeoutError
		ua *api.UnknownActivityError
		nb *api.NoBranchMatchedError
		dc *api.DuplicateChildIDError
		cc *api.CancellationError
	)
	switch {
	case errors.As(err, &dv):
		return "DeterminismViolationError"
	case errors.As(err, &at):
		return "ActivityTimeoutError"
	case errors.As(err, &ae):
		return "ActivityExecutionError"
	case errors.As(err, &ua):
		return "UnknownActivityError"
	case errors.As(err, &nb):
		return "NoBranchMatchedError"
	case errors.As(err, &dc):
		return "DuplicateChildIDError"
	case errors.As(err, &cc):
		return "CancellationError"
	}
	return "Error"
}

// walkShared is the mutable replay bookkeeping one decision phase shares
// across parallel branches.
type walkShared struct {
	mu sync.Mutex

	// events is the history prefix loaded at pump start. Events appended
	// during this walk are consumed directly by the step that appended
	// them and do not need to be re-indexed.
	events []api.Event

	// signalTaken counts SignalReceived events per name already claimed
	// by wait steps visited earlier in this walk. FIFO consumption per
	// name falls out of assigning each wait the next unclaimed index.
	signalTaken map[string]int
}

// walkState is the per-pump replay context. Copies of it differ only in
// scope (loop-local bindings); everything else is shared.
type walkState struct {
	eng    *engineImpl
	run    *api.Run
	bp     *api.Blueprint
	shared *walkShared

	// scope carries loop-local bindings (item, index) visible to
	// predicates of nested steps.
	scope map[string]any
}

func newWalkState(e *engineImpl, run *api.Run, bp *api.Blueprint, events []api.Event) *walkState {
	return &walkState{
		eng: e,
		run: run,
		bp:  bp,
		shared: &walkShared{
			events:      events,
			signalTaken: map[string]int{},
		},
	}
}

// withScope returns a walkState sharing replay bookkeeping but with extra
// scope bindings, for loop iterations.
func (w *walkState) withScope(extra map[string]any) *walkState {
	merged := make(map[string]any, len(w.scope)+len(extra))
	for k, v := range w.scope {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &walkState{eng: w.eng, run: w.run, bp: w.bp, shared: w.shared, scope: merged}
}

func (w *walkState) setState(stepID string, out any) {
	w.shared.mu.Lock()
	defer w.shared.mu.Unlock()
	if w.run.State == nil {
		w.run.State = map[string]any{}
	}
	w.run.State[stepID] = out
}

// env builds the predicate environment: run input under "input", plus all
// accumulated step outputs by step id, plus loop-local scope bindings.
func (w *walkState) env() map[string]any {
	w.shared.mu.Lock()
	defer w.shared.mu.Unlock()
	env := make(map[string]any, len(w.run.State)+len(w.scope)+1)
	env["input"] = w.run.Input
	for k, v := range w.run.State {
		env[k] = v
	}
	for k, v := range w.scope {
		env[k] = v
	}
	return env
}

func (w *walkState) takeSignalIndex(name string) int {
	w.shared.mu.Lock()
	defer w.shared.mu.Unlock()
	idx := w.shared.signalTaken[name]
	w.shared.signalTaken[name] = idx + 1
	return idx
}

// nthSignal returns the n-th (0-based) SignalReceived event with the given
// name, in seq order.
func (w *walkState) nthSignal(name string, n int) (*api.Event, bool) {
	w.shared.mu.Lock()
	defer w.shared.mu.Unlock()
	seen := 0
	for i := range w.shared.events {
		ev := w.shared.events[i]
		if ev.Type != api.EventSignalReceived || ev.Name != name {
			continue
		}
		if seen == n {
			return &ev, true
		}
		seen++
	}
	return nil, false
}

// completionFor returns the recorded completion outcome for the step path:
// an ActivityCompleted, ActivityFailed, or ChildCompleted event.
func (w *walkState) completionFor(path string) *api.Event {
	w.shared.mu.Lock()
	defer w.shared.mu.Unlock()
	for i := range w.shared.events {
		ev := w.shared.events[i]
		switch ev.Type {
		case api.EventActivityCompleted, api.EventActivityFailed, api.EventChildCompleted:
			if ev.StepPath == path {
				return &ev
			}
		}
	}
	return nil
}

func (w *walkState) hasEvent(t api.EventType, path string) bool {
	w.shared.mu.Lock()
	defer w.shared.mu.Unlock()
	for i := range w.shared.events {
		if w.shared.events[i].Type == t && w.shared.events[i].StepPath == path {
			return true
		}
	}
	return false
}

func (w *walkState) timerFiredSeq(path string) (int64, bool) {
	w.shared.mu.Lock()
	defer w.shared.mu.Unlock()
	for i := range w.shared.events {
		if w.shared.events[i].Type == api.EventTimerFired && w.shared.events[i].StepPath == path {
			return w.shared.events[i].Seq, true
		}
	}
	return 0, false
}

func (w *walkState) append(ctx context.Context, ev *api.Event) error {
	ev.RunID = w.run.ID
	_, err := w.eng.history.AppendEvent(ctx, ev)
	return err
}

// execStep interprets one step of the blueprint tree. It returns the
// step's output, a suspendError when the step needs an external event, or
// a failure.
func (w *walkState) execStep(ctx context.Context, step *api.Step, path string, input any) (any, error) {
	switch step.Type {
	case api.StepActivity:
		return w.execActivity(ctx, step, path, input)
	case api.StepSequence:
		return w.execSequence(ctx, step, path, input)
	case api.StepParallel:
		return w.execParallel(ctx, step, path, input)
	case api.StepConditional:
		return w.execConditional(ctx, step, path, input)
	case api.StepLoop:
		return w.execLoop(ctx, step, path, input)
	case api.StepWaitSignal:
		return w.execWaitSignal(ctx, step, path, input)
	case api.StepTimer:
		return w.execTimer(ctx, step, path, input)
	case api.StepChild:
		return w.execChild(ctx, step, path, input)
	}
	return nil, failStep(path, fmt.Errorf("unknown step type %q", step.Type))
}

func (w *walkState) execSequence(ctx context.Context, step *api.Step, path string, input any) (any, error) {
	current := input
	for i := range step.Children {
		child := &step.Children[i]
		out, err := w.execStep(ctx, child, path+"/"+child.ID, current)
		if err != nil {
			return nil, err
		}
		current = out
	}
	w.setState(step.ID, current)
	return current, nil
}

func (w *walkState) execActivity(ctx context.Context, step *api.Step, path string, input any) (any, error) {
	name := step.Config.Activity

	if rec := w.completionFor(path); rec != nil {
		if rec.Type == api.EventChildCompleted {
			return nil, failStep(path, &api.DeterminismViolationError{
				StepPath: path,
				Recorded: string(rec.Type),
				Produced: "activity " + name,
			})
		}
		if rec.Name != name {
			return nil, failStep(path, &api.DeterminismViolationError{
				StepPath: path,
				Recorded: "activity " + rec.Name,
				Produced: "activity " + name,
			})
		}
		if rec.Type == api.EventActivityCompleted {
			w.setState(step.ID, rec.Payload)
			return rec.Payload, nil
		}
		// Recorded failure: retries were already exhausted when it was
		// written, so it is final on replay too.
		if step.Config.ContinueOnError {
			return input, nil
		}
		return nil, failStep(path, &api.ActivityExecutionError{
			Activity: name,
			Attempt:  rec.Attempt,
			Cause:    errors.New(rec.Error),
		})
	}

	args := input
	if step.Config.Args != nil {
		args = step.Config.Args
	}

	if !w.hasEvent(api.EventActivityScheduled, path) {
		ev := &api.Event{Type: api.EventActivityScheduled, StepPath: path, Name: name, Payload: args}
		if err := w.append(ctx, ev); err != nil {
			return nil, failStep(path, err)
		}
	}

	out, attempt, err := w.eng.dispatchActivity(ctx, w.run, step, path, args)
	if err != nil {
		if errors.Is(err, persistence.ErrLeaseNotHeld) {
			// Another owner took the run over; let them drive.
			return nil, suspendAt(path, "activity")
		}
		if ctx.Err() != nil {
			// Pump shutdown or sibling cancellation, not a step verdict.
			// The scheduled-but-uncompleted activity re-dispatches on the
			// next pump (at-least-once).
			return nil, suspendAt(path, "activity")
		}

		failEv := &api.Event{Type: api.EventActivityFailed, StepPath: path, Name: name, Attempt: attempt, Error: err.Error()}
		if aerr := w.append(ctx, failEv); aerr != nil {
			if errors.Is(aerr, persistence.ErrDuplicateEvent) {
				return w.reuseRecordedCompletion(ctx, step, path, input)
			}
			return nil, failStep(path, aerr)
		}
		if step.Config.ContinueOnError {
			return input, nil
		}
		return nil, failStep(path, err)
	}

	doneEv := &api.Event{Type: api.EventActivityCompleted, StepPath: path, Name: name, Attempt: attempt, Payload: out}
	if aerr := w.append(ctx, doneEv); aerr != nil {
		if errors.Is(aerr, persistence.ErrDuplicateEvent) {
			// Another attempt recorded the outcome first; the recorded one
			// is the observed truth, this result is discarded.
			return w.reuseRecordedCompletion(ctx, step, path, input)
		}
		return nil, failStep(path, aerr)
	}
	w.setState(step.ID, out)
	return out, nil
}

// reuseRecordedCompletion reloads history and replays the recorded outcome
// for the step, used after losing a completion-append race.
func (w *walkState) reuseRecordedCompletion(ctx context.Context, step *api.Step, path string, input any) (any, error) {
	events, err := w.eng.history.ListEvents(ctx, w.run.ID)
	if err != nil {
		return nil, failStep(path, err)
	}
	w.shared.mu.Lock()
	w.shared.events = events
	w.shared.mu.Unlock()

	rec := w.completionFor(path)
	if rec == nil {
		return nil, failStep(path, fmt.Errorf("completion for %s vanished from history", path))
	}
	if rec.Type == api.EventActivityCompleted {
		w.setState(step.ID, rec.Payload)
		return rec.Payload, nil
	}
	if step.Config.ContinueOnError {
		return input, nil
	}
	return nil, failStep(path, &api.ActivityExecutionError{
		Activity: step.Config.Activity,
		Attempt:  rec.Attempt,
		Cause:    errors.New(rec.Error),
	})
}

// settleSeq returns the highest recorded event seq at or under a step
// path. Concurrent branches are ordered by this instead of by which
// goroutine happened to finish first, so a re-walk rebuilds the same
// merge from history.
func settleSeq(events []api.Event, path string) int64 {
	var max int64
	for i := range events {
		ev := &events[i]
		if ev.StepPath != path && !strings.HasPrefix(ev.StepPath, path+"/") {
			continue
		}
		switch ev.Type {
		case api.EventActivityCompleted, api.EventActivityFailed, api.EventChildCompleted, api.EventTimerFired:
			if ev.Seq > max {
				max = ev.Seq
			}
		}
	}
	return max
}

func (w *walkState) execParallel(ctx context.Context, step *api.Step, path string, input any) (any, error) {
	join := step.Config.Join
	if join == "" {
		join = api.JoinAllSuccess
	}

	n := len(step.Children)
	if n == 0 {
		var out any
		if join == api.JoinBestEffort {
			out = []api.BranchOutcome{}
		} else {
			out = []any{}
		}
		w.setState(step.ID, out)
		return out, nil
	}

	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()

	type branchResult struct {
		idx int
		out any
		err error
	}
	results := make([]branchResult, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		child := &step.Children[i]
		wg.Add(1)
		go func(idx int, child *api.Step) {
			defer wg.Done()
			out, err := w.execStep(branchCtx, child, path+"/"+child.ID, input)
			results[idx] = branchResult{idx: idx, out: out, err: err}
			// Fail-fast and first-success joins stop the siblings early.
			if join == api.JoinAllSuccess && err != nil {
				if _, s := isSuspend(err); !s {
					cancelBranches()
				}
			}
			if join == api.JoinAnySuccess && err == nil {
				cancelBranches()
			}
		}(i, child)
	}
	wg.Wait()

	switch join {
	case api.JoinAllSuccess:
		// A real failure wins over suspensions: the run fails now.
		for _, r := range results {
			if r.err == nil {
				continue
			}
			if _, s := isSuspend(r.err); s {
				continue
			}
			return nil, r.err
		}
		for _, r := range results {
			if r.err != nil {
				return nil, r.err // a suspension
			}
		}
		outs := make([]any, n)
		for i, r := range results {
			outs[i] = r.out
		}
		w.setState(step.ID, outs)
		return outs, nil

	case api.JoinAnySuccess:
		var wins []int
		for i, r := range results {
			if r.err == nil {
				wins = append(wins, i)
			}
		}
		if len(wins) > 0 {
			win := wins[0]
			if len(wins) > 1 {
				// More than one branch landed a success before the rest
				// were cancelled. The earliest recorded completion is the
				// winner, so replay picks the same branch.
				events, err := w.eng.history.ListEvents(ctx, w.run.ID)
				if err != nil {
					return nil, failStep(path, err)
				}
				for _, c := range wins[1:] {
					if settleSeq(events, path+"/"+step.Children[c].ID) < settleSeq(events, path+"/"+step.Children[win].ID) {
						win = c
					}
				}
			}
			w.setState(step.ID, results[win].out)
			return results[win].out, nil
		}
		// No success yet: still pending branches keep the step alive.
		for _, r := range results {
			if _, s := isSuspend(r.err); s {
				return nil, r.err
			}
		}
		// Everything failed.
		for _, r := range results {
			if !api.IsCancellation(r.err) {
				return nil, r.err
			}
		}
		return nil, results[0].err

	case api.JoinBestEffort:
		// Best effort needs every branch settled before it can report.
		for _, r := range results {
			if _, s := isSuspend(r.err); s {
				return nil, r.err
			}
		}
		outcomes := make([]api.BranchOutcome, n)
		for i, r := range results {
			o := api.BranchOutcome{StepID: step.Children[i].ID, Output: r.out}
			if r.err != nil {
				o.Output = nil
				o.Err = r.err.Error()
			}
			outcomes[i] = o
		}
		w.setState(step.ID, outcomes)
		return outcomes, nil
	}

	return nil, failStep(path, fmt.Errorf("unknown join policy %q", join))
}

func (w *walkState) execConditional(ctx context.Context, step *api.Step, path string, input any) (any, error) {
	env := w.env()

	for i := range step.Children {
		child := &step.Children[i]
		matched, err := w.branchMatches(child, env)
		if err != nil {
			return nil, failStep(path+"/"+child.ID, err)
		}
		if !matched {
			continue
		}
		out, err := w.execStep(ctx, child, path+"/"+child.ID, input)
		if err != nil {
			return nil, err
		}
		w.setState(step.ID, out)
		return out, nil
	}

	if step.Config.RequireMatch {
		return nil, failStep(path, &api.NoBranchMatchedError{StepID: step.ID})
	}
	// No branch matched and none required: pass the input through.
	return input, nil
}

func (w *walkState) branchMatches(child *api.Step, env map[string]any) (bool, error) {
	if child.Config.When != nil {
		return child.Config.When.Eval(env), nil
	}
	if child.Config.WhenName != "" {
		fn, ok := w.eng.registry.Predicate(child.Config.WhenName)
		if !ok {
			return false, fmt.Errorf("unknown predicate: %s", child.Config.WhenName)
		}
		return fn(env), nil
	}
	// Default branch.
	return true, nil
}

func (w *walkState) execLoop(ctx context.Context, step *api.Step, path string, input any) (any, error) {
	body := &step.Children[0]

	iterPath := func(i int) string {
		return fmt.Sprintf("%s/%s[%d]", path, body.ID, i)
	}

	switch {
	case step.Config.Count > 0:
		items := make([]any, step.Config.Count)
		for i := range items {
			items[i] = input
		}
		return w.runIterations(ctx, step, path, body, iterPath, items, input, false)

	case step.Config.ItemsPath != "":
		env := w.env()
		raw, ok := api.LookupPath(env, step.Config.ItemsPath)
		if !ok {
			// Missing collection behaves like an empty one.
			w.setState(step.ID, []any{})
			return []any{}, nil
		}
		items, ok := raw.([]any)
		if !ok {
			return nil, failStep(path, fmt.Errorf("itemsPath %s is not a list (got %T)", step.Config.ItemsPath, raw))
		}
		return w.runIterations(ctx, step, path, body, iterPath, items, input, true)

	default: // while
		current := input
		for i := 0; ; i++ {
			iterScope := w.withScope(map[string]any{"index": i})
			if !w.whileHolds(step, iterScope.env()) {
				break
			}
			out, err := iterScope.execStep(ctx, body, iterPath(i), current)
			if err != nil {
				return nil, err
			}
			current = out
		}
		w.setState(step.ID, current)
		return current, nil
	}
}

func (w *walkState) whileHolds(step *api.Step, env map[string]any) bool {
	if step.Config.While != nil {
		return step.Config.While.Eval(env)
	}
	fn, ok := w.eng.registry.Predicate(step.Config.WhileName)
	if !ok {
		return false
	}
	return fn(env)
}

// runIterations executes the loop body once per item, sequentially or in
// parallel, collecting outputs. withItem binds the item into scope for
// forEach loops.
func (w *walkState) runIterations(ctx context.Context, step *api.Step, path string, body *api.Step, iterPath func(int) string, items []any, input any, withItem bool) (any, error) {
	n := len(items)
	if n == 0 {
		w.setState(step.ID, []any{})
		return []any{}, nil
	}

	iterInput := func(i int) any {
		if withItem {
			return items[i]
		}
		return input
	}
	iterScope := func(i int) *walkState {
		scope := map[string]any{"index": i}
		if withItem {
			scope["item"] = items[i]
		}
		return w.withScope(scope)
	}

	if !step.Config.Parallel {
		outs := make([]any, 0, n)
		for i := 0; i < n; i++ {
			out, err := iterScope(i).execStep(ctx, body, iterPath(i), iterInput(i))
			if err != nil {
				return nil, err
			}
			outs = append(outs, out)
		}
		w.setState(step.ID, outs)
		return outs, nil
	}

	type iterResult struct {
		idx int
		out any
		err error
	}
	results := make([]iterResult, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := iterScope(i).execStep(ctx, body, iterPath(i), iterInput(i))
			results[i] = iterResult{idx: i, out: out, err: err}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r.err == nil {
			continue
		}
		if _, s := isSuspend(r.err); s {
			continue
		}
		return nil, r.err
	}
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
	}

	var outs []any
	if step.Config.PreserveOrder {
		outs = make([]any, n)
		for i, r := range results {
			outs[i] = r.out
		}
	} else {
		// Completion order as recorded in history, not as scheduled.
		events, err := w.eng.history.ListEvents(ctx, w.run.ID)
		if err != nil {
			return nil, failStep(path, err)
		}
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return settleSeq(events, iterPath(order[a])) < settleSeq(events, iterPath(order[b]))
		})
		outs = make([]any, 0, n)
		for _, idx := range order {
			outs = append(outs, results[idx].out)
		}
	}
	w.setState(step.ID, outs)
	return outs, nil
}

func (w *walkState) execWaitSignal(ctx context.Context, step *api.Step, path string, input any) (any, error) {
	name := step.Config.Signal
	idx := w.takeSignalIndex(name)

	sig, sigOK := w.nthSignal(name, idx)
	tmrSeq, tmrOK := w.timerFiredSeq(path)

	switch {
	case sigOK && (!tmrOK || sig.Seq < tmrSeq):
		out := api.SignalOutcome{Received: true, Payload: sig.Payload}
		w.setState(step.ID, out)
		return out, nil

	case tmrOK:
		out := api.SignalOutcome{Received: false}
		w.setState(step.ID, out)
		return out, nil
	}

	if timeout := step.Config.WaitTimeout.Std(); timeout > 0 && !w.hasEvent(api.EventTimerScheduled, path) {
		deadline := time.Now().Add(timeout)
		ev := &api.Event{Type: api.EventTimerScheduled, StepPath: path, Name: name, Payload: deadline.UnixNano()}
		if err := w.append(ctx, ev); err != nil {
			return nil, failStep(path, err)
		}
		if err := w.eng.scheduleTimer(ctx, w.run.ID, path, deadline); err != nil {
			return nil, failStep(path, err)
		}
	}
	return nil, suspendAt(path, "signal")
}

func (w *walkState) execTimer(ctx context.Context, step *api.Step, path string, input any) (any, error) {
	if _, fired := w.timerFiredSeq(path); fired {
		w.setState(step.ID, input)
		return input, nil
	}

	if !w.hasEvent(api.EventTimerScheduled, path) {
		deadline := time.Now().Add(step.Config.Duration.Std())
		ev := &api.Event{Type: api.EventTimerScheduled, StepPath: path, Payload: deadline.UnixNano()}
		if err := w.append(ctx, ev); err != nil {
			return nil, failStep(path, err)
		}
		if err := w.eng.scheduleTimer(ctx, w.run.ID, path, deadline); err != nil {
			return nil, failStep(path, err)
		}
	}
	return nil, suspendAt(path, "timer")
}
