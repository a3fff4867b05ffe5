package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkarhu/loom/pkg/api"
)

func singleActivityBlueprint(name string, cfg api.StepConfig) *api.Blueprint {
	cfg.Activity = name
	return &api.Blueprint{
		Name: "single",
		Root: api.Step{Type: api.StepActivity, ID: "only", Config: cfg},
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	ctx := context.Background()
	eng := inMemoryEngine(t)
	reg := eng.Registry()

	bp := singleActivityBlueprint("flappy", api.StepConfig{
		Retry: &api.RetryPolicy{MaxAttempts: 3, BackoffBase: api.Duration(time.Millisecond)},
	})
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	var calls atomic.Int32
	if err := reg.RegisterActivity("flappy", func(ctx context.Context, args any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "finally", nil
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}

	run, err := eng.Start(ctx, "single", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED after retries, got %s (failure: %v)", run.Status, run.Failure)
	}
	if run.Output != "finally" {
		t.Fatalf("unexpected output: %v", run.Output)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}

	// Only the final outcome is recorded, not the transient failures.
	events, _ := eng.ListEvents(ctx, run.ID)
	for _, ev := range events {
		if ev.Type == api.EventActivityFailed {
			t.Fatalf("transient attempts must not be recorded: %+v", ev)
		}
	}
}

func TestRetry_ExhaustionFailsRun(t *testing.T) {
	ctx := context.Background()
	eng := inMemoryEngine(t)
	reg := eng.Registry()

	bp := singleActivityBlueprint("hopeless", api.StepConfig{
		Retry: &api.RetryPolicy{MaxAttempts: 2, BackoffBase: api.Duration(time.Millisecond)},
	})
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	var calls atomic.Int32
	if err := reg.RegisterActivity("hopeless", func(ctx context.Context, args any) (any, error) {
		calls.Add(1)
		return nil, errors.New("still broken")
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}

	run, err := eng.Start(ctx, "single", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
	if run.Failure.Kind != "ActivityExecutionError" {
		t.Fatalf("unexpected failure kind %q", run.Failure.Kind)
	}
}

func TestRetry_TerminalErrorSkipsRemainingAttempts(t *testing.T) {
	ctx := context.Background()
	eng := inMemoryEngine(t)
	reg := eng.Registry()

	bp := singleActivityBlueprint("fatal", api.StepConfig{
		Retry: &api.RetryPolicy{MaxAttempts: 5, BackoffBase: api.Duration(time.Millisecond)},
	})
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	var calls atomic.Int32
	if err := reg.RegisterActivity("fatal", func(ctx context.Context, args any) (any, error) {
		calls.Add(1)
		return nil, api.Terminal(errors.New("validation rejected"))
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}

	run, err := eng.Start(ctx, "single", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %s", run.Status)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("terminal error must not be retried, got %d attempts", n)
	}
}

func TestRetry_ContinueOnErrorKeepsRunAlive(t *testing.T) {
	ctx := context.Background()
	eng := inMemoryEngine(t)
	reg := eng.Registry()

	bp := &api.Blueprint{
		Name: "tolerant",
		Root: api.Step{
			Type: api.StepSequence,
			ID:   "flow",
			Children: []api.Step{
				{Type: api.StepActivity, ID: "optional", Config: api.StepConfig{
					Activity:        "best-effort-notify",
					ContinueOnError: true,
				}},
				{Type: api.StepActivity, ID: "required", Config: api.StepConfig{Activity: "persist"}},
			},
		},
	}
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	if err := reg.RegisterActivity("best-effort-notify", func(ctx context.Context, args any) (any, error) {
		return nil, errors.New("smtp down")
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}
	if err := reg.RegisterActivity("persist", func(ctx context.Context, args any) (any, error) {
		return "saved", nil
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}

	run, err := eng.Start(ctx, "tolerant", "", "doc-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != api.StatusCompleted {
		t.Fatalf("expected COMPLETED despite the notify failure, got %s", run.Status)
	}
	if run.Output != "saved" {
		t.Fatalf("unexpected output: %v", run.Output)
	}

	// The failure is still on the record.
	events, _ := eng.ListEvents(ctx, run.ID)
	sawFailed := false
	for _, ev := range events {
		if ev.Type == api.EventActivityFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("continue-on-error should still record the failed attempt")
	}
}

func TestTimeout_AttemptDeadline(t *testing.T) {
	ctx := context.Background()
	eng := inMemoryEngine(t)
	reg := eng.Registry()

	bp := singleActivityBlueprint("sluggish", api.StepConfig{
		Timeout: api.Duration(20 * time.Millisecond),
	})
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	if err := reg.RegisterActivity("sluggish", func(ctx context.Context, args any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}

	run, err := eng.Start(ctx, "single", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != api.StatusFailed {
		t.Fatalf("expected FAILED on timeout, got %s", run.Status)
	}
	if run.Failure.Kind != "ActivityTimeoutError" {
		t.Fatalf("expected ActivityTimeoutError, got %q (%s)", run.Failure.Kind, run.Failure.Message)
	}
}

func TestTimeout_RegistrationDefaultApplies(t *testing.T) {
	ctx := context.Background()
	eng := inMemoryEngine(t)
	reg := eng.Registry()

	bp := singleActivityBlueprint("slow-by-default", api.StepConfig{})
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	err := reg.RegisterActivity("slow-by-default",
		func(ctx context.Context, args any) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		api.ActivityOptions{DefaultTimeout: 20 * time.Millisecond},
	)
	if err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}

	run, err := eng.Start(ctx, "single", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != api.StatusFailed || run.Failure.Kind != "ActivityTimeoutError" {
		t.Fatalf("expected a timeout failure, got %s (%+v)", run.Status, run.Failure)
	}
}
