package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkarhu/loom/pkg/api"
)

func TestTimer_FiresAndResumes(t *testing.T) {
	for name, factory := range engineFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng := factory(t)
			reg := eng.Registry()

			bp := &api.Blueprint{
				Name: "delayed",
				Root: api.Step{
					Type: api.StepSequence,
					ID:   "flow",
					Children: []api.Step{
						{Type: api.StepTimer, ID: "backoff", Config: api.StepConfig{Duration: api.Duration(30 * time.Millisecond)}},
						{Type: api.StepActivity, ID: "fire", Config: api.StepConfig{Activity: "after-delay"}},
					},
				},
			}
			if err := reg.RegisterBlueprint(bp); err != nil {
				t.Fatalf("RegisterBlueprint: %v", err)
			}
			var calls atomic.Int32
			if err := reg.RegisterActivity("after-delay", func(ctx context.Context, args any) (any, error) {
				calls.Add(1)
				return args, nil
			}); err != nil {
				t.Fatalf("RegisterActivity: %v", err)
			}

			start := time.Now()
			run, err := eng.Start(ctx, "delayed", "", "payload")
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if run.Status != api.StatusSuspended {
				t.Fatalf("expected SUSPENDED while the timer is pending, got %s", run.Status)
			}

			waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			out, err := eng.GetResult(waitCtx, run.ID)
			if err != nil {
				t.Fatalf("GetResult: %v", err)
			}
			if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
				t.Fatalf("run finished before the timer elapsed (%s)", elapsed)
			}
			// The timer passes its input through to the next step.
			if out != "payload" {
				t.Fatalf("unexpected output: %v", out)
			}
			if n := calls.Load(); n != 1 {
				t.Fatalf("after-delay should run exactly once, ran %d times", n)
			}
		})
	}
}

func TestTimer_HistoryRecordsScheduleAndFire(t *testing.T) {
	ctx := context.Background()
	eng := inMemoryEngine(t)
	reg := eng.Registry()

	bp := &api.Blueprint{
		Name: "tick",
		Root: api.Step{Type: api.StepTimer, ID: "t", Config: api.StepConfig{Duration: api.Duration(20 * time.Millisecond)}},
	}
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}

	run, err := eng.Start(ctx, "tick", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := eng.GetResult(waitCtx, run.ID); err != nil {
		t.Fatalf("GetResult: %v", err)
	}

	events, err := eng.ListEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var scheduled, fired int
	for _, ev := range events {
		switch ev.Type {
		case api.EventTimerScheduled:
			scheduled++
		case api.EventTimerFired:
			fired++
		}
	}
	if scheduled != 1 || fired != 1 {
		t.Fatalf("expected one scheduled and one fired event, got %d/%d", scheduled, fired)
	}
}

func TestFireTimer_LateForResolvedWaitIsHarmless(t *testing.T) {
	ctx := context.Background()
	eng := inMemoryEngine(t)
	reg := eng.Registry()

	bp := &api.Blueprint{
		Name: "race",
		Root: api.Step{
			Type: api.StepWaitSignal,
			ID:   "gate",
			Config: api.StepConfig{
				Signal:      "go",
				WaitTimeout: api.Duration(10 * time.Second),
			},
		},
	}
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}

	run, err := eng.Start(ctx, "race", "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Signal(ctx, run.ID, "go", "ok"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if _, err := eng.GetResult(ctx, run.ID); err != nil {
		t.Fatalf("GetResult: %v", err)
	}

	// A straggler timer for the already-resolved wait must be a no-op.
	pumper := eng.(api.Pumper)
	if err := pumper.FireTimer(ctx, run.ID, "race/gate"); err != nil {
		t.Fatalf("late FireTimer: %v", err)
	}
	got, _ := eng.GetRun(ctx, run.ID)
	if got.Status != api.StatusCompleted {
		t.Fatalf("late timer must not disturb the terminal run, got %s", got.Status)
	}
	out := got.Output.(api.SignalOutcome)
	if !out.Received {
		t.Fatalf("recorded outcome should stay signal-won: %+v", out)
	}
}
