package engine

import (
	"context"
	"testing"
	"time"

	"github.com/pkarhu/loom/internal/persistence"
	"github.com/pkarhu/loom/pkg/api"
)

// plantStuckRun writes a run left in StatusRunning, as a crashed worker
// would: the status was flipped but no terminal event was ever recorded.
func plantStuckRun(t *testing.T, store persistence.RunStore, id, workflowType string) {
	t.Helper()
	now := time.Now().Add(-time.Minute)
	run := &api.Run{
		ID:           id,
		WorkflowType: workflowType,
		Status:       api.StatusRunning,
		State:        map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
}

func TestRecoverStuckRuns_ResumesOrphanedRun(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewInMemoryStore()
	reg := api.NewRegistry()

	bp := &api.Blueprint{
		Name: "resumable",
		Root: api.Step{Type: api.StepActivity, ID: "work", Config: api.StepConfig{Activity: "do-work"}},
	}
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	if err := reg.RegisterActivity("do-work", func(ctx context.Context, args any) (any, error) {
		return "recovered", nil
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}

	plantStuckRun(t, mem, "orphan-1", "resumable")

	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Runs: mem, History: mem},
		Registry:    reg,
	})

	n, err := eng.RecoverStuckRuns(ctx)
	if err != nil {
		t.Fatalf("RecoverStuckRuns: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered run, got %d", n)
	}

	got, err := eng.GetRun(ctx, "orphan-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != api.StatusCompleted {
		t.Fatalf("recovered run should finish, got %s", got.Status)
	}
	if got.Output != "recovered" {
		t.Fatalf("unexpected output: %v", got.Output)
	}
}

func TestRecoverStuckRuns_SkipsLeasedRun(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewInMemoryStore()
	reg := api.NewRegistry()

	bp := &api.Blueprint{
		Name: "resumable",
		Root: api.Step{Type: api.StepActivity, ID: "work", Config: api.StepConfig{Activity: "do-work"}},
	}
	if err := reg.RegisterBlueprint(bp); err != nil {
		t.Fatalf("RegisterBlueprint: %v", err)
	}
	if err := reg.RegisterActivity("do-work", func(ctx context.Context, args any) (any, error) {
		t.Errorf("a leased run must not be touched")
		return nil, nil
	}); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}

	plantStuckRun(t, mem, "busy-1", "resumable")

	// A live owner still holds the lease.
	acquired, err := mem.TryAcquireLease(ctx, "busy-1", "worker-alive", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("TryAcquireLease: acquired=%v err=%v", acquired, err)
	}

	eng := NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Runs: mem, History: mem},
		Registry:    reg,
	})

	n, err := eng.RecoverStuckRuns(ctx)
	if err != nil {
		t.Fatalf("RecoverStuckRuns: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no recovered runs, got %d", n)
	}

	got, _ := eng.GetRun(ctx, "busy-1")
	if got.Status != api.StatusRunning {
		t.Fatalf("leased run must stay RUNNING, got %s", got.Status)
	}
}

func TestRecoverStuckRuns_NothingToDo(t *testing.T) {
	ctx := context.Background()
	eng := inMemoryEngine(t)
	registerSeqActivities(t, eng)

	if _, err := eng.Start(ctx, "order-flow", "", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	n, err := eng.RecoverStuckRuns(ctx)
	if err != nil {
		t.Fatalf("RecoverStuckRuns: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing to recover, got %d", n)
	}
}
