package persistence

import (
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkarhu/loom/pkg/api"
)

type samplePayload struct {
	Msg string
	N   int
}

func init() {
	gob.Register(samplePayload{})
}

func newTestSQLiteStores(t *testing.T) (*SQLiteRunStore, *SQLiteHistoryStore) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	runs, err := NewSQLiteRunStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteRunStore failed: %v", err)
	}
	history, err := NewSQLiteHistoryStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteHistoryStore failed: %v", err)
	}
	return runs, history
}

func TestSQLiteRunStore_SaveGetUpdate(t *testing.T) {
	store, _ := newTestSQLiteStores(t)
	ctx := context.Background()

	run := &api.Run{
		ID:           "r1",
		WorkflowType: "order-flow",
		Status:       api.StatusRunning,
		Input:        samplePayload{Msg: "in", N: 7},
		InputHash:    "abc123",
		State:        map[string]any{"cursor": "root/a"},
	}

	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.WorkflowType != "order-flow" || got.Status != api.StatusRunning {
		t.Fatalf("unexpected run: %+v", got)
	}
	in, ok := got.Input.(samplePayload)
	if !ok || in.Msg != "in" || in.N != 7 {
		t.Fatalf("input did not round-trip: %#v", got.Input)
	}
	if got.InputHash != "abc123" {
		t.Fatalf("unexpected input hash: %q", got.InputHash)
	}
	if got.State["cursor"] != "root/a" {
		t.Fatalf("state did not round-trip: %v", got.State)
	}

	run.Status = api.StatusFailed
	run.Failure = &api.RunFailure{StepPath: "root/a", Kind: "activity", Message: "boom"}
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	got, err = store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun after update failed: %v", err)
	}
	if got.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %q", got.Status)
	}
	if got.Failure == nil || got.Failure.StepPath != "root/a" || got.Failure.Message != "boom" {
		t.Fatalf("failure did not round-trip: %+v", got.Failure)
	}
}

func TestSQLiteRunStore_SaveRunDuplicate(t *testing.T) {
	store, _ := newTestSQLiteStores(t)
	ctx := context.Background()

	run := &api.Run{ID: "r1", WorkflowType: "wf", Status: api.StatusCreated}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := store.SaveRun(ctx, run); !errors.Is(err, ErrRunExists) {
		t.Fatalf("expected ErrRunExists, got %v", err)
	}
}

func TestSQLiteRunStore_GetRunNotFound(t *testing.T) {
	store, _ := newTestSQLiteStores(t)

	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSQLiteRunStore_ListRunsFiltered(t *testing.T) {
	store, _ := newTestSQLiteStores(t)
	ctx := context.Background()

	seed := []*api.Run{
		{ID: "a", WorkflowType: "wf-1", Status: api.StatusRunning},
		{ID: "b", WorkflowType: "wf-1", Status: api.StatusCompleted},
		{ID: "c", WorkflowType: "wf-2", Status: api.StatusRunning, ParentID: "a"},
	}
	for _, r := range seed {
		if err := store.SaveRun(ctx, r); err != nil {
			t.Fatalf("SaveRun %s: %v", r.ID, err)
		}
	}

	byType, err := store.ListRuns(ctx, RunFilter{WorkflowType: "wf-1"})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(byType) != 2 {
		t.Fatalf("expected 2 wf-1 runs, got %d", len(byType))
	}

	combined, err := store.ListRuns(ctx, RunFilter{WorkflowType: "wf-2", Status: api.StatusRunning})
	if err != nil {
		t.Fatalf("ListRuns combined: %v", err)
	}
	if len(combined) != 1 || combined[0].ID != "c" {
		t.Fatalf("unexpected combined filter result: %+v", combined)
	}

	byParent, err := store.ListRuns(ctx, RunFilter{ParentID: "a"})
	if err != nil {
		t.Fatalf("ListRuns byParent: %v", err)
	}
	if len(byParent) != 1 || byParent[0].ID != "c" {
		t.Fatalf("unexpected children: %+v", byParent)
	}
}

func TestSQLiteHistoryStore_AppendAndList(t *testing.T) {
	_, history := newTestSQLiteStores(t)
	ctx := context.Background()

	events := []*api.Event{
		{RunID: "r1", Type: api.EventActivityScheduled, StepPath: "root/a", Name: "charge"},
		{RunID: "r1", Type: api.EventActivityCompleted, StepPath: "root/a", Name: "charge", Payload: samplePayload{Msg: "ok", N: 1}},
		{RunID: "r1", Type: api.EventRunCompleted, Payload: "done"},
	}
	for i, ev := range events {
		seq, err := history.AppendEvent(ctx, ev)
		if err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
		if seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, seq)
		}
	}

	got, err := history.ListEvents(ctx, "r1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[1].Type != api.EventActivityCompleted {
		t.Fatalf("unexpected event order: %+v", got)
	}
	payload, ok := got[1].Payload.(samplePayload)
	if !ok || payload.Msg != "ok" {
		t.Fatalf("payload did not round-trip: %#v", got[1].Payload)
	}

	last, err := history.LastSeq(ctx, "r1")
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if last != 3 {
		t.Fatalf("expected last seq 3, got %d", last)
	}
}

func TestSQLiteHistoryStore_DuplicateGuards(t *testing.T) {
	_, history := newTestSQLiteStores(t)
	ctx := context.Background()

	if _, err := history.AppendEvent(ctx, &api.Event{RunID: "r1", Type: api.EventActivityCompleted, StepPath: "root/a"}); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if _, err := history.AppendEvent(ctx, &api.Event{RunID: "r1", Type: api.EventActivityCompleted, StepPath: "root/a"}); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent for second completion, got %v", err)
	}

	if _, err := history.AppendEvent(ctx, &api.Event{RunID: "r1", Type: api.EventRunCompleted}); err != nil {
		t.Fatalf("terminal: %v", err)
	}
	if _, err := history.AppendEvent(ctx, &api.Event{RunID: "r1", Type: api.EventRunFailed, Error: "late"}); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent for second terminal, got %v", err)
	}

	// Other runs are unaffected.
	if _, err := history.AppendEvent(ctx, &api.Event{RunID: "r2", Type: api.EventActivityCompleted, StepPath: "root/a"}); err != nil {
		t.Fatalf("other run completion: %v", err)
	}
}

func TestSQLiteRunStore_Lease(t *testing.T) {
	store, _ := newTestSQLiteStores(t)
	ctx := context.Background()

	run := &api.Run{ID: "r1", WorkflowType: "wf", Status: api.StatusSuspended}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	acq, err := store.TryAcquireLease(ctx, run.ID, "owner1", time.Second)
	if err != nil {
		t.Fatalf("TryAcquireLease: %v", err)
	}
	if !acq {
		t.Fatalf("expected acquired")
	}

	if acq2, _ := store.TryAcquireLease(ctx, run.ID, "owner2", time.Second); acq2 {
		t.Fatalf("expected owner2 blocked while lease held")
	}

	if err := store.RenewLease(ctx, run.ID, "owner1", time.Second); err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	if err := store.RenewLease(ctx, run.ID, "owner2", time.Second); !errors.Is(err, ErrLeaseNotHeld) {
		t.Fatalf("expected ErrLeaseNotHeld, got %v", err)
	}

	if err := store.ReleaseLease(ctx, run.ID, "owner1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if acq3, _ := store.TryAcquireLease(ctx, run.ID, "owner2", time.Second); !acq3 {
		t.Fatalf("expected owner2 to acquire after release")
	}
}
