package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestSQLiteQueue(t *testing.T) *SQLiteQueue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	return q
}

func TestSQLiteQueue_EnqueueDequeueFIFO(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	tasks := []Task{
		{ID: "1", Type: TaskTypeStartRun, RunID: "r1", WorkflowType: "wf"},
		{ID: "2", Type: TaskTypeResumeRun, RunID: "r1"},
		{ID: "3", Type: TaskTypeSignal, RunID: "r1", SignalName: "go", Payload: "hello"},
	}
	for _, task := range tasks {
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue %s: %v", task.ID, err)
		}
	}

	if q.Len() != 3 {
		t.Fatalf("expected Len 3, got %d", q.Len())
	}

	for i, want := range tasks {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if got.ID != want.ID || got.Type != want.Type || got.RunID != want.RunID {
			t.Fatalf("task %d mismatch: got %+v want %+v", i, got, want)
		}
	}

	last, _ := q.Dequeue(mustTimeout(t, 30*time.Millisecond))
	if last != nil {
		t.Fatalf("expected empty queue, got %+v", last)
	}
}

func TestSQLiteQueue_PayloadRoundTrip(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	in := Task{
		ID:         "s1",
		Type:       TaskTypeSignal,
		RunID:      "r9",
		SignalName: "approval",
		Payload:    map[string]any{"approver": "alice"},
	}
	if err := q.Enqueue(ctx, in); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	payload, ok := got.Payload.(map[string]any)
	if !ok || payload["approver"] != "alice" {
		t.Fatalf("payload did not round-trip: %#v", got.Payload)
	}
	if got.SignalName != "approval" || got.StepPath != "" {
		t.Fatalf("unexpected task fields: %+v", got)
	}
}

func TestSQLiteQueue_NotBeforeDelaysDelivery(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	deadline := time.Now().Add(80 * time.Millisecond)
	if err := q.Enqueue(ctx, Task{ID: "t1", Type: TaskTypeTimerFired, RunID: "r1", StepPath: "root/sleep", NotBefore: deadline}); err != nil {
		t.Fatalf("Enqueue delayed: %v", err)
	}
	if err := q.Enqueue(ctx, Task{ID: "t2", Type: TaskTypeResumeRun, RunID: "r2"}); err != nil {
		t.Fatalf("Enqueue immediate: %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue first: %v", err)
	}
	if first.ID != "t2" {
		t.Fatalf("expected immediate task first, got %q", first.ID)
	}

	second, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue second: %v", err)
	}
	if second.ID != "t1" {
		t.Fatalf("expected delayed task, got %q", second.ID)
	}
	if time.Now().Before(deadline) {
		t.Fatalf("delayed task delivered before its deadline")
	}
}

func mustTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
