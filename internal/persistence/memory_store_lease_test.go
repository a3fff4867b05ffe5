package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/pkarhu/loom/pkg/api"
)

func TestInMemoryStore_LeaseAcquireRenewRelease(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	run := &api.Run{ID: "r1", WorkflowType: "wf", Status: api.StatusSuspended}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	acq, err := store.TryAcquireLease(ctx, run.ID, "owner1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease: %v", err)
	}
	if !acq {
		t.Fatalf("expected acquired")
	}

	acq2, err := store.TryAcquireLease(ctx, run.ID, "owner2", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner2: %v", err)
	}
	if acq2 {
		t.Fatalf("expected not acquired while lease active")
	}

	if err := store.RenewLease(ctx, run.ID, "owner1", 50*time.Millisecond); err != nil {
		t.Fatalf("RenewLease owner1: %v", err)
	}
	if err := store.RenewLease(ctx, run.ID, "owner2", 50*time.Millisecond); err == nil {
		t.Fatalf("expected RenewLease owner2 to fail")
	}

	if err := store.ReleaseLease(ctx, run.ID, "owner1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}

	acq3, err := store.TryAcquireLease(ctx, run.ID, "owner2", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease after release: %v", err)
	}
	if !acq3 {
		t.Fatalf("expected owner2 to acquire after release")
	}
}

func TestInMemoryStore_LeaseReentrantForOwner(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	run := &api.Run{ID: "r1", WorkflowType: "wf", Status: api.StatusRunning}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	if acq, _ := store.TryAcquireLease(ctx, run.ID, "me", time.Second); !acq {
		t.Fatalf("first acquire should succeed")
	}
	if acq, _ := store.TryAcquireLease(ctx, run.ID, "me", time.Second); !acq {
		t.Fatalf("same owner should re-acquire its own lease")
	}
}

func TestInMemoryStore_LeaseExpires(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	run := &api.Run{ID: "r1", WorkflowType: "wf", Status: api.StatusRunning}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	if acq, _ := store.TryAcquireLease(ctx, run.ID, "owner1", 10*time.Millisecond); !acq {
		t.Fatalf("owner1 should acquire")
	}

	time.Sleep(25 * time.Millisecond)

	acq, err := store.TryAcquireLease(ctx, run.ID, "owner2", time.Second)
	if err != nil {
		t.Fatalf("TryAcquireLease after expiry: %v", err)
	}
	if !acq {
		t.Fatalf("owner2 should take over an expired lease")
	}

	if err := store.RenewLease(ctx, run.ID, "owner1", time.Second); err == nil {
		t.Fatalf("owner1 renew should fail after takeover")
	}
}
