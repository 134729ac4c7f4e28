package broker

import (
	"context"
	"encoding/json"
	"testing"
)

func TestPopFromQueueByPriority_HighestFirst(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	setupQueue(t, b, "q1")

	low, err := b.AddToQueueWithPriority(ctx, "q1", json.RawMessage(`{"n":1}`), 1, 1, nopHooks())
	if err != nil {
		t.Fatalf("add low failed: %v", err)
	}
	high, err := b.AddToQueueWithPriority(ctx, "q1", json.RawMessage(`{"n":2}`), 10, 1, nopHooks())
	if err != nil {
		t.Fatalf("add high failed: %v", err)
	}

	popped, err := b.PopFromQueueByPriority(ctx, "q1", nopHooks())
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if popped.ID != high.ID {
		t.Errorf("expected highest-priority item %s popped first, got %s", high.ID, popped.ID)
	}
	_ = low
}

func TestUpdateItemPriority(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	setupQueue(t, b, "q1")
	it, err := b.AddToQueue(ctx, "q1", json.RawMessage(`{"n":1}`), nopHooks())
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	updated, err := b.UpdateItemPriority(ctx, "q1", it.ID, 5, 2)
	if err != nil {
		t.Fatalf("updateItemPriority failed: %v", err)
	}
	if updated.Priority != 5 || updated.PriorityWeight != 2 {
		t.Errorf("expected priority 5/2, got %d/%d", updated.Priority, updated.PriorityWeight)
	}
}

func TestReorderQueueByPriority(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	setupQueue(t, b, "q1")

	if _, err := b.AddToQueueWithPriority(ctx, "q1", json.RawMessage(`{"n":1}`), 1, 1, nopHooks()); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	top, err := b.AddToQueueWithPriority(ctx, "q1", json.RawMessage(`{"n":2}`), 20, 1, nopHooks())
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	ordered, err := b.ReorderQueueByPriority(ctx, "q1")
	if err != nil {
		t.Fatalf("reorder failed: %v", err)
	}
	if len(ordered) != 2 {
		t.Fatalf("expected 2 items, got %d", len(ordered))
	}
	if ordered[0].ID != top.ID {
		t.Errorf("expected highest priority item first after reorder, got %s", ordered[0].ID)
	}
}
