package broker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/queuemanager/broker/internal/qmerrors"
)

func TestCreateAndGetQueue(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	q, err := b.CreateQueue(ctx, "orders", "Orders", map[string]interface{}{"routingKey": "east"}, nopHooks())
	if err != nil {
		t.Fatalf("createQueue failed: %v", err)
	}
	if q.Version != 1 {
		t.Errorf("expected version 1, got %d", q.Version)
	}

	got, err := b.GetQueue(ctx, "orders")
	if err != nil {
		t.Fatalf("getQueue failed: %v", err)
	}
	if got.Name != "Orders" {
		t.Errorf("expected name Orders, got %s", got.Name)
	}
}

func TestCreateQueue_DuplicateRejected(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.CreateQueue(ctx, "dup", "Dup", nil, nopHooks()); err != nil {
		t.Fatalf("createQueue failed: %v", err)
	}
	_, err := b.CreateQueue(ctx, "dup", "Dup Again", nil, nopHooks())
	if qmerrors.KindOf(err) != qmerrors.KindAlreadyExists {
		t.Errorf("expected already_exists, got %v", err)
	}
}

func TestCreateQueue_InvalidID(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	_, err := b.CreateQueue(ctx, "bad id with spaces", "Bad", nil, nopHooks())
	if qmerrors.KindOf(err) != qmerrors.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestGetAllQueues(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := b.CreateQueue(ctx, id, id, nil, nopHooks()); err != nil {
			t.Fatalf("createQueue(%s) failed: %v", id, err)
		}
	}
	all, err := b.GetAllQueues(ctx, QueueListOptions{})
	if err != nil {
		t.Fatalf("getAllQueues failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 queues, got %d", len(all))
	}

	paged, err := b.GetAllQueues(ctx, QueueListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("getAllQueues paged failed: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "b" {
		t.Errorf("expected page [b], got %v", paged)
	}

	filtered, err := b.GetAllQueues(ctx, QueueListOptions{Pattern: "a"})
	if err != nil {
		t.Fatalf("getAllQueues filtered failed: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "a" {
		t.Errorf("expected only queue a, got %v", filtered)
	}
}

func TestUpdateQueue_MergesConfigAndBumpsVersion(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	if _, err := b.CreateQueue(ctx, "q1", "Q1", map[string]interface{}{"a": 1}, nopHooks()); err != nil {
		t.Fatalf("createQueue failed: %v", err)
	}
	updated, err := b.UpdateQueue(ctx, "q1", map[string]interface{}{"b": 2}, nopHooks())
	if err != nil {
		t.Fatalf("updateQueue failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}
	if updated.Config["a"] != float64(1) && updated.Config["a"] != 1 {
		t.Errorf("expected config to retain key a, got %+v", updated.Config)
	}
	if updated.Config["b"] != 2 {
		t.Errorf("expected config b=2, got %+v", updated.Config)
	}
}

func TestDeleteQueue(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	if _, err := b.CreateQueue(ctx, "q1", "Q1", nil, nopHooks()); err != nil {
		t.Fatalf("createQueue failed: %v", err)
	}
	if err := b.DeleteQueue(ctx, "q1", nopHooks()); err != nil {
		t.Fatalf("deleteQueue failed: %v", err)
	}
	if _, err := b.GetQueue(ctx, "q1"); qmerrors.KindOf(err) != qmerrors.KindNotFound {
		t.Errorf("expected not_found after delete, got %v", err)
	}
}

func TestRenameQueue(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	if _, err := b.CreateQueue(ctx, "q1", "Old", nil, nopHooks()); err != nil {
		t.Fatalf("createQueue failed: %v", err)
	}
	if _, err := b.AddToQueue(ctx, "q1", json.RawMessage(`{"n":1}`), nopHooks()); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	renamed, err := b.RenameQueue(ctx, "q1", "q2")
	if err != nil {
		t.Fatalf("renameQueue failed: %v", err)
	}
	if renamed.ID != "q2" {
		t.Errorf("expected id q2, got %s", renamed.ID)
	}

	if _, err := b.GetQueue(ctx, "q1"); qmerrors.KindOf(err) != qmerrors.KindNotFound {
		t.Errorf("expected old id not_found, got %v", err)
	}
	items, err := b.GetQueueItems(ctx, "q2")
	if err != nil {
		t.Fatalf("getQueueItems failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected item to carry over, got %d items", len(items))
	}

	if _, err := b.CreateQueue(ctx, "q3", "Q3", nil, nopHooks()); err != nil {
		t.Fatalf("createQueue failed: %v", err)
	}
	if _, err := b.RenameQueue(ctx, "q2", "q3"); qmerrors.KindOf(err) != qmerrors.KindAlreadyExists {
		t.Errorf("expected already_exists renaming onto an existing id, got %v", err)
	}
}

func TestPauseResumeQueue(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	if _, err := b.CreateQueue(ctx, "q1", "Q1", nil, nopHooks()); err != nil {
		t.Fatalf("createQueue failed: %v", err)
	}
	if _, err := b.AddToQueue(ctx, "q1", []byte(`{"x":1}`), nopHooks()); err != nil {
		t.Fatalf("addToQueue failed: %v", err)
	}

	if err := b.PauseQueue(ctx, "q1"); err != nil {
		t.Fatalf("pauseQueue failed: %v", err)
	}
	if _, err := b.PopFromQueue(ctx, "q1", nopHooks()); err == nil {
		t.Error("expected pop to fail on paused queue")
	}

	if err := b.ResumeQueue(ctx, "q1"); err != nil {
		t.Fatalf("resumeQueue failed: %v", err)
	}
	if _, err := b.PopFromQueue(ctx, "q1", nopHooks()); err != nil {
		t.Errorf("expected pop to succeed after resume, got %v", err)
	}
}

func TestClearQueue(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	if _, err := b.CreateQueue(ctx, "q1", "Q1", nil, nopHooks()); err != nil {
		t.Fatalf("createQueue failed: %v", err)
	}
	if _, err := b.AddToQueue(ctx, "q1", []byte(`{"x":1}`), nopHooks()); err != nil {
		t.Fatalf("addToQueue failed: %v", err)
	}
	if err := b.ClearQueue(ctx, "q1"); err != nil {
		t.Fatalf("clearQueue failed: %v", err)
	}
	items, err := b.GetQueueItems(ctx, "q1")
	if err != nil {
		t.Fatalf("getQueueItems failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty queue, got %d items", len(items))
	}
}

func TestGetQueuesByRoutingKey(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	if _, err := b.CreateQueue(ctx, "east1", "East 1", map[string]interface{}{"routingKey": "east"}, nopHooks()); err != nil {
		t.Fatalf("createQueue failed: %v", err)
	}
	if _, err := b.CreateQueue(ctx, "west1", "West 1", map[string]interface{}{"routingKey": "west"}, nopHooks()); err != nil {
		t.Fatalf("createQueue failed: %v", err)
	}
	matched, err := b.GetQueuesByRoutingKey(ctx, "east")
	if err != nil {
		t.Fatalf("getQueuesByRoutingKey failed: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "east1" {
		t.Errorf("expected only east1, got %+v", matched)
	}
}
