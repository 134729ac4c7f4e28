package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/queuemanager/broker/internal/events"
	"github.com/queuemanager/broker/internal/model"
	"github.com/queuemanager/broker/internal/qmerrors"
	"github.com/queuemanager/broker/internal/store"
)

// FailurePolicy selects how markJobFailed treats an item's dependents
// (spec §4.5).
type FailurePolicy string

const (
	// FailurePolicyIndependent leaves dependents untouched.
	FailurePolicyIndependent FailurePolicy = "independent"
	// FailurePolicyFailDependents cascades the failure to every
	// transitive dependent.
	FailurePolicyFailDependents FailurePolicy = "fail_dependents"
)

// AddJobWithDependencies adds an item gated on a set of predecessor item
// ids. The item starts "waiting" if dependencies are non-empty, else
// "pending" (spec §4.5). The reverse index (predecessor -> dependents)
// is recorded so markJobCompleted/markJobFailed can promote or cascade.
func (b *Broker) AddJobWithDependencies(ctx context.Context, queueID string, data json.RawMessage, dependencyIDs []string) (*model.Item, error) {
	if err := b.waitReady(); err != nil {
		return nil, err
	}

	for _, dep := range dependencyIDs {
		if _, err := b.GetItem(ctx, queueID, dep); err != nil {
			return nil, qmerrors.Dependency("addJobWithDependencies", queueID, dep, "missing dependencies")
		}
	}

	it := model.NewItem("", data)
	it.Dependencies = dependencyIDs
	if len(dependencyIDs) > 0 {
		it.Status = model.StatusWaiting
		it.DependencyStatus = make(map[string]model.DependencyStatus, len(dependencyIDs))
		for _, dep := range dependencyIDs {
			it.DependencyStatus[dep] = model.DependencyStatus{}
		}
	}

	items, err := b.loadItems(ctx, queueID)
	if err != nil {
		return nil, err
	}
	items = append([]*model.Item{it}, items...)
	if err := b.saveItems(ctx, queueID, items); err != nil {
		return nil, err
	}

	for _, dep := range dependencyIDs {
		if err := b.addDependent(ctx, queueID, dep, it.ID); err != nil {
			return nil, err
		}
	}

	b.bus.Emit(events.JobAddedDependencies, queueID, map[string]interface{}{"itemId": it.ID, "dependencies": dependencyIDs})
	return it, nil
}

// MarkJobCompleted marks an item completed and promotes every dependent
// whose predecessors are now all satisfied (spec §4.5).
func (b *Broker) MarkJobCompleted(ctx context.Context, queueID, itemID string) error {
	if err := b.waitReady(); err != nil {
		return err
	}
	if _, err := b.UpdateItem(ctx, queueID, itemID, func(it *model.Item) {
		it.Status = model.StatusCompleted
	}, nopHooks()); err != nil {
		return err
	}
	b.bus.Emit(events.JobCompleted, queueID, map[string]interface{}{"itemId": itemID})

	dependents, err := b.dependentsOf(ctx, queueID, itemID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, depID := range dependents {
		_, err := b.UpdateItem(ctx, queueID, depID, func(it *model.Item) {
			st := it.DependencyStatus[itemID]
			st.Satisfied = true
			st.CompletedAt = &now
			it.DependencyStatus[itemID] = st
			if it.AllDependenciesSatisfied() && it.Status == model.StatusWaiting {
				it.Status = model.StatusPending
			}
		}, nopHooks())
		if err != nil {
			if qmerrors.KindOf(err) == qmerrors.KindNotFound {
				continue
			}
			return err
		}
		promoted, err := b.GetItem(ctx, queueID, depID)
		if err == nil && promoted.Status == model.StatusPending {
			b.bus.Emit(events.JobReady, queueID, map[string]interface{}{"itemId": depID})
		}
	}
	return nil
}

// MarkJobFailed marks an item failed, optionally cascading the failure
// to every transitive dependent (spec §4.5).
func (b *Broker) MarkJobFailed(ctx context.Context, queueID, itemID, reason string, policy FailurePolicy) error {
	if err := b.waitReady(); err != nil {
		return err
	}
	if _, err := b.UpdateItem(ctx, queueID, itemID, func(it *model.Item) {
		it.Status = model.StatusFailed
		it.FailureReason = reason
	}, nopHooks()); err != nil {
		return err
	}
	b.bus.Emit(events.JobFailed, queueID, map[string]interface{}{"itemId": itemID, "reason": reason})

	if policy != FailurePolicyFailDependents {
		return nil
	}
	return b.cascadeFailure(ctx, queueID, itemID, reason)
}

func (b *Broker) cascadeFailure(ctx context.Context, queueID, itemID, reason string) error {
	dependents, err := b.dependentsOf(ctx, queueID, itemID)
	if err != nil {
		return err
	}
	for _, depID := range dependents {
		_, err := b.UpdateItem(ctx, queueID, depID, func(it *model.Item) {
			if st, ok := it.DependencyStatus[itemID]; ok {
				st.Failed = true
				it.DependencyStatus[itemID] = st
			}
			it.Status = model.StatusFailed
			it.FailureReason = "dependency_failed"
		}, nopHooks())
		if err != nil {
			if qmerrors.KindOf(err) == qmerrors.KindNotFound {
				continue
			}
			return err
		}
		b.bus.Emit(events.JobFailed, queueID, map[string]interface{}{"itemId": depID, "reason": "cascaded from " + itemID})
		if err := b.cascadeFailure(ctx, queueID, depID, reason); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) addDependent(ctx context.Context, queueID, predecessorID, dependentID string) error {
	return b.store.Execute(ctx, "addDependent", func(ctx context.Context, c *redis.Client) error {
		return c.SAdd(ctx, store.DependenciesKey(queueID, predecessorID), dependentID).Err()
	})
}

func (b *Broker) dependentsOf(ctx context.Context, queueID, predecessorID string) ([]string, error) {
	var members []string
	err := b.store.Execute(ctx, "getDependents", func(ctx context.Context, c *redis.Client) error {
		var herr error
		members, herr = c.SMembers(ctx, store.DependenciesKey(queueID, predecessorID)).Result()
		return herr
	})
	return members, err
}
