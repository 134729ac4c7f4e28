// Package hooks implements the before/after hook pipeline (spec §4.3)
// that wraps every mutating broker operation.
package hooks

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/queuemanager/broker/internal/qmerrors"
)

// MaxHooksPerOperation caps the number of before/after hooks accepted per
// call (spec §4.3 rule 2). Clamp drops the excess and reports how many
// hooks it dropped; no warning is logged, and the broker's callers
// discard those counts.
const MaxHooksPerOperation = 10

// DefaultTimeout is the per-hook execution budget (spec §4.3 rule 3).
const DefaultTimeout = 5 * time.Second

// Context is the metadata handed to every hook invocation (spec §4.3).
type Context struct {
	Operation string
	HookType  string // "beforeAction" or "afterAction"
	Index     int
	Timestamp time.Time
	Version   int
}

// Hook is a single before/after callback. item is the payload the
// operation is mutating (an `*model.Item`, a `*model.Queue`, or nil for
// queue-level operations without a single-item subject).
type Hook func(ctx context.Context, item interface{}, queueID string, hookCtx Context) error

// Set bundles the before/after hook lists a caller attaches to one
// operation (spec §9: replaces the heterogeneous options object with a
// typed struct).
type Set struct {
	Before []Hook
	After  []Hook
}

// Clamp truncates Before/After to MaxHooksPerOperation, returning the
// truncated set and counts of hooks dropped from each list.
func (s Set) Clamp() (clamped Set, droppedBefore, droppedAfter int) {
	clamped.Before, droppedBefore = clampList(s.Before)
	clamped.After, droppedAfter = clampList(s.After)
	return
}

func clampList(hooks []Hook) ([]Hook, int) {
	if len(hooks) <= MaxHooksPerOperation {
		return hooks, 0
	}
	return hooks[:MaxHooksPerOperation], len(hooks) - MaxHooksPerOperation
}

// RunBefore executes the before-hook sequence. A failure here must abort
// the operation before any state changes (spec §4.3 rule 4): callers run
// RunBefore before touching cache or Redis.
func RunBefore(ctx context.Context, hooks []Hook, operation string, item interface{}, queueID string, version int) error {
	return run(ctx, hooks, "beforeAction", operation, item, queueID, version)
}

// RunAfter executes the after-hook sequence. A failure here is surfaced
// to the caller but the operation's state change has already committed
// (spec §4.3 rule 5) — callers run RunAfter after persisting state and
// propagate (not abort on) its error.
func RunAfter(ctx context.Context, hooks []Hook, operation string, item interface{}, queueID string, version int) error {
	return run(ctx, hooks, "afterAction", operation, item, queueID, version)
}

func run(ctx context.Context, hookList []Hook, hookType, operation string, item interface{}, queueID string, version int) error {
	for i, h := range hookList {
		hookCtx := Context{
			Operation: operation,
			HookType:  hookType,
			Index:     i,
			Timestamp: time.Now().UTC(),
			Version:   version,
		}
		if err := invokeWithTimeout(ctx, h, item, queueID, hookCtx); err != nil {
			return qmerrors.Hook(operation, hookType, i, err)
		}
	}
	return nil
}

// invokeWithTimeout runs a single hook under DefaultTimeout with panic
// recovery so a panicking caller-supplied hook degrades to an error
// instead of taking down the broker (spec §7's supplemented panic-guard
// pattern).
func invokeWithTimeout(ctx context.Context, h Hook, item interface{}, queueID string, hookCtx Context) error {
	hookCtx2, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &qmerrors.PanicError{Value: r, Stacktrace: string(debug.Stack())}
			}
		}()
		done <- h(hookCtx2, item, queueID, hookCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-hookCtx2.Done():
		return hookCtx2.Err()
	}
}
