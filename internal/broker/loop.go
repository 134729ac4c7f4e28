package broker

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/queuemanager/broker/internal/logger"
	"github.com/queuemanager/broker/internal/qmerrors"
)

// Tick intervals for the broker's background loops (spec §4.5, §4.6).
const (
	schedulerTickInterval   = 1 * time.Second
	timeoutTickInterval     = 1 * time.Second
	maintenanceTickInterval = 1 * time.Minute
)

// Loop runs tick on a ticker until Stop is called, recovering from a
// panicking tick instead of taking down the broker (adapted from the
// teacher's worker-pool ticker+panic-recovery pattern).
type Loop struct {
	name   string
	stopCh chan struct{}
	doneCh chan struct{}
}

// StartLoop launches a named background loop and returns a handle to
// stop it.
func StartLoop(ctx context.Context, log logger.Logger, name string, interval time.Duration, tick func(ctx context.Context)) *Loop {
	l := &Loop{name: name, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	go l.run(ctx, log, interval, tick)
	return l
}

func (l *Loop) run(ctx context.Context, log logger.Logger, interval time.Duration, tick func(ctx context.Context)) {
	defer close(l.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.safeTick(ctx, log, tick)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) safeTick(ctx context.Context, log logger.Logger, tick func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("background loop tick panicked", "loop", l.name, "error", &qmerrors.PanicError{Value: r, Stacktrace: string(debug.Stack())})
		}
	}()
	tick(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}
