package task

import (
	"context"
	"sync"
	"time"

	"github.com/LumeraProtocol/ledgernode/pkg/logtrace"
)

// Handle manages a running task with an optional watchdog.
// It ensures start and End are paired, logs start/end, and auto-ends on timeout.
type Handle struct {
	tr      *InMemoryTracker
	service string
	id      string
	cancel  context.CancelFunc
	stop    chan struct{}
	once    sync.Once
}

// StartCancelable derives a cancelable context from ctx, tracks the task with
// its cancel func and returns both. Ending the handle cancels the context;
// so does InMemoryTracker.CancelAll. A positive timeout bounds the context.
func StartCancelable(tr *InMemoryTracker, ctx context.Context, service, id string, timeout time.Duration) (context.Context, *Handle) {
	var (
		opCtx  context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		opCtx, cancel = context.WithCancel(ctx)
	}
	if tr == nil || service == "" || id == "" {
		return opCtx, &Handle{cancel: cancel}
	}
	tr.StartCancelable(service, id, cancel)
	logtrace.Debug(ctx, "task: started", logtrace.Fields{"service": service, logtrace.FieldTaskID: id})
	return opCtx, newHandle(ctx, tr, service, id, cancel, timeout)
}

func newHandle(ctx context.Context, tr *InMemoryTracker, service, id string, cancel context.CancelFunc, timeout time.Duration) *Handle {
	g := &Handle{tr: tr, service: service, id: id, cancel: cancel, stop: make(chan struct{})}
	if timeout > 0 {
		go func() {
			select {
			case <-time.After(timeout):
				g.endWith(ctx, true)
			case <-g.stop:
			}
		}()
	}
	return g
}

// End stops tracking the task. Safe to call multiple times.
func (g *Handle) End(ctx context.Context) {
	g.endWith(ctx, false)
}

// endWith ends the handle. If expired is true it warns, since the task
// outlived its watchdog.
func (g *Handle) endWith(ctx context.Context, expired bool) {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		if g.service == "" || g.id == "" {
			return
		}
		close(g.stop)
		if g.tr != nil {
			g.tr.End(g.service, g.id)
		}
		if expired {
			logtrace.Warn(ctx, "task: watchdog expired", logtrace.Fields{"service": g.service, logtrace.FieldTaskID: g.id})
		} else {
			logtrace.Debug(ctx, "task: ended", logtrace.Fields{"service": g.service, logtrace.FieldTaskID: g.id})
		}
	})
}
