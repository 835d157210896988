package reconciler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

const defaultInterval = 30 * time.Second

// Start runs the loop in the background. Stop ends it.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return ErrRunning
	}
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	r.ensureTrigger()
	stop, done := r.stopCh, r.done
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer close(done)
		defer cancel()
		r.Run(ctx)
	}()
	return nil
}

// Stop ends a loop started with Start and waits for the current pass.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	stop, done := r.stopCh, r.done
	r.stopCh, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Trigger asks the loop for a pass now. Extra triggers while one is pending
// are dropped.
func (r *Reconciler) Trigger() {
	r.mu.Lock()
	ch := r.ensureTrigger()
	r.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *Reconciler) ensureTrigger() chan struct{} {
	if r.trigger == nil {
		r.trigger = make(chan struct{}, 1)
	}
	return r.trigger
}

// Run passes immediately and then every Interval until ctx is done. With a
// Locker, passes only run while this process holds leadership.
func (r *Reconciler) Run(ctx context.Context) {
	if l := r.Options.Locker; l != nil {
		for ctx.Err() == nil {
			l.LeaderGuard(ctx, r.Options.LeaderKey, r.interval(), func(lctx context.Context) {
				r.Log.Info().Str("key", r.Options.LeaderKey).Msg("reconciliation leadership acquired")
				r.loop(lctx)
			})
			if ctx.Err() == nil {
				r.Log.Warn().Msg("reconciliation leadership lost")
				r.pause(ctx, time.Second)
			}
		}
		return
	}
	r.loop(ctx)
}

func (r *Reconciler) loop(ctx context.Context) {
	r.mu.Lock()
	trigger := r.ensureTrigger()
	r.mu.Unlock()

	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	r.safePass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-trigger:
		}
		r.safePass(ctx)
	}
}

func (r *Reconciler) safePass(ctx context.Context) {
	defer func() {
		if v := recover(); v != nil {
			r.Log.Error().Str("panic", fmt.Sprint(v)).Bytes("stack", debug.Stack()).Msg("reconciliation pass panicked")
		}
	}()
	r.Pass(ctx)
}

func (r *Reconciler) interval() time.Duration {
	if r.Options.Interval > 0 {
		return r.Options.Interval
	}
	return defaultInterval
}

func (r *Reconciler) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
