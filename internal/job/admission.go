package job

import (
	"context"
	"time"
)

// admission bounds concurrent executions. A request waits up to maxWait for
// a slot before being turned away.
type admission struct {
	slots   chan struct{}
	maxWait time.Duration
}

func newAdmission(n int, maxWait time.Duration) *admission {
	if n <= 0 {
		n = 1
	}
	return &admission{slots: make(chan struct{}, n), maxWait: maxWait}
}

// acquire reserves a slot and returns its release func.
func (a *admission) acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	// fast path
	select {
	case a.slots <- struct{}{}:
		return a.release, nil
	default:
	}
	if a.maxWait <= 0 {
		return func() {}, tooBusyError{}
	}
	timer := time.NewTimer(a.maxWait)
	defer timer.Stop()
	select {
	case a.slots <- struct{}{}:
		return a.release, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, tooBusyError{}
	}
}

func (a *admission) release() { <-a.slots }

func (a *admission) inflight() int { return len(a.slots) }

func (a *admission) capacity() int { return cap(a.slots) }
