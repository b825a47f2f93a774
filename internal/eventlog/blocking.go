package eventlog

import (
	"context"
	"time"
)

// appended returns a channel closed by the next Append.
func (l *Log) appended() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}

// WaitForAppend blocks until a new append occurs, the timeout elapses or ctx
// ends. It returns true if woken by an append.
func (l *Log) WaitForAppend(ctx context.Context, timeout time.Duration) bool {
	return waitOn(ctx, l.appended(), timeout)
}

func waitOn(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
