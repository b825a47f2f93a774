package queue

import (
	"context"
	"fmt"
	"time"
)

// GetResultBlocking waits until an outcome is published for key or timeout
// elapses. A timeout is reported as WaitTimedOut, not as an error. A zero
// timeout uses ContinueWaitTimeout.
func (c *Connection) GetResultBlocking(ctx context.Context, key QueryKey, timeout time.Duration) (WaitResult, error) {
	if timeout <= 0 {
		timeout = c.d.cfg.ContinueWaitTimeout
	}
	fp := Fingerprint(key)
	start := time.Now()
	res, err := c.wait(ctx, fp, timeout)
	if err != nil {
		return WaitResult{}, err
	}
	c.d.rec.WaitFinished(c.scope, res.Status, time.Since(start))
	return res, nil
}

func (c *Connection) wait(ctx context.Context, fp string, timeout time.Duration) (WaitResult, error) {
	// Subscribe before the first read so a publish between the two is not missed.
	var sub Subscription
	err := c.d.guard(c.scope, "subscribe", func() (err error) {
		sub, err = c.d.store.Subscribe(ctx, c.scope, fp)
		return err
	})
	if err != nil {
		return WaitResult{}, fmt.Errorf("subscribe %s: %w", fp, err)
	}
	defer sub.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		o, err := c.result(ctx, fp)
		if err != nil {
			return WaitResult{}, err
		}
		if o != nil {
			return resultFromOutcome(o), nil
		}
		select {
		case <-sub.C():
		case <-timer.C:
			return WaitResult{Status: WaitTimedOut}, nil
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		}
	}
}
