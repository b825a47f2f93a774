package queue

import "time"

// Config tunes a Driver. Zero fields take the DefaultConfig value.
type Config struct {
	// Concurrency is the maximum number of active leases per scope.
	Concurrency int
	// ContinueWaitTimeout is the GetResultBlocking timeout when none is given.
	ContinueWaitTimeout time.Duration
	// OrphanTimeout applies to items enqueued without their own timeout.
	OrphanTimeout time.Duration
	// StallTimeout is how long a never-retrieved item may stay pending.
	StallTimeout time.Duration
	// HeartbeatInterval is advisory for lease holders.
	HeartbeatInterval time.Duration
	// ResultTTL is how long outcomes stay readable after completion.
	ResultTTL time.Duration
	// MaxAttempts bounds lease acquisitions per item before FreeProcessingLock
	// and the reconciler cancel instead of requeueing. Zero means unlimited.
	MaxAttempts int
}

// DefaultConfig returns the defaults used for zero Config fields.
func DefaultConfig() Config {
	return Config{
		Concurrency:         2,
		ContinueWaitTimeout: 5 * time.Second,
		OrphanTimeout:       120 * time.Second,
		StallTimeout:        time.Minute,
		HeartbeatInterval:   15 * time.Second,
		ResultTTL:           10 * time.Minute,
		MaxAttempts:         3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.ContinueWaitTimeout <= 0 {
		c.ContinueWaitTimeout = d.ContinueWaitTimeout
	}
	if c.OrphanTimeout <= 0 {
		c.OrphanTimeout = d.OrphanTimeout
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = d.ResultTTL
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	return c
}
