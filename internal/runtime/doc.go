// Package runtime wires configuration, the selected queue backend, metrics,
// lifecycle events, the reconciler and an optional worker pool into one orchq
// instance. It exposes Open/Close, a health check and the queue service the
// transports are built on.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: cfg, Logger: logger})
//	defer rt.Close()
//	_ = rt.CheckHealth(ctx)
//	_, _ = rt.Service().Enqueue(ctx, "reports", queue.EnqueueRequest{Key: queue.Key("r-1"), Handler: "render"})
package runtime
