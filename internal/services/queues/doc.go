// Package queuesvc implements the queue facade consumed by the gRPC and HTTP
// transports. It keeps one connection per scope and adds a CEL filter over
// item definitions to stage introspection.
//
// Example:
//
//	svc := queuesvc.New(driver, logger)
//	_, _ = svc.Enqueue(ctx, "reports", queue.EnqueueRequest{Key: queue.Key("r-1"), Handler: "render"})
//	st, _ := svc.StageState(ctx, "reports", queuesvc.StageQuery{Filter: `handler == "render" && priority > 5`})
package queuesvc
