// Package httpserver exposes the orchq queue operations as a JSON REST API
// routed with chi. Items live under /v1/scopes/{scope}/items/{fingerprint};
// the lifecycle journal is under /v1/scopes/{scope}/events, with an SSE tail at
// /events/stream. /v1/healthz and /metrics sit at the root.
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
