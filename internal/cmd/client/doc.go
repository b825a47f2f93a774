// Package client provides the `orchq` command-line client.
//
// The CLI talks to the orchq gRPC endpoint to drive work queues from a
// terminal. It is primarily intended for developers and operators.
//
// Installation
//
//	go install github.com/rzbill/orchq/cmd/orchq@latest
//
// # Address configuration
//
// The gRPC address is read from the ORCHQ_GRPC environment variable
// (default 127.0.0.1:50051).
//
// Usage
//
//	orchq queue enqueue --scope reports --key '["render",["acme",2024]]' \
//	    --handler render --args '{"format":"pdf"}' --priority 5
//
//	orchq queue retrieve --scope reports --key '["render",["acme",2024]]'
//	orchq queue heartbeat --scope reports --key KEY --processing-id ID
//	orchq queue update --scope reports --key KEY --patch '{"progress":40}'
//	orchq queue complete --scope reports --key KEY --processing-id ID --result '{"pages":7}'
//	orchq queue wait --scope reports --key KEY --timeout 1m
//
//	orchq queue stage --scope reports --filter 'priority > 3'
//	orchq queue inspect --scope reports
//	orchq health
//
// Notes
//
//   - --key accepts a plain string, the fingerprint printed by enqueue, or a
//     JSON array for composite keys.
//   - wait exits once the result is published, the item is cancelled, or the
//     timeout passes; the printed status says which.
package client
