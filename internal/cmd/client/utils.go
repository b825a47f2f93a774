package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rzbill/orchq/internal/cmd/client/transports"
)

// grpcAddrFromEnv returns the gRPC server address from ORCHQ_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("ORCHQ_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:50051"
}

// dialGRPCContext dials the orchq gRPC endpoint with insecure transport for local/dev.
func dialGRPCContext(_ context.Context) (*grpc.ClientConn, error) {
	return grpc.NewClient(grpcAddrFromEnv(), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func getTransport() transports.QueueTransport {
	return transports.NewGrpcTransport(dialGRPCContext)
}

// parseKey turns a --key value into its JSON form. Values that already look
// like JSON (a quoted string or an array) pass through; anything else is a
// plain key.
func parseKey(s string) (json.RawMessage, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("--key is required")
	}
	if s[0] == '[' || s[0] == '"' {
		if !json.Valid([]byte(s)) {
			return nil, fmt.Errorf("invalid --key: not valid JSON")
		}
		return json.RawMessage(s), nil
	}
	b, _ := json.Marshal(s)
	return b, nil
}

// parseJSONFlag validates an optional JSON flag value.
func parseJSONFlag(name, s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("invalid --%s: not valid JSON", name)
	}
	return json.RawMessage(s), nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
