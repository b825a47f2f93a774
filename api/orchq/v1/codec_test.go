package orchqv1

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c)

	in := &EnqueueRequest{Scope: "s", Key: json.RawMessage(`["report",[1,"a"]]`), Priority: 4}
	b, err := c.Marshal(in)
	require.NoError(t, err)
	var out EnqueueRequest
	require.NoError(t, c.Unmarshal(b, &out))
	assert.Equal(t, "s", out.Scope)
	assert.JSONEq(t, `["report",[1,"a"]]`, string(out.Key))
	assert.Equal(t, int64(4), out.Priority)
}

func TestServiceDescriptors(t *testing.T) {
	names := make([]string, 0, len(QueueService_ServiceDesc.Methods))
	for _, m := range QueueService_ServiceDesc.Methods {
		names = append(names, m.MethodName)
	}
	assert.ElementsMatch(t, []string{
		"Enqueue", "Retrieve", "Heartbeat", "Update", "Complete", "Cancel", "Release",
		"Wait", "GetResult", "GetDefinition", "StageState", "Inspect", "NextProcessingId",
		"ReadEvents", "CommitEventCursor",
	}, names)
	assert.Equal(t, "Check", HealthService_ServiceDesc.Methods[0].MethodName)
}

func TestNilGetters(t *testing.T) {
	var r *RetrieveResponse
	assert.False(t, r.GetAcquired())
	var w *WaitResponse
	assert.Empty(t, w.GetStatus())
	var h *HealthCheckResponse
	assert.Empty(t, h.GetStatus())
}
