package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rzbill/orchq/internal/eventlog"
)

// sseSink writes journal entries as Server-Sent Events.
type sseSink struct {
	w http.ResponseWriter
	r *http.Request
}

func newSSESink(w http.ResponseWriter, r *http.Request) sseSink {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return sseSink{w: w, r: r}
}

// Send writes one entry. The SSE id is the journal sequence, so a client that
// reconnects can pass it back as after.
func (s sseSink) Send(e eventlog.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, b)
	return err
}

// Context returns the request context for cancellation.
func (s sseSink) Context() context.Context {
	return s.r.Context()
}

// Flush pushes buffered events to the client.
func (s sseSink) Flush() error {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
