package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rzbill/orchq/internal/eventlog"
	"github.com/rzbill/orchq/internal/queue"
	queuesvc "github.com/rzbill/orchq/internal/services/queues"
)

// Helper functions for common HTTP responses

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeJSONStatus writes a JSON response with an explicit status code.
func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeNoContent writes a 204 No Content response.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps queue errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrStoreUnavailable), errors.Is(err, queue.ErrClosed), errors.Is(err, eventlog.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrInvalidScope), errors.Is(err, queuesvc.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrLeaseLost):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeQueueError writes err with the status statusFor picks.
func writeQueueError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// pathKey reads the {fingerprint} path parameter as a plain key. A
// fingerprint is itself a key that fingerprints to the same item.
func pathKey(r *http.Request) (queue.QueryKey, bool) {
	raw := chi.URLParam(r, "fingerprint")
	fp, err := url.PathUnescape(raw)
	if err != nil || fp == "" {
		return queue.QueryKey{}, false
	}
	return queue.Key(fp), true
}

// parseDuration accepts Go durations ("5s") or raw milliseconds.
//
// Returns 0 for empty strings or invalid values.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}

// parseBool parses a boolean string and returns the boolean value.
//
// Returns true for "true" or "1", false otherwise.
func parseBool(s string) bool {
	return s == "true" || s == "1"
}
