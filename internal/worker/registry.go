package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rzbill/orchq/internal/queue"
)

// Job is one leased item handed to a Handler.
type Job struct {
	Scope        string
	Fingerprint  string
	ProcessingID string
	Attempt      int
	Definition   queue.Definition

	conn *queue.Connection
}

// Update merges patch into the item's extra metadata.
func (j *Job) Update(ctx context.Context, patch map[string]any) (bool, error) {
	return j.conn.OptimisticQueryUpdate(ctx, queue.Key(j.Fingerprint), patch, j.ProcessingID)
}

// Handler runs a job and returns its JSON result. Errors wrapped with
// Retryable give the lease back for another attempt; any other error
// completes the item with an error result.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}

// Registry maps handler names to Handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h. Names are unique.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return errors.New("worker: handler name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("worker: handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
