package signalr

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/satriahrh/voxlink/internal/dynamic"
)

// CompletionError is delivered to a pending invocation when the server
// answers with an error or the connection drops before it answers.
type CompletionError struct {
	InvocationID string
	Message      string
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("invocation %s failed: %s", e.InvocationID, e.Message)
}

// CompletionFunc receives the outcome of an invocation. Exactly one of result
// and err is meaningful.
type CompletionFunc func(result dynamic.Value, err error)

// CallbackRegistry correlates outgoing invocations with their completions.
// Register runs on the caller's goroutine while Invoke and Clear run on the
// receive loop, so every map access goes through mu. Callbacks are always
// run outside the lock.
type CallbackRegistry struct {
	mu        sync.Mutex
	callbacks map[string]CompletionFunc
	counter   atomic.Uint64
}

// NewCallbackRegistry creates an empty registry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{
		callbacks: make(map[string]CompletionFunc),
	}
}

// Register stores fn under a fresh id and returns the id.
func (r *CallbackRegistry) Register(fn CompletionFunc) string {
	id := strconv.FormatUint(r.counter.Add(1), 10)

	r.mu.Lock()
	r.callbacks[id] = fn
	r.mu.Unlock()

	return id
}

// Invoke runs the callback registered under id. It reports whether one was
// found.
func (r *CallbackRegistry) Invoke(id string, result dynamic.Value, err error, removeAfter bool) bool {
	r.mu.Lock()
	fn, ok := r.callbacks[id]
	if ok && removeAfter {
		delete(r.callbacks, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if fn != nil {
		fn(result, err)
	}
	return true
}

// Remove drops the callback registered under id without running it.
func (r *CallbackRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.callbacks[id]; !ok {
		return false
	}
	delete(r.callbacks, id)
	return true
}

// Clear fails every pending callback with msg and empties the registry.
func (r *CallbackRegistry) Clear(msg string) {
	r.mu.Lock()
	pending := r.callbacks
	r.callbacks = make(map[string]CompletionFunc)
	r.mu.Unlock()

	for id, fn := range pending {
		if fn != nil {
			fn(dynamic.Null(), &CompletionError{InvocationID: id, Message: msg})
		}
	}
}

// Len returns the number of pending callbacks.
func (r *CallbackRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}
