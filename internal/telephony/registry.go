package telephony

import (
	"sync"
	"time"
)

// Registry tracks live calls by carrier id so push notifications can find
// their handle.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*Call
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Call)}
}

// Track registers a live call. The entry is dropped once the call ends.
func (r *Registry) Track(call *Call) {
	r.mu.Lock()
	r.calls[call.ExternalID] = call
	r.mu.Unlock()

	go func() {
		<-call.Done()
		r.mu.Lock()
		if r.calls[call.ExternalID] == call {
			delete(r.calls, call.ExternalID)
		}
		r.mu.Unlock()
	}()
}

// Lookup returns the live call for externalID.
func (r *Registry) Lookup(externalID string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[externalID]
	return call, ok
}

// Notify applies a carrier notification. known is false for calls this
// process does not track; applied is false for duplicates.
func (r *Registry) Notify(externalID string, status Status, at time.Time) (known, applied bool) {
	call, ok := r.Lookup(externalID)
	if !ok {
		return false, false
	}
	return true, call.Apply(status, at)
}
