package session

import (
	"errors"
	"fmt"
	"sync"

	"ai-summary/internal/models"
)

// ErrUnknownSession indicates the requested session is not registered.
var ErrUnknownSession = errors.New("unknown session")

// ErrDuplicateSession indicates an attempt to register the same session twice.
var ErrDuplicateSession = errors.New("session already registered")

// Handle is the part of a live session the registry needs.
type Handle interface {
	ID() string
	Cancel()
}

type entry struct {
	handle   Handle
	consumer string
}

// Registry tracks open sessions per consumer and the last finished result.
// A consumer has at most one open session: beginning a new one cancels the
// previous one.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]entry
	byConsumer map[string]string
	last       *models.Result
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]entry),
		byConsumer: make(map[string]string),
	}
}

// Begin registers h for consumer and returns the session it superseded, if
// any. The superseded session has already been cancelled.
func (r *Registry) Begin(consumer string, h Handle) (Handle, error) {
	if h == nil {
		return nil, errors.New("session must not be nil")
	}

	r.mu.Lock()
	if _, exists := r.sessions[h.ID()]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, h.ID())
	}

	var previous Handle
	if consumer != "" {
		if prevID, ok := r.byConsumer[consumer]; ok {
			previous = r.sessions[prevID].handle
			delete(r.sessions, prevID)
		}
		r.byConsumer[consumer] = h.ID()
	}
	r.sessions[h.ID()] = entry{handle: h, consumer: consumer}
	r.mu.Unlock()

	if previous != nil {
		previous.Cancel()
	}
	return previous, nil
}

// Lookup returns the open session with the given id.
func (r *Registry) Lookup(id string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return e.handle, nil
}

// Cancel requests a stop of the session with the given id. It does not wait.
func (r *Registry) Cancel(id string) error {
	h, err := r.Lookup(id)
	if err != nil {
		return err
	}
	h.Cancel()
	return nil
}

// End removes the session. Ending an unknown or superseded session is a no-op.
func (r *Registry) End(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if e.consumer != "" && r.byConsumer[e.consumer] == id {
		delete(r.byConsumer, e.consumer)
	}
}

// Open returns the number of open sessions.
func (r *Registry) Open() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CancelAll stops every open session.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.sessions))
	for _, e := range r.sessions {
		handles = append(handles, e.handle)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// SetLast records the most recent result.
func (r *Registry) SetLast(result *models.Result) {
	if result == nil {
		return
	}
	copied := *result
	r.mu.Lock()
	r.last = &copied
	r.mu.Unlock()
}

// Last returns the most recent result, or nil.
func (r *Registry) Last() *models.Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return nil
	}
	copied := *r.last
	return &copied
}
