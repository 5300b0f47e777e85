package worker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownJobKey   = errors.New("worker: no job registered for key")
	ErrDuplicateJobKey = errors.New("worker: job key already registered")
	ErrInvalidJobKey   = errors.New("worker: job key must not be empty")
)

// Registry maps job keys to the code that runs them. Safe for concurrent
// use.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]JobFunc
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]JobFunc)}
}

// Register adds fn under key.
func (r *Registry) Register(key string, fn JobFunc) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidJobKey
	}
	if fn == nil {
		return fmt.Errorf("worker: nil job func for key %q", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[key]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateJobKey, key)
	}
	r.jobs[key] = fn
	return nil
}

// MustRegister is Register that panics, for wiring at startup.
func (r *Registry) MustRegister(key string, fn JobFunc) {
	if err := r.Register(key, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(key string) (JobFunc, error) {
	r.mu.RLock()
	fn, ok := r.jobs[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobKey, key)
	}
	return fn, nil
}

// Keys lists registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.jobs))
	for k := range r.jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
