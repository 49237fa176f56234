// Package attribution answers "which symbol is this call for" inside analysis
// tool helpers that are shared by concurrently running jobs.
//
// The context value (WithSymbol/FromContext) is the primary mechanism. The
// Registry exists as a compatibility shim for legacy call sites that cannot
// take a context: it scopes a binding to the calling goroutine so concurrent
// jobs never contaminate each other's attributed tool calls, which is exactly
// the failure mode a single shared "current symbol" global would reintroduce.
package attribution

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Registry maps goroutine identity to the symbol that goroutine's job is
// analyzing, with a process-wide last-active fallback for callers that run
// outside any job goroutine.
type Registry struct {
	mu       sync.Mutex
	bindings map[uint64]string

	lastMu     sync.RWMutex
	lastActive string

	// selection reports the UI-selected symbol, the final fallback. Optional.
	selection func() string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[uint64]string)}
}

// SetSelectionFallback installs the UI-selection fallback used as the last
// resolution step. Must be called before workers start.
func (r *Registry) SetSelectionFallback(fn func() string) {
	r.selection = fn
}

// Bind associates the calling goroutine with symbol, overwriting any prior
// binding for this goroutine, and records it as the last active symbol.
func (r *Registry) Bind(symbol string) {
	id := gid()
	r.mu.Lock()
	r.bindings[id] = symbol
	r.mu.Unlock()

	r.lastMu.Lock()
	r.lastActive = symbol
	r.lastMu.Unlock()
}

// Current returns the calling goroutine's binding, if any.
func (r *Registry) Current() (string, bool) {
	id := gid()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bindings[id]
	return s, ok
}

// Clear removes the calling goroutine's binding. Jobs defer this so the
// binding is released on every exit path.
func (r *Registry) Clear() {
	id := gid()
	r.mu.Lock()
	delete(r.bindings, id)
	r.mu.Unlock()
}

// ResolveCurrentSymbol resolves the ambient symbol for callers that were not
// handed one explicitly: the calling goroutine's own binding wins, then the
// process-wide last active symbol, then the UI selection. Per-goroutine
// bindings must win so concurrent jobs stay isolated.
func (r *Registry) ResolveCurrentSymbol() (string, bool) {
	if s, ok := r.Current(); ok {
		return s, true
	}
	r.lastMu.RLock()
	last := r.lastActive
	r.lastMu.RUnlock()
	if last != "" {
		return last, true
	}
	if r.selection != nil {
		if s := r.selection(); s != "" {
			return s, true
		}
	}
	return "", false
}

// ActiveBindings returns a copy of all live goroutine bindings, for
// diagnostics.
func (r *Registry) ActiveBindings() map[uint64]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64]string, len(r.bindings))
	for k, v := range r.bindings {
		out[k] = v
	}
	return out
}

var goroutinePrefix = []byte("goroutine ")

// gid extracts the calling goroutine's id from its stack header. The format
// ("goroutine N [...") is stable across Go releases; there is no public API
// for goroutine identity.
func gid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
