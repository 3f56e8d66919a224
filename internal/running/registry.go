package running

import (
	"sync"

	"github.com/loykin/histd/internal/history"
)

// Registry tracks commands between StartHistory and EndHistory.
// It is memory only; a daemon restart forgets every in-flight command.
type Registry struct {
	mu      sync.Mutex
	entries map[string]history.Running
}

func New() *Registry {
	return &Registry{entries: make(map[string]history.Running)}
}

// Insert stores cmd under id, replacing any previous entry.
func (r *Registry) Insert(id string, cmd history.Running) {
	r.mu.Lock()
	r.entries[id] = cmd
	r.mu.Unlock()
}

// Remove atomically takes the entry for id. The second result is false
// when id is unknown.
func (r *Registry) Remove(id string) (history.Running, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return cmd, ok
}

// Len reports the number of in-flight commands.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
