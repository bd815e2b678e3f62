package task

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrDuplicateTask = errors.New("task already exists")
	ErrTaskNotFound  = errors.New("task not found")
)

// Registry is the single source of truth for live tasks. One coarse mutex
// guards the map; every operation is O(1), so contention is not a concern —
// correctness under concurrent creation is.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Lock
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Lock)}
}

func (r *Registry) Create(id string) (*Lock, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("task id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; ok {
		return nil, ErrDuplicateTask
	}
	l := NewLock(id)
	r.tasks[id] = l
	return l, nil
}

// GetOrCreate returns the existing Lock for id, creating one if absent. Two
// concurrent callers with the same id observe the same Lock; the bool reports
// whether this call created it.
func (r *Registry) GetOrCreate(id string) (*Lock, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, errors.New("task id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.tasks[id]; ok {
		return l, false, nil
	}
	l := NewLock(id)
	r.tasks[id] = l
	return l, true, nil
}

func (r *Registry) Get(id string) (*Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.tasks[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return l, nil
}

// Delete removes the entry. Callers must have already torn the Lock down.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, strings.TrimSpace(id))
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// IDs returns live task ids in sorted order, for diagnostics and shutdown.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
