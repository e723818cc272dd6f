package router

import (
	"sort"
	"sync"

	rtsup "tgrelay/internal/runtime/supervisor"
)

// SupervisorRegistry collects the supervisors of running subsystems so
// /status can report on them.
type SupervisorRegistry struct {
	mu sync.RWMutex
	m  map[string]*rtsup.Supervisor
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{m: map[string]*rtsup.Supervisor{}}
}

// Set registers sup under name; a nil sup removes the entry.
func (r *SupervisorRegistry) Set(name string, sup *rtsup.Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *SupervisorRegistry) Delete(name string) { r.Set(name, nil) }

type NamedSnapshot struct {
	Name string
	rtsup.Snapshot
}

// Snapshots returns every registered supervisor's state, sorted by name.
func (r *SupervisorRegistry) Snapshots() []NamedSnapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]NamedSnapshot, 0, len(r.m))
	for name, sup := range r.m {
		out = append(out, NamedSnapshot{Name: name, Snapshot: sup.Snapshot()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
