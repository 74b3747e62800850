// Package registry holds the static roster of declared MCP servers and
// their mutable process state, keyed by name.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/OmegaTeee/mcp-agenthub-sub000/config"
)

// Status is the lifecycle state of one declared server's process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusFailed   Status = "failed"
)

// Entry is one declared server's static declaration plus its mutable
// process state. Every field below Declaration is guarded by mu.
type Entry struct {
	Declaration config.ServerDeclaration

	mu             sync.RWMutex
	status         Status
	pid            int
	restartCount   int
	lastError      string
	startedAt      time.Time
	lastActivityAt time.Time
}

// Snapshot is an immutable point-in-time copy of an Entry's state, safe
// to hand to callers outside the registry's lock.
type Snapshot struct {
	Name           string
	Declaration    config.ServerDeclaration
	Status         Status
	Pid            int
	RestartCount   int
	LastError      string
	StartedAt      time.Time
	LastActivityAt time.Time
}

// Registry holds one Entry per declared server name. The map's key set is
// built at construction and changes only when Reconcile applies a config
// reload; mapMu guards the map in Get, List, AutoStartSet and Reconcile.
type Registry struct {
	mapMu   sync.RWMutex
	entries map[string]*Entry
}

// New builds a Registry from a list of server declarations, rejecting
// the whole configuration if any declaration is ill-formed.
func New(decls []config.ServerDeclaration) (*Registry, error) {
	entries := make(map[string]*Entry, len(decls))
	for _, d := range decls {
		if d.Name == "" {
			return nil, fmt.Errorf("server declaration missing name")
		}
		if d.Command == "" {
			return nil, fmt.Errorf("server %q missing command", d.Name)
		}
		if _, exists := entries[d.Name]; exists {
			return nil, fmt.Errorf("duplicate server name: %q", d.Name)
		}
		entries[d.Name] = &Entry{Declaration: d, status: StatusStopped}
	}
	return &Registry{entries: entries}, nil
}

// Get returns the entry snapshot for name, or false if no such server was
// declared.
func (r *Registry) Get(name string) (Snapshot, bool) {
	r.mapMu.RLock()
	e, ok := r.entries[name]
	r.mapMu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(name), true
}

// List returns a snapshot of every declared server, in no particular
// order.
func (r *Registry) List() []Snapshot {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	out := make([]Snapshot, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, e.snapshot(name))
	}
	return out
}

// AutoStartSet returns the declarations with auto_start set, the set the
// supervisor launches at boot.
func (r *Registry) AutoStartSet() []config.ServerDeclaration {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	var out []config.ServerDeclaration
	for _, e := range r.entries {
		if e.Declaration.AutoStart {
			out = append(out, e.Declaration)
		}
	}
	return out
}

// Reconcile replaces the declared roster with decls, returning the names
// newly added and the names removed. Entries whose declaration is
// unchanged keep their existing process state; new entries start Stopped.
// Callers are responsible for starting added auto-start entries and
// stopping removed ones before dropping their last reference.
func (r *Registry) Reconcile(decls []config.ServerDeclaration) (added, removed []string, err error) {
	next := make(map[string]config.ServerDeclaration, len(decls))
	for _, d := range decls {
		if d.Name == "" {
			return nil, nil, fmt.Errorf("server declaration missing name")
		}
		if d.Command == "" {
			return nil, nil, fmt.Errorf("server %q missing command", d.Name)
		}
		if _, dup := next[d.Name]; dup {
			return nil, nil, fmt.Errorf("duplicate server name: %q", d.Name)
		}
		next[d.Name] = d
	}

	r.mapMu.Lock()
	defer r.mapMu.Unlock()

	for name, d := range next {
		if e, ok := r.entries[name]; ok {
			e.mu.Lock()
			e.Declaration = d
			e.mu.Unlock()
			continue
		}
		r.entries[name] = &Entry{Declaration: d, status: StatusStopped}
		added = append(added, name)
	}
	for name := range r.entries {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	for _, name := range removed {
		delete(r.entries, name)
	}
	return added, removed, nil
}

// SetStatus transitions name's status, stamping started_at and
// last_activity_at on a move to Running. It never changes restart_count;
// ResetRestartCount and IncrementRestart do.
func (r *Registry) SetStatus(name string, status Status) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
	switch status {
	case StatusRunning:
		e.startedAt = time.Now()
		e.lastActivityAt = e.startedAt
	}
}

// ResetRestartCount zeroes name's restart counter; called on a manually
// requested start.
func (r *Registry) ResetRestartCount(name string) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restartCount = 0
}

// IncrementRestart bumps name's restart counter and returns the new value.
func (r *Registry) IncrementRestart(name string) int {
	e, ok := r.entries[name]
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restartCount++
	return e.restartCount
}

// SetPid records the child's process id, or 0 to clear it.
func (r *Registry) SetPid(name string, pid int) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pid = pid
}

// SetLastError records the most recent non-fatal launch or exit reason.
func (r *Registry) SetLastError(name, msg string) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = msg
}

// Touch records activity against name, used for observability.
func (r *Registry) Touch(name string) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivityAt = time.Now()
}

func (e *Entry) snapshot(name string) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		Name:           name,
		Declaration:    e.Declaration,
		Status:         e.status,
		Pid:            e.pid,
		RestartCount:   e.restartCount,
		LastError:      e.lastError,
		StartedAt:      e.startedAt,
		LastActivityAt: e.lastActivityAt,
	}
}
