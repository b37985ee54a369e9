package session

import (
	"context"
	"sync"
)

// Registry tracks the machines of live sessions. Adapters register a machine
// right after admission and unregister once its Run loop has exited; the
// server drains through CancelAll and Wait at shutdown.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*registered
	wg       sync.WaitGroup
}

type registered struct {
	machine *Machine
	once    sync.Once
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*registered),
	}
}

// Register inserts a machine under its session id and returns the matching
// unregister func. Registering the same id twice evicts the earlier entry.
func (r *Registry) Register(m *Machine) (unregister func()) {
	if r == nil || m == nil {
		return func() {}
	}

	entry := &registered{machine: m}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*registered)
	}
	old := r.sessions[m.ID()]
	r.sessions[m.ID()] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(m.ID(), old)
	}

	return func() { r.unregister(m.ID(), entry) }
}

func (r *Registry) unregister(id string, entry *registered) {
	if r == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		r.mu.Lock()
		if r.sessions != nil && r.sessions[id] == entry {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Get returns the machine registered under id, or nil.
func (r *Registry) Get(id string) *Machine {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.sessions[id]
	if entry == nil {
		return nil
	}
	return entry.machine
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CancelAll delivers a draining close to every live session.
func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}

	var machines []*Machine
	r.mu.Lock()
	for _, entry := range r.sessions {
		if entry == nil || entry.machine == nil {
			continue
		}
		machines = append(machines, entry.machine)
	}
	r.mu.Unlock()

	for _, m := range machines {
		if m.Deliver(CloseEvent{Reason: "draining"}) {
			canceled++
		}
	}
	return canceled
}

// Wait blocks until all registered sessions have unregistered or ctx is
// done; it reports whether the registry fully drained.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
