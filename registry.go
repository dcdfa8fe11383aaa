package cm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Type describes a copy machine type: a named restructuring algorithm.
type Type struct {
	Name string
	// New builds the behavior of one machine instance.
	New func() CopyMachineBehavior
}

// Registry holds the copy machine types known to a process and the machines
// instantiated from them, at most one per type. It is created at process
// start, passed to whatever instantiates machines and closed at shutdown.
type Registry struct {
	mu       sync.RWMutex
	types    map[string]*Type
	machines map[string]*Machine
	closed   bool

	nextID atomic.Uint64
	log    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		types:    make(map[string]*Type),
		machines: make(map[string]*Machine),
		log:      logger.With(slog.String("component", "cm-registry")),
	}
}

func (r *Registry) Register(t *Type) error {
	if t == nil || t.Name == "" || t.New == nil {
		return fmt.Errorf("register copy machine type: incomplete type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("%w: %q", ErrTypeExists, t.Name)
	}
	r.types[t.Name] = t
	r.log.Debug("type registered", slog.String("type", t.Name))
	return nil
}

// Deregister removes a type. A machine of that type must be finalised first.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[name]; !ok {
		return fmt.Errorf("%w: %q", ErrTypeNotFound, name)
	}
	if _, busy := r.machines[name]; busy {
		return fmt.Errorf("deregister %q: machine still registered", name)
	}
	delete(r.types, name)
	return nil
}

func (r *Registry) Lookup(name string) (*Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTypeNotFound, name)
	}
	return t, nil
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// NewMachine instantiates the machine of type name.
func (r *Registry) NewMachine(name string, opts Options) (*Machine, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	m, err := newMachine(r, t, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.machines[name]; exists {
		return nil, fmt.Errorf("machine of type %q already exists", name)
	}
	r.machines[name] = m
	return m, nil
}

// Machine returns the live machine of type name, if any.
func (r *Registry) Machine(name string) (*Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[name]
	return m, ok
}

// Stats returns the progress counters of every live machine keyed by type.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	ms := make(map[string]*Machine, len(r.machines))
	for n, m := range r.machines {
		ms[n] = m
	}
	r.mu.RUnlock()

	out := make(map[string]Stats, len(ms))
	for n, m := range ms {
		out[n] = m.Stats()
	}
	return out
}

func (r *Registry) forget(m *Machine) {
	r.mu.Lock()
	if cur, ok := r.machines[m.typ.Name]; ok && cur == m {
		delete(r.machines, m.typ.Name)
	}
	r.mu.Unlock()
}

func (r *Registry) allocID() uint64 {
	return r.nextID.Add(1)
}

// Close finalises every machine still registered and drops all types.
// Further registrations fail with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ms := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		ms = append(ms, m)
	}
	r.mu.Unlock()

	var errs []error
	for _, m := range ms {
		if err := m.shutdown(); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	r.types = make(map[string]*Type)
	r.machines = make(map[string]*Machine)
	r.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("errors closing copy machines: %v", errs)
	}
	return nil
}
