package plugin

import "sync"

// Slot names the capability set an implementation satisfies.
type Slot string

const (
	SlotRuntime   Slot = "runtime"
	SlotAgent     Slot = "agent"
	SlotWorkspace Slot = "workspace"
	SlotTracker   Slot = "tracker"
	SlotSCM       Slot = "scm"
	SlotNotifier  Slot = "notifier"
)

// Registry maps (slot, name) to a registered implementation. Registration
// happens once at startup; lookups afterwards are read-only.
type Registry struct {
	mu    sync.RWMutex
	slots map[Slot]map[string]any
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[Slot]map[string]any)}
}

func (r *Registry) register(slot Slot, name string, impl any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.slots[slot]
	if m == nil {
		m = make(map[string]any)
		r.slots[slot] = m
	}
	m[name] = impl
}

func (r *Registry) lookup(slot Slot, name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.slots[slot][name]
	return impl, ok
}

// Names returns the registered names for a slot, unordered.
func (r *Registry) Names(slot Slot) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.slots[slot]))
	for name := range r.slots[slot] {
		names = append(names, name)
	}
	return names
}

// RegisterRuntime adds or replaces a runtime implementation.
func (r *Registry) RegisterRuntime(name string, impl Runtime) { r.register(SlotRuntime, name, impl) }

// RegisterAgent adds or replaces an agent implementation.
func (r *Registry) RegisterAgent(name string, impl Agent) { r.register(SlotAgent, name, impl) }

// RegisterWorkspace adds or replaces a workspace implementation.
func (r *Registry) RegisterWorkspace(name string, impl Workspace) {
	r.register(SlotWorkspace, name, impl)
}

// RegisterTracker adds or replaces a tracker implementation.
func (r *Registry) RegisterTracker(name string, impl Tracker) { r.register(SlotTracker, name, impl) }

// RegisterSCM adds or replaces an SCM implementation.
func (r *Registry) RegisterSCM(name string, impl SCM) { r.register(SlotSCM, name, impl) }

// RegisterNotifier adds or replaces a notifier implementation.
func (r *Registry) RegisterNotifier(name string, impl Notifier) {
	r.register(SlotNotifier, name, impl)
}

// Runtime looks up a runtime by name.
func (r *Registry) Runtime(name string) (Runtime, bool) {
	impl, ok := r.lookup(SlotRuntime, name)
	if !ok {
		return nil, false
	}
	rt, ok := impl.(Runtime)
	return rt, ok
}

// Agent looks up an agent by name.
func (r *Registry) Agent(name string) (Agent, bool) {
	impl, ok := r.lookup(SlotAgent, name)
	if !ok {
		return nil, false
	}
	a, ok := impl.(Agent)
	return a, ok
}

// Workspace looks up a workspace by name.
func (r *Registry) Workspace(name string) (Workspace, bool) {
	impl, ok := r.lookup(SlotWorkspace, name)
	if !ok {
		return nil, false
	}
	w, ok := impl.(Workspace)
	return w, ok
}

// Tracker looks up a tracker by name.
func (r *Registry) Tracker(name string) (Tracker, bool) {
	impl, ok := r.lookup(SlotTracker, name)
	if !ok {
		return nil, false
	}
	t, ok := impl.(Tracker)
	return t, ok
}

// SCM looks up an SCM by name.
func (r *Registry) SCM(name string) (SCM, bool) {
	impl, ok := r.lookup(SlotSCM, name)
	if !ok {
		return nil, false
	}
	s, ok := impl.(SCM)
	return s, ok
}

// Notifier looks up a notifier by name.
func (r *Registry) Notifier(name string) (Notifier, bool) {
	impl, ok := r.lookup(SlotNotifier, name)
	if !ok {
		return nil, false
	}
	n, ok := impl.(Notifier)
	return n, ok
}
