package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/korjavin/tutorbot/logger"
)

// DefaultSessionWindow is how long an untouched conversation is kept
const DefaultSessionWindow = 30 * time.Minute

type entry struct {
	machine      *Machine
	lastActivity time.Time
}

// Registry keeps one Machine per conversation key (a chat id, an HTTP session id)
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	window  time.Duration
	factory func() *Machine
	now     func() time.Time
	log     *logger.Logger
}

// NewRegistry creates a registry whose machines come from factory
func NewRegistry(factory func() *Machine, window time.Duration, log *logger.Logger) *Registry {
	if window <= 0 {
		window = DefaultSessionWindow
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		window:  window,
		factory: factory,
		now:     time.Now,
		log:     log.With("component", "registry"),
	}
}

// GetOrCreate returns the machine for key, creating a fresh one when none exists
// or the previous one expired. An expired machine with a request in flight is kept.
func (r *Registry) GetOrCreate(key string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.entries[key]; ok && (now.Sub(e.lastActivity) <= r.window || e.machine.Snapshot().Loading) {
		e.lastActivity = now
		return e.machine
	}

	m := r.factory()
	r.entries[key] = &entry{machine: m, lastActivity: now}
	return m
}

// Get returns the live machine for key
func (r *Registry) Get(key string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || r.now().Sub(e.lastActivity) > r.window {
		return nil, false
	}
	e.lastActivity = r.now()
	return e.machine, true
}

// Reset replaces the machine for key with a fresh idle one
func (r *Registry) Reset(key string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.factory()
	r.entries[key] = &entry{machine: m, lastActivity: r.now()}
	return m
}

// End forgets the conversation for key
func (r *Registry) End(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, key)
}

// CleanupExpired removes conversations idle for longer than the window.
// Machines with a request in flight are kept.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for key, e := range r.entries {
		if now.Sub(e.lastActivity) > r.window && !e.machine.Snapshot().Loading {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns the total and active conversation counts
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	active := 0
	for _, e := range r.entries {
		if now.Sub(e.lastActivity) <= r.window {
			active++
		}
	}
	return map[string]int{
		"total":  len(r.entries),
		"active": active,
	}
}

// RunCleanup calls CleanupExpired every interval until ctx is done
func (r *Registry) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.CleanupExpired(); removed > 0 {
				r.log.Info("removed expired conversations", "count", removed)
			}
		}
	}
}
