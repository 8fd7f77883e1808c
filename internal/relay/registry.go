package relay

import (
	"sync"

	"github.com/minehub-kr/rsm/internal/observability"
)

// Registry is the process-wide map from managed-server UID to the two
// per-role session collections. Insertion order within a collection is
// preserved; membership reflects possibly stale liveness that is resolved
// lazily by housekeeping, never eagerly pushed.
//
// Locking is scoped per managed-server entry so callbacks for unrelated
// managed servers never contend. The outer map has its own mutex, acquired
// before an entry mutex whenever both are needed.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	metrics *observability.RelayMetrics
}

// registryEntry holds the live sessions for one managed server.
type registryEntry struct {
	mu      sync.Mutex
	servers []*Session
	clients []*Session
	// dead marks an entry that was removed from the registry map after its
	// last housekeep emptied both collections. Appends retry against a
	// fresh entry instead of resurrecting a removed one.
	dead bool
}

// NewRegistry creates an empty session registry. metrics may be nil.
func NewRegistry(metrics *observability.RelayMetrics) *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		metrics: metrics,
	}
}

// lookup returns the entry for uid, or nil when absent.
func (r *Registry) lookup(uid string) *registryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[uid]
}

// Add constructs a Session with a fresh id and appends it to the role's
// collection, creating the per-server entry if absent.
//
// Postcondition: The returned session is present in exactly one collection
// and will be observed by any subsequent List for its role.
func (r *Registry) Add(serverUID string, role Role, conn Conn, remoteAddr string) *Session {
	s := newSession(serverUID, role, conn, remoteAddr)
	for {
		r.mu.Lock()
		e := r.entries[serverUID]
		if e == nil {
			e = &registryEntry{}
			r.entries[serverUID] = e
		}
		r.mu.Unlock()

		if e.append(s) {
			r.metrics.SessionDelta(string(role), 1)
			return s
		}
		// Entry was evicted between lookup and append; retry.
	}
}

// append adds s to the entry, unless the entry has been removed from the
// registry map in the meantime.
func (e *registryEntry) append(s *Session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false
	}
	switch s.Role {
	case RoleServer:
		e.servers = append(e.servers, s)
	case RoleClient:
		e.clients = append(e.clients, s)
	}
	return true
}

// Housekeep removes every session of the given roles whose transport is no
// longer writable. Omitting roles housekeeps both collections. This is the
// only removal path besides eviction; it runs at the start of every read,
// so staleness is bounded by time since the last read.
//
// Postcondition: An entry whose collections are both empty afterwards is
// removed from the registry map.
func (r *Registry) Housekeep(serverUID string, roles ...Role) {
	e := r.lookup(serverUID)
	if e == nil {
		return
	}

	e.mu.Lock()
	for _, role := range expandRoles(roles) {
		switch role {
		case RoleServer:
			before := len(e.servers)
			e.servers = filterWritable(e.servers)
			r.metrics.SessionDelta(string(RoleServer), float64(len(e.servers)-before))
		case RoleClient:
			before := len(e.clients)
			e.clients = filterWritable(e.clients)
			r.metrics.SessionDelta(string(RoleClient), float64(len(e.clients)-before))
		}
	}
	empty := len(e.servers) == 0 && len(e.clients) == 0
	e.mu.Unlock()

	if empty {
		r.dropIfEmpty(serverUID, e)
	}
}

// dropIfEmpty removes the entry from the registry map if it is still the
// registered entry for uid and still empty. Lock order: registry mutex
// before entry mutex.
func (r *Registry) dropIfEmpty(uid string, e *registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.entries[uid] != e {
		return
	}
	if len(e.servers) == 0 && len(e.clients) == 0 {
		e.dead = true
		delete(r.entries, uid)
	}
}

// List housekeeps the addressed collections and returns a snapshot of the
// surviving sessions. With roles omitted, SERVER sessions precede CLIENT
// sessions; registration order is stable within each collection.
func (r *Registry) List(serverUID string, roles ...Role) []*Session {
	r.Housekeep(serverUID, roles...)

	e := r.lookup(serverUID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Session
	for _, role := range expandRoles(roles) {
		switch role {
		case RoleServer:
			out = append(out, e.servers...)
		case RoleClient:
			out = append(out, e.clients...)
		}
	}
	return out
}

// FindByID returns the live session with the given id, scanning the same
// snapshot List would return.
func (r *Registry) FindByID(serverUID, id string, roles ...Role) (*Session, bool) {
	for _, s := range r.List(serverUID, roles...) {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// EvictServers removes and returns every SERVER session for the managed
// server, live or not. The caller closes their transports; removal happens
// first so a close handler running concurrently never observes the evicted
// sessions as live.
func (r *Registry) EvictServers(serverUID string) []*Session {
	e := r.lookup(serverUID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	evicted := e.servers
	e.servers = nil
	empty := len(e.clients) == 0
	e.mu.Unlock()
	r.metrics.SessionDelta(string(RoleServer), -float64(len(evicted)))

	if empty {
		r.dropIfEmpty(serverUID, e)
	}
	return evicted
}

// EntryCount returns the number of managed servers currently tracked.
func (r *Registry) EntryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// expandRoles normalises the variadic role filter: empty means both roles,
// SERVER first.
func expandRoles(roles []Role) []Role {
	if len(roles) == 0 {
		return []Role{RoleServer, RoleClient}
	}
	return roles
}

// filterWritable keeps sessions whose transport still accepts frames,
// preserving order.
func filterWritable(sessions []*Session) []*Session {
	live := sessions[:0]
	for _, s := range sessions {
		if s.writable() {
			live = append(live, s)
		}
	}
	// Drop trailing references so removed sessions can be collected.
	for i := len(live); i < len(sessions); i++ {
		sessions[i] = nil
	}
	return live
}
