package transport

import "sync"

// room is one named interest group. Each room carries its own lock so
// join/leave traffic on one scope never blocks broadcasts on another.
type room struct {
	mu      sync.RWMutex
	members map[*client]bool
}

// rooms tracks scope membership. Rooms are created on first join and
// discarded when the last member leaves; membership is never persisted.
type rooms struct {
	mu     sync.RWMutex
	byName map[string]*room
}

func newRooms() *rooms {
	return &rooms{byName: make(map[string]*room)}
}

// join adds c to the named room, creating it if needed.
func (r *rooms) join(scope string, c *client) {
	r.mu.Lock()
	rm, ok := r.byName[scope]
	if !ok {
		rm = &room{members: make(map[*client]bool)}
		r.byName[scope] = rm
	}
	r.mu.Unlock()

	rm.mu.Lock()
	rm.members[c] = true
	rm.mu.Unlock()
}

// leave removes c from the named room, deleting the room when empty.
func (r *rooms) leave(scope string, c *client) {
	r.mu.Lock()
	rm, ok := r.byName[scope]
	if !ok {
		r.mu.Unlock()
		return
	}

	rm.mu.Lock()
	delete(rm.members, c)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		delete(r.byName, scope)
	}
	r.mu.Unlock()
}

// leaveAll removes c from every room it joined. Called on disconnect.
func (r *rooms) leaveAll(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for scope, rm := range r.byName {
		rm.mu.Lock()
		delete(rm.members, c)
		empty := len(rm.members) == 0
		rm.mu.Unlock()
		if empty {
			delete(r.byName, scope)
		}
	}
}

// members returns a snapshot of the room's membership so broadcasts
// iterate without holding the lock.
func (r *rooms) members(scope string) []*client {
	r.mu.RLock()
	rm, ok := r.byName[scope]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]*client, 0, len(rm.members))
	for c := range rm.members {
		out = append(out, c)
	}
	return out
}

// count returns the number of live rooms.
func (r *rooms) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// size returns the membership count of one room.
func (r *rooms) size(scope string) int {
	r.mu.RLock()
	rm, ok := r.byName[scope]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}
