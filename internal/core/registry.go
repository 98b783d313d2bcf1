package core

import (
	"slices"

	"pathhole/internal/model"
)

// registry partitions handshaken connections by role. Sets keep registration
// order so target selection is deterministic.
type registry struct {
	sets map[model.Role][]*Conn
}

func newRegistry() *registry {
	return &registry{sets: map[model.Role][]*Conn{
		model.RoleESP32:     nil,
		model.RoleDashboard: nil,
	}}
}

// register adds c to the set for role. A connection belongs to at most one set.
func (r *registry) register(c *Conn, role model.Role) {
	if _, ok := r.sets[role]; !ok {
		return
	}
	r.unregister(c)
	r.sets[role] = append(r.sets[role], c)
}

// unregister removes c from whichever set holds it.
func (r *registry) unregister(c *Conn) bool {
	for role, set := range r.sets {
		if i := slices.Index(set, c); i >= 0 {
			r.sets[role] = slices.Delete(set, i, i+1)
			return true
		}
	}
	return false
}

// members returns the connections registered under role.
func (r *registry) members(role model.Role) []*Conn {
	return r.sets[role]
}

func (r *registry) count(role model.Role) int {
	return len(r.sets[role])
}

// pickTarget returns the first registered connection of role. With several
// vehicles connected only the oldest registration is ever targeted.
func (r *registry) pickTarget(role model.Role) *Conn {
	if set := r.sets[role]; len(set) > 0 {
		return set[0]
	}
	return nil
}

// broadcast sends b to every open connection in role and returns how many
// frames could not be queued.
func (r *registry) broadcast(role model.Role, b []byte) (dropped int) {
	for _, c := range r.sets[role] {
		if c.isClosed() {
			continue
		}
		if !c.send(b) {
			dropped++
		}
	}
	return dropped
}
