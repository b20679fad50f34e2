package hub

// roster is the per-note presence set, keyed by participant identity with a
// count of the sessions backing each identity. Membership therefore always
// equals the set of identities with at least one live session: the invariant
// is enforced at mutation time, not recomputed per broadcast.
type roster struct {
	members map[string]*member
}

type member struct {
	name     string
	sessions int
}

func newRoster() roster {
	return roster{members: map[string]*member{}}
}

// add registers one session for the identity and returns true if the identity
// is newly present.
func (r *roster) add(id, name string) bool {
	m, ok := r.members[id]
	if !ok {
		r.members[id] = &member{name: name, sessions: 1}
		return true
	}
	m.sessions++
	m.name = name
	return false
}

// drop releases one session for the identity and returns true only when its
// last session is gone and the identity left the roster.
func (r *roster) drop(id string) bool {
	m, ok := r.members[id]
	if !ok {
		return false
	}
	m.sessions--
	if m.sessions > 0 {
		return false
	}
	delete(r.members, id)
	return true
}

// snapshot returns the identity -> display name mapping sent on the wire,
// deduplicated by construction.
func (r *roster) snapshot() map[string]string {
	out := make(map[string]string, len(r.members))
	for id, m := range r.members {
		out[id] = m.name
	}
	return out
}
