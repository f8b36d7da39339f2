package comms

// idRing remembers the most recent ids up to a fixed capacity.
type idRing struct {
	ids  []string
	next int
	set  map[string]struct{}
}

func newIDRing(capacity int) *idRing {
	return &idRing{ids: make([]string, capacity), set: make(map[string]struct{}, capacity)}
}

// add records id and returns the id it displaced, if the ring was full.
func (r *idRing) add(id string) (string, bool) {
	if _, ok := r.set[id]; ok {
		return "", false
	}
	evicted := r.ids[r.next]
	r.ids[r.next] = id
	r.next = (r.next + 1) % len(r.ids)
	r.set[id] = struct{}{}
	if evicted == "" {
		return "", false
	}
	delete(r.set, evicted)
	return evicted, true
}

func (r *idRing) has(id string) bool {
	_, ok := r.set[id]
	return ok
}
