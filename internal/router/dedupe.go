package router

// dedupe is a fixed-capacity set of recently seen event IDs. When full, the
// oldest entry is evicted ring-style. Streams replay messages on reconnect;
// anything inside the window is dropped exactly once.
type dedupe struct {
	seen map[string]struct{}
	ring []string
	next int
}

func newDedupe(capacity int) *dedupe {
	if capacity <= 0 {
		capacity = 1024
	}
	return &dedupe{
		seen: make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// Mark records the ID and reports whether it was already present. Empty IDs
// are never deduplicated.
func (d *dedupe) Mark(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := d.seen[id]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.seen[id] = struct{}{}
	return false
}
