package inbound

import "sync"

// Dedup remembers the most recent message ids so a frame redelivered after a
// reconnect is processed once.
type Dedup struct {
	mu    sync.Mutex
	size  int
	ring  []string
	next  int
	index map[string]struct{}
}

func NewDedup(size int) *Dedup {
	if size <= 0 {
		size = 512
	}
	return &Dedup{size: size, ring: make([]string, size), index: make(map[string]struct{}, size)}
}

// Seen records id and reports whether it was already present.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[id]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.index, old)
	}
	d.ring[d.next] = id
	d.index[id] = struct{}{}
	d.next = (d.next + 1) % d.size
	return false
}
