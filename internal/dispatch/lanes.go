package dispatch

import "sync"

// Lanes is a keyed lock: work for the same key runs one at a time, work for
// different keys runs in parallel. Idle keys are dropped.
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	mu   sync.Mutex
	refs int
}

func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[string]*lane)}
}

// Acquire blocks until key is free and returns its release func.
func (l *Lanes) Acquire(key string) (release func()) {
	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{}
		l.lanes[key] = ln
	}
	ln.refs++
	l.mu.Unlock()

	ln.mu.Lock()
	return func() {
		ln.mu.Unlock()
		l.mu.Lock()
		ln.refs--
		if ln.refs == 0 {
			delete(l.lanes, key)
		}
		l.mu.Unlock()
	}
}
