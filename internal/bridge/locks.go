package bridge

import "sync"

// bindingLock serializes sends for one binding. gen tells a waiter whether
// the handle it locked is still the live one for its key.
type bindingLock struct {
	sync.Mutex
	gen uint64
}

// lockTable hands out per-binding locks. Locks are created lazily; a
// removed binding's lock is retired to a queue because a sender may still
// be waiting on it, and the queue is dropped once it grows past max.
type lockTable struct {
	mu      sync.Mutex
	gen     uint64
	live    map[Key]*bindingLock
	retired []*bindingLock
	max     int
}

func newLockTable(maxRetired int) *lockTable {
	return &lockTable{live: make(map[Key]*bindingLock), max: maxRetired}
}

// get returns the live lock for k, creating it if needed.
func (t *lockTable) get(k Key) *bindingLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.live[k]; ok {
		return l
	}
	t.gen++
	l := &bindingLock{gen: t.gen}
	t.live[k] = l
	return l
}

// current reports whether l is still the live lock for k.
func (t *lockTable) current(k Key, l *bindingLock) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.live[k]
	return ok && cur == l && cur.gen == l.gen
}

// retire removes k's lock from the table and queues it.
func (t *lockTable) retire(k Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.live[k]
	if !ok {
		return
	}
	delete(t.live, k)
	t.retired = append(t.retired, l)
	if len(t.retired) > t.max {
		t.retired = nil
	}
}

// drain drops every lock. It runs at shutdown once background work has
// finished.
func (t *lockTable) drain() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.live) + len(t.retired)
	t.live = make(map[Key]*bindingLock)
	t.retired = nil
	return n
}

func (t *lockTable) sizes() (live, retired int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live), len(t.retired)
}
