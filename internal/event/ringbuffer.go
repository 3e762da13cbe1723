package event

import (
	"sync"
	"time"
)

type entry struct {
	seq uint64
	ev  *Event
}

// ring keeps the most recent persisted events of one tenant. Once full, the
// oldest entry is overwritten.
type ring struct {
	mu      sync.Mutex
	buf     []entry
	head    int // oldest
	count   int
	lastSeq uint64
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]entry, capacity)}
}

func (r *ring) push(ev *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeq++
	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = entry{seq: r.lastSeq, ev: ev}
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.count++
}

// next returns the first entry with after < seq <= upto.
func (r *ring) next(after, upto uint64) (entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.head+i)%len(r.buf)]
		if e.seq > upto {
			break
		}
		if e.seq > after {
			return e, true
		}
	}
	return entry{}, false
}

func (r *ring) last() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// purge drops expired entries and returns how many were removed.
func (r *ring) purge(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := make([]entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.head+i)%len(r.buf)]
		if !e.ev.Expired(now) {
			kept = append(kept, e)
		}
	}
	removed := r.count - len(kept)
	if removed == 0 {
		return 0
	}
	clear(r.buf)
	copy(r.buf, kept)
	r.head = 0
	r.count = len(kept)
	return removed
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
