package event

import (
	"iter"
	"time"
)

// ReplayIterator walks the persisted events of a tenant created after a point
// in time. It is bounded by the buffer contents at creation, evaluated lazily,
// and can be restarted with Reset.
type ReplayIterator struct {
	buf   *ring
	since time.Time
	upto  uint64
	pos   uint64
	cur   *Event
	now   func() time.Time
	keep  func(*Event) bool
}

func newReplayIterator(buf *ring, since time.Time, now func() time.Time) *ReplayIterator {
	it := &ReplayIterator{buf: buf, since: since, now: now}
	if buf != nil {
		it.upto = buf.last()
	}
	return it
}

// Next advances to the next event and reports whether there is one.
func (it *ReplayIterator) Next() bool {
	it.cur = nil
	if it.buf == nil {
		return false
	}
	for {
		e, ok := it.buf.next(it.pos, it.upto)
		if !ok {
			return false
		}
		it.pos = e.seq
		if !e.ev.CreatedAt.After(it.since) || e.ev.Expired(it.now()) {
			continue
		}
		if it.keep != nil && !it.keep(e.ev) {
			continue
		}
		it.cur = e.ev
		return true
	}
}

// Event returns the current event. Only valid after Next returned true.
func (it *ReplayIterator) Event() *Event {
	return it.cur
}

// Reset rewinds the iterator to its first event.
func (it *ReplayIterator) Reset() {
	it.pos = 0
	it.cur = nil
}

// All returns the remaining events as a sequence. Ranging over it again
// after Reset starts from the beginning.
func (it *ReplayIterator) All() iter.Seq[*Event] {
	return func(yield func(*Event) bool) {
		for it.Next() {
			if !yield(it.cur) {
				return
			}
		}
	}
}
