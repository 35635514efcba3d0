package monitor

import (
	"sync"
	"sync/atomic"
)

// Subscription receives every event emitted after it was registered, for
// every operation. Observers filter by OperationID themselves.
type Subscription struct {
	ID     uint64
	Events <-chan ProgressEvent

	ch        chan ProgressEvent
	dropped   atomic.Bool
	closeOnce sync.Once
}

// Dropped reports whether the monitor dropped this subscriber because its
// buffer overflowed. The Events channel is closed in that case.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Subscribe registers a new observer
func (m *Monitor) Subscribe() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSub++
	ch := make(chan ProgressEvent, m.bufferSize)
	sub := &Subscription{ID: m.nextSub, Events: ch, ch: ch}
	m.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes an observer and closes its channel. Unknown ids are
// ignored.
func (m *Monitor) Unsubscribe(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[id]; ok {
		delete(m.subs, id)
		sub.close()
	}
}

// Subscribers returns the number of registered observers
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// emit must be called with m.mu held.
func (m *Monitor) emit(ev ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	for id, sub := range m.subs {
		// each observer owns its copy of Details
		e := ev
		e.Details = copyDetails(ev.Details)
		if !trySend(sub.ch, e) {
			sub.dropped.Store(true)
			delete(m.subs, id)
			sub.close()
		}
	}
}

func trySend(ch chan ProgressEvent, ev ProgressEvent) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}
