package task

import "sync"

// mailbox queues handler work per document. At most one drainer runs for a
// link at a time, so work for one document executes in enqueue order.
type mailbox struct {
	mu     sync.Mutex
	queues map[string][]func()
}

// push queues fn and reports whether the caller must start a drainer.
func (m *mailbox) push(link string, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, running := m.queues[link]
	m.queues[link] = append(q, fn)
	return !running
}

// drain runs queued work until the queue for link is empty.
func (m *mailbox) drain(link string) {
	for {
		m.mu.Lock()
		q := m.queues[link]
		if len(q) == 0 {
			delete(m.queues, link)
			m.mu.Unlock()
			return
		}
		fn := q[0]
		m.queues[link] = q[1:]
		m.mu.Unlock()

		fn()
	}
}

// keyedMutex serializes callers per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
