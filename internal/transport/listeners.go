package transport

import "sync"

// Listeners is a set of callbacks where each registration returns its own
// Disposer.
type Listeners[T any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(T)
}

// Add registers fn and returns the function that removes it.
func (l *Listeners[T]) Add(fn func(T)) Disposer {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// Emit calls every registered listener with v. Listeners run outside the
// lock, so they may add or dispose listeners.
func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Len reports the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

// Clear drops every listener.
func (l *Listeners[T]) Clear() {
	l.mu.Lock()
	l.fns = nil
	l.mu.Unlock()
}
