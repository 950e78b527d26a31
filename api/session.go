package api

import "sync"

// RefreshStage marks progress through the refresh-and-retry cycle of one
// call.
type RefreshStage int

const (
	// RefreshRejected: the access token drew a 401 and a refresh is due.
	RefreshRejected RefreshStage = iota + 1
	// RefreshStarted: this call is sending the refresh request.
	RefreshStarted
	// RefreshRetrying: a fresh pair is stored and the call is retried.
	RefreshRetrying
)

func (s RefreshStage) String() string {
	switch s {
	case RefreshRejected:
		return "access token rejected"
	case RefreshStarted:
		return "refreshing"
	case RefreshRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// listeners fans an event out to registered callbacks in registration
// order.
type listeners[T any] struct {
	mu    sync.Mutex
	next  int
	fns   map[int]func(T)
	order []int
}

// subscribe registers fn and returns a function that removes it.
func (l *listeners[T]) subscribe(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.order = append(l.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}

// emit calls every listener with v. Listeners run outside the lock so they
// may unsubscribe themselves.
func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
