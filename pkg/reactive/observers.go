package reactive

import (
	"errors"
	"sync"
)

type observerEntry[T any] struct {
	sub      Subscription
	observer Observer[T]
}

// observerList is a copy-on-write registry of observers keyed by subscription id. A fan-out walks
// the entries present when it started, in registration order.
type observerList[T any] struct {
	mu      sync.Mutex
	entries []observerEntry[T]
}

func (l *observerList[T]) add(owner unsubscriber, o Observer[T]) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub := newSubscription(owner)
	entries := make([]observerEntry[T], 0, len(l.entries)+1)
	entries = append(entries, l.entries...)
	l.entries = append(entries, observerEntry[T]{sub: sub, observer: o})
	return sub
}

func (l *observerList[T]) remove(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.sub.id == id {
			entries := make([]observerEntry[T], 0, len(l.entries)-1)
			entries = append(entries, l.entries[:i]...)
			l.entries = append(entries, l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *observerList[T]) snapshot() []observerEntry[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries
}

func (l *observerList[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *observerList[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// notify calls fn for every observer. Errors do not stop the fan-out, they are joined.
func (l *observerList[T]) notify(fn func(e observerEntry[T]) error) error {
	var errs []error
	for _, e := range l.snapshot() {
		if err := fn(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *observerList[T]) added(item T, version int64) error {
	return l.notify(func(e observerEntry[T]) error { return e.observer.OnItemAdded(e.sub, item, version) })
}

func (l *observerList[T]) removed(item T, version int64) error {
	return l.notify(func(e observerEntry[T]) error { return e.observer.OnItemRemoved(e.sub, item, version) })
}

func (l *observerList[T]) replaced(old, new T, version int64) error {
	return l.notify(func(e observerEntry[T]) error { return e.observer.OnItemReplaced(e.sub, old, new, version) })
}

func (l *observerList[T]) valueChanged(old, new []T, version int64, breaking bool) error {
	return l.notify(func(e observerEntry[T]) error {
		return e.observer.OnValueChanged(e.sub, old, new, version, breaking)
	})
}

func (l *observerList[T]) invalidated(breaking bool) error {
	return l.notify(func(e observerEntry[T]) error { return e.observer.OnValueInvalidated(e.sub, breaking) })
}
