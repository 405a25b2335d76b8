package reactive

import (
	"errors"
	"slices"
)

// List is a mutable leaf collection. It is always materialized and every mutation is one
// transaction.
type List[T any] struct {
	engine[T]
	eq Equaler[T]
}

// NewList creates a list holding a copy of items.
func NewList[T any](items []T, opts ...Option) (*List[T], error) {
	cfg := newConfig("list", opts)
	eq, err := equalerFor[T](cfg)
	if err != nil {
		return nil, err
	}
	l := &List[T]{eq: eq}
	l.init(cfg, slices.Clone(items), true)
	return l, nil
}

// GetValue implements Source.
func (l *List[T]) GetValue(c Collector) ([]T, error) {
	if l.disposed.Load() {
		return nil, ErrDisposed
	}
	items, _ := l.read(c, l)
	return items, nil
}

// AddObserver implements Source.
func (l *List[T]) AddObserver(o Observer[T]) (Subscription, error) {
	return l.addObserver(o)
}

// Add appends items and emits Added for each.
func (l *List[T]) Add(items ...T) error {
	if l.disposed.Load() {
		return ErrDisposed
	}
	if len(items) == 0 {
		return nil
	}
	return l.transact(0, func(tok *UpdateToken[T]) error {
		tok.SetNewValue(append(tok.items(), items...))
		var errs []error
		for _, item := range items {
			errs = append(errs, tok.emitAdded(item))
		}
		return errors.Join(errs...)
	})
}

// Remove removes the first item equal to item. It returns false if there was no such item.
func (l *List[T]) Remove(item T) (bool, error) {
	if l.disposed.Load() {
		return false, ErrDisposed
	}
	found := false
	err := l.transact(0, func(tok *UpdateToken[T]) error {
		var items []T
		items, found = removeFirst(tok.items(), item, l.eq)
		if !found {
			return nil
		}
		tok.SetNewValue(items)
		return tok.emitRemoved(item)
	})
	return found, err
}

// Replace replaces the first item equal to old with new in place.
func (l *List[T]) Replace(old, new T) (bool, error) {
	if l.disposed.Load() {
		return false, ErrDisposed
	}
	found := false
	err := l.transact(0, func(tok *UpdateToken[T]) error {
		current := tok.items()
		i := slices.IndexFunc(current, func(x T) bool { return l.eq.Equal(x, old) })
		if i < 0 {
			return nil
		}
		found = true
		items := slices.Clone(current)
		items[i] = new
		tok.SetNewValue(items)
		return tok.emitReplaced(old, new)
	})
	return found, err
}

// Reset replaces the whole content. This is a breaking change: observers get no item deltas, only
// a breaking OnValueChanged.
func (l *List[T]) Reset(items []T) error {
	if l.disposed.Load() {
		return ErrDisposed
	}
	return l.transact(0, func(tok *UpdateToken[T]) error {
		tok.SignalChange(true)
		tok.SetNewValue(slices.Clone(items))
		return nil
	})
}

// Dispose drops all observers. Further calls return ErrDisposed.
func (l *List[T]) Dispose() {
	if l.disposed.Swap(true) {
		return
	}
	l.observers.clear()
}

// removeFirst returns a copy of items without the first element equal to item.
func removeFirst[T any](items []T, item T, eq Equaler[T]) ([]T, bool) {
	i := slices.IndexFunc(items, func(x T) bool { return eq.Equal(x, item) })
	if i < 0 {
		return items, false
	}
	ret := make([]T, 0, len(items))
	ret = append(ret, items[:i]...)
	return append(ret, items[i+1:]...), true
}
