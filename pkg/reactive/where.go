package reactive

import (
	"errors"
)

// WhereOp filters its source by a predicate.
type WhereOp[T any] struct {
	*operator[T, T]
	predicate Predicate[T]
	eq        Equaler[T]
}

// NewWhere creates a filter over source.
func NewWhere[T any](source Source[T], predicate Predicate[T], opts ...Option) (*WhereOp[T], error) {
	cfg := newConfig("where", opts)
	eq, err := equalerFor[T](cfg)
	if err != nil {
		return nil, err
	}
	w := &WhereOp[T]{predicate: predicate, eq: eq}
	op, err := newOperator[T, T](cfg, source, w, false)
	if err != nil {
		return nil, err
	}
	w.operator = op
	return w, nil
}

func (w *WhereOp[T]) evaluate(_ *UpdateToken[T], upstream []T) ([]T, error) {
	ret := make([]T, 0, len(upstream))
	for _, item := range upstream {
		ok, err := w.predicate(item)
		if err != nil {
			return nil, err
		}
		if ok {
			ret = append(ret, item)
		}
	}
	return ret, nil
}

func (w *WhereOp[T]) onSourceAdded(tok *UpdateToken[T], item T) error {
	ok, err := w.predicate(item)
	if err != nil || !ok {
		return err
	}
	tok.SetNewValue(append(tok.items(), item))
	return tok.emitAdded(item)
}

func (w *WhereOp[T]) onSourceRemoved(tok *UpdateToken[T], item T) error {
	ok, err := w.predicate(item)
	if err != nil || !ok {
		return err
	}
	items, found := removeFirst(tok.items(), item, w.eq)
	if !found {
		w.log.V(4).Info("ignoring removal of unknown item")
		return nil
	}
	tok.SetNewValue(items)
	return tok.emitRemoved(item)
}

// onSourceReplaced evaluates both sides independently: the old item is removed if it passed and
// the new one added if it passes.
func (w *WhereOp[T]) onSourceReplaced(tok *UpdateToken[T], old, new T) error {
	if w.eq.Equal(old, new) {
		return nil
	}
	oldPasses, err := w.predicate(old)
	if err != nil {
		return err
	}
	newPasses, err := w.predicate(new)
	if err != nil {
		return err
	}
	if !oldPasses && !newPasses {
		return nil
	}

	items := tok.items()
	if oldPasses {
		var found bool
		if items, found = removeFirst(items, old, w.eq); !found {
			oldPasses = false
		}
	}
	if newPasses {
		items = append(items, new)
	}
	if !oldPasses && !newPasses {
		return nil
	}
	tok.SetNewValue(items)

	var errs []error
	if oldPasses {
		errs = append(errs, tok.emitRemoved(old))
	}
	if newPasses {
		errs = append(errs, tok.emitAdded(new))
	}
	return errors.Join(errs...)
}
