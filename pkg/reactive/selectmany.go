package reactive

import (
	"errors"
	"fmt"
	"slices"
)

// SelectManyOp flattens the plain sequences an expander returns for each source item.
type SelectManyOp[S, T any] struct {
	*operator[S, T]
	expand Expander[S, T]
	eq     Equaler[T]
}

// NewSelectMany creates a flattening operator over source with a non-reactive expansion.
func NewSelectMany[S, T any](source Source[S], expand Expander[S, T], opts ...Option) (*SelectManyOp[S, T], error) {
	cfg := newConfig("selectmany", opts)
	eq, err := equalerFor[T](cfg)
	if err != nil {
		return nil, err
	}
	m := &SelectManyOp[S, T]{expand: expand, eq: eq}
	op, err := newOperator[S, T](cfg, source, m, false)
	if err != nil {
		return nil, err
	}
	m.operator = op
	return m, nil
}

func (m *SelectManyOp[S, T]) evaluate(_ *UpdateToken[T], upstream []S) ([]T, error) {
	var ret []T
	for _, item := range upstream {
		expanded, err := m.expand(item)
		if err != nil {
			return nil, err
		}
		ret = append(ret, expanded...)
	}
	return ret, nil
}

func (m *SelectManyOp[S, T]) onSourceAdded(tok *UpdateToken[T], item S) error {
	expanded, err := m.expand(item)
	if err != nil || len(expanded) == 0 {
		return err
	}
	tok.SetNewValue(append(tok.items(), expanded...))
	return emitAll(expanded, tok.emitAdded)
}

func (m *SelectManyOp[S, T]) onSourceRemoved(tok *UpdateToken[T], item S) error {
	expanded, err := m.expand(item)
	if err != nil {
		return err
	}
	items, removed := removeAll(tok.items(), expanded, m.eq)
	if len(removed) == 0 {
		return nil
	}
	tok.SetNewValue(items)
	return emitAll(removed, tok.emitRemoved)
}

func (m *SelectManyOp[S, T]) onSourceReplaced(tok *UpdateToken[T], old, new S) error {
	oldExpanded, err := m.expand(old)
	if err != nil {
		return err
	}
	newExpanded, err := m.expand(new)
	if err != nil {
		return err
	}
	items, removed := removeAll(tok.items(), oldExpanded, m.eq)
	if len(removed) == 0 && len(newExpanded) == 0 {
		return nil
	}
	tok.SetNewValue(append(items, newExpanded...))
	return errors.Join(emitAll(removed, tok.emitRemoved), emitAll(newExpanded, tok.emitAdded))
}

// follow is a reference-counted subscription to a nested source.
type follow[T any] struct {
	source Source[T]
	sub    Subscription
	refs   int
	items  []T
}

// SelectManyObservableOp flattens the nested sources a selector returns for each source item. Each
// distinct nested source is subscribed once; the subscription is shared by every source item
// selecting it and disposed when the last of them goes away. The result holds the items of a
// nested source once per referencing source item.
type SelectManyObservableOp[S, T any] struct {
	*operator[S, T]
	selectSource SourceSelector[S, T]
	eq           Equaler[T]
	follows      map[Source[T]]*follow[T]
	bySub        map[uint64]*follow[T]
}

// NewSelectManyObservable creates a flattening operator over source with a reactive expansion.
func NewSelectManyObservable[S, T any](source Source[S], selectSource SourceSelector[S, T], opts ...Option) (*SelectManyObservableOp[S, T], error) {
	cfg := newConfig("selectmany-observable", opts)
	eq, err := equalerFor[T](cfg)
	if err != nil {
		return nil, err
	}
	m := &SelectManyObservableOp[S, T]{
		selectSource: selectSource,
		eq:           eq,
		follows:      make(map[Source[T]]*follow[T]),
		bySub:        make(map[uint64]*follow[T]),
	}
	op, err := newOperator[S, T](cfg, source, m, true)
	if err != nil {
		return nil, err
	}
	m.operator = op
	return m, nil
}

// FollowCount returns the number of nested sources currently subscribed.
func (m *SelectManyObservableOp[S, T]) FollowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.follows)
}

// subscribe creates a follow with one reference. It runs under the token of m: a materialized
// nested source is subscribed and read without taking its lock, an unmaterialized nested operator
// is materialized under it.
func (m *SelectManyObservableOp[S, T]) subscribe(source Source[T]) (*follow[T], error) {
	sub, err := source.AddObserver(&nestedObserver[S, T]{op: m})
	if err != nil {
		return nil, err
	}
	items, err := source.GetValue(nil)
	if err != nil {
		sub.Dispose()
		return nil, err
	}
	m.log.V(5).Info("following nested source", "subscription", sub.String(), "size", len(items))
	return &follow[T]{source: source, sub: sub, refs: 1, items: slices.Clone(items)}, nil
}

func (m *SelectManyObservableOp[S, T]) followLocked(source Source[T]) (*follow[T], error) {
	if f, ok := m.follows[source]; ok {
		f.refs++
		return f, nil
	}
	f, err := m.subscribe(source)
	if err != nil {
		return nil, err
	}
	m.follows[source] = f
	m.bySub[f.sub.id] = f
	return f, nil
}

func (m *SelectManyObservableOp[S, T]) unfollowLocked(source Source[T]) *follow[T] {
	f, ok := m.follows[source]
	if !ok {
		return nil
	}
	f.refs--
	if f.refs == 0 {
		f.sub.Dispose()
		delete(m.follows, source)
		delete(m.bySub, f.sub.id)
		m.log.V(5).Info("unfollowed nested source", "subscription", f.sub.String())
	}
	return f
}

func (m *SelectManyObservableOp[S, T]) unfollowAllLocked() {
	for _, f := range m.follows {
		f.sub.Dispose()
	}
	m.follows = make(map[Source[T]]*follow[T])
	m.bySub = make(map[uint64]*follow[T])
}

// evaluate rebuilds the follow set from scratch. Nested sources followed before and after keep
// their subscription but their value is read again.
func (m *SelectManyObservableOp[S, T]) evaluate(_ *UpdateToken[T], upstream []S) ([]T, error) {
	sources := make([]Source[T], 0, len(upstream))
	for _, item := range upstream {
		source, err := m.selectSource(item)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}

	follows := make(map[Source[T]]*follow[T])
	var created []*follow[T]
	cleanup := func() {
		for _, f := range created {
			f.sub.Dispose()
		}
	}

	var ret []T
	for _, source := range sources {
		if source == nil {
			continue
		}
		if f, ok := follows[source]; ok {
			f.refs++
			ret = append(ret, f.items...)
			continue
		}

		var f *follow[T]
		if prev, ok := m.follows[source]; ok {
			items, err := source.GetValue(nil)
			if err != nil {
				cleanup()
				return nil, err
			}
			f = &follow[T]{source: source, sub: prev.sub, refs: 1, items: slices.Clone(items)}
		} else {
			var err error
			if f, err = m.subscribe(source); err != nil {
				cleanup()
				return nil, err
			}
			created = append(created, f)
		}
		follows[source] = f
		ret = append(ret, f.items...)
	}

	for source, f := range m.follows {
		if _, ok := follows[source]; !ok {
			f.sub.Dispose()
		}
	}
	m.follows = follows
	m.bySub = make(map[uint64]*follow[T], len(follows))
	for _, f := range follows {
		m.bySub[f.sub.id] = f
	}

	return ret, nil
}

func (m *SelectManyObservableOp[S, T]) onSourceAdded(tok *UpdateToken[T], item S) error {
	source, err := m.selectSource(item)
	if err != nil || source == nil {
		return err
	}
	f, err := m.followLocked(source)
	if err != nil {
		return err
	}
	if len(f.items) == 0 {
		return nil
	}
	tok.SetNewValue(append(tok.items(), f.items...))
	return emitAll(f.items, tok.emitAdded)
}

func (m *SelectManyObservableOp[S, T]) onSourceRemoved(tok *UpdateToken[T], item S) error {
	source, err := m.selectSource(item)
	if err != nil || source == nil {
		return err
	}
	f := m.unfollowLocked(source)
	if f == nil {
		m.log.V(4).Info("ignoring removal of an item with no followed source")
		return nil
	}
	items, removed := removeAll(tok.items(), f.items, m.eq)
	if len(removed) == 0 {
		return nil
	}
	tok.SetNewValue(items)
	return emitAll(removed, tok.emitRemoved)
}

func (m *SelectManyObservableOp[S, T]) onSourceReplaced(tok *UpdateToken[T], old, new S) error {
	oldSource, err := m.selectSource(old)
	if err != nil {
		return err
	}
	newSource, err := m.selectSource(new)
	if err != nil {
		return err
	}
	if oldSource == newSource {
		return nil
	}

	// follow first: it is the only step that can fail
	var added []T
	if newSource != nil {
		f, err := m.followLocked(newSource)
		if err != nil {
			return err
		}
		added = f.items
	}
	items, removed := tok.items(), []T(nil)
	if oldSource != nil {
		if f := m.unfollowLocked(oldSource); f != nil {
			items, removed = removeAll(items, f.items, m.eq)
		}
	}

	if len(removed) == 0 && len(added) == 0 {
		return nil
	}
	tok.SetNewValue(append(items, added...))
	return errors.Join(emitAll(removed, tok.emitRemoved), emitAll(added, tok.emitAdded))
}

func (m *SelectManyObservableOp[S, T]) onDropped(_ *UpdateToken[T], _ bool) error {
	m.unfollowAllLocked()
	return nil
}

func (m *SelectManyObservableOp[S, T]) dispose() {
	m.unfollowAllLocked()
}

// lookupLocked returns the follow a nested notification belongs to.
func (m *SelectManyObservableOp[S, T]) lookupLocked(sub Subscription) (*follow[T], error) {
	f, ok := m.bySub[sub.id]
	if !ok {
		return nil, fmt.Errorf("%s: %w %s", m.name, ErrUnknownSubscription, sub)
	}
	return f, nil
}

func (m *SelectManyObservableOp[S, T]) onNestedAdded(tok *UpdateToken[T], sub Subscription, item T) error {
	f, err := m.lookupLocked(sub)
	if err != nil {
		return err
	}
	f.items = append(f.items, item)
	added := slices.Repeat([]T{item}, f.refs)
	tok.SetNewValue(append(tok.items(), added...))
	return emitAll(added, tok.emitAdded)
}

func (m *SelectManyObservableOp[S, T]) onNestedRemoved(tok *UpdateToken[T], sub Subscription, item T) error {
	f, err := m.lookupLocked(sub)
	if err != nil {
		return err
	}
	var found bool
	if f.items, found = removeFirst(f.items, item, m.eq); !found {
		m.log.V(4).Info("ignoring removal of unknown nested item", "subscription", sub.String())
		return nil
	}
	items, removed := removeAll(tok.items(), slices.Repeat([]T{item}, f.refs), m.eq)
	tok.SetNewValue(items)
	return emitAll(removed, tok.emitRemoved)
}

func (m *SelectManyObservableOp[S, T]) onNestedReplaced(tok *UpdateToken[T], sub Subscription, old, new T) error {
	f, err := m.lookupLocked(sub)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(f.items, func(x T) bool { return m.eq.Equal(x, old) })
	if i < 0 {
		m.log.V(4).Info("ignoring replacement of unknown nested item", "subscription", sub.String())
		return nil
	}
	f.items = slices.Clone(f.items)
	f.items[i] = new

	items, removed := removeAll(tok.items(), slices.Repeat([]T{old}, f.refs), m.eq)
	added := slices.Repeat([]T{new}, f.refs)
	tok.SetNewValue(append(items, added...))
	return errors.Join(emitAll(removed, tok.emitRemoved), emitAll(added, tok.emitAdded))
}

// nestedObserver routes the notifications of followed nested sources into the operator.
type nestedObserver[S, T any] struct {
	op *SelectManyObservableOp[S, T]
}

func (n *nestedObserver[S, T]) OnItemAdded(sub Subscription, item T, version int64) error {
	return n.op.apply(version, "nested added", func(tok *UpdateToken[T]) error {
		return n.op.onNestedAdded(tok, sub, item)
	})
}

func (n *nestedObserver[S, T]) OnItemRemoved(sub Subscription, item T, version int64) error {
	return n.op.apply(version, "nested removed", func(tok *UpdateToken[T]) error {
		return n.op.onNestedRemoved(tok, sub, item)
	})
}

func (n *nestedObserver[S, T]) OnItemReplaced(sub Subscription, old, new T, version int64) error {
	return n.op.apply(version, "nested replaced", func(tok *UpdateToken[T]) error {
		return n.op.onNestedReplaced(tok, sub, old, new)
	})
}

func (n *nestedObserver[S, T]) OnValueChanged(_ Subscription, _, _ []T, version int64, breaking bool) error {
	if !breaking {
		return nil
	}
	return n.op.reevaluate(version, "nested breaking change")
}

func (n *nestedObserver[S, T]) OnValueInvalidated(_ Subscription, breaking bool) error {
	return n.op.invalidate(breaking)
}

// removeAll removes one occurrence of each of drop from items and returns the new items and the
// elements actually removed.
func removeAll[T any](items, drop []T, eq Equaler[T]) ([]T, []T) {
	var removed []T
	for _, item := range drop {
		var found bool
		if items, found = removeFirst(items, item, eq); found {
			removed = append(removed, item)
		}
	}
	return items, removed
}

func emitAll[T any](items []T, emit func(T) error) error {
	var errs []error
	for _, item := range items {
		errs = append(errs, emit(item))
	}
	return errors.Join(errs...)
}
