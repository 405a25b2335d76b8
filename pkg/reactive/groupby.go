package reactive

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
)

type groupChange[K comparable, T any] struct {
	group    *Group[K, T]
	old, new []T
}

// GroupByOp groups the items of its source by key. Its value is the sequence of groups in creation
// order; every group is itself a Source of its members.
//
// Group lifecycle: a group is created empty on the first Lookup of its key or with its first
// member. A group that loses its last member is reported as Removed to the observers of the group
// set; it is deleted from the key map unless it is observed, in which case the same instance is
// kept and reused when the key is populated again. A group is observed while it has subscribers
// or after it was returned by Lookup, until Release.
type GroupByOp[K comparable, T any] struct {
	*operator[T, *Group[K, T]]
	keyOf  KeySelector[T, K]
	eq     Equaler[T]
	hasher immutable.Hasher[K]
	groups atomic.Pointer[immutable.Map[K, *Group[K, T]]]

	// guarded by the token
	pending    []groupChange[K, T]
	generation int64
}

// NewGroupBy creates a grouping operator over source.
func NewGroupBy[K comparable, T any](source Source[T], keyOf KeySelector[T, K], opts ...Option) (*GroupByOp[K, T], error) {
	cfg := newConfig("groupby", opts)
	eq, err := equalerFor[T](cfg)
	if err != nil {
		return nil, err
	}
	hasher, err := hasherFor[K](cfg)
	if err != nil {
		return nil, err
	}
	g := &GroupByOp[K, T]{keyOf: keyOf, eq: eq, hasher: hasher}
	g.groups.Store(immutable.NewMap[K, *Group[K, T]](hasher))
	op, err := newOperator[T, *Group[K, T]](cfg, source, g, true)
	if err != nil {
		return nil, err
	}
	g.operator = op
	return g, nil
}

// Lookup returns the group of key. It never reports "not found": an absent group is created empty,
// reported as Added to the observers of the group set and returned. The returned group is pinned:
// it stays in the key map when it loses its members, so the caller keeps seeing the key.
func (g *GroupByOp[K, T]) Lookup(key K) (*Group[K, T], error) {
	if err := g.ensureMaterialized(); err != nil {
		return nil, err
	}
	if grp, ok := g.groups.Load().Get(key); ok && grp.pinned.Load() {
		return grp, nil
	}

	var grp *Group[K, T]
	err := g.transact(0, func(tok *UpdateToken[*Group[K, T]]) error {
		if !tok.old.materialized {
			if err := g.evaluateLocked(tok, false); err != nil {
				return NewEvaluationError(g.name, err)
			}
		}
		// another writer may have created or deleted it since the lock-free read
		if existing, ok := g.groups.Load().Get(key); ok {
			grp = existing
			grp.pinned.Store(true)
			return nil
		}

		grp = newGroup(g, key)
		grp.pinned.Store(true)
		grp.listed = true
		grp.publish(tok, nil)
		g.groups.Store(g.groups.Load().Set(key, grp))
		tok.SetNewValue(append(tok.items(), grp))
		g.log.V(5).Info("empty group created on lookup", "key", fmt.Sprint(key))

		return tok.emitAdded(grp)
	})

	return grp, err
}

// HasGroup reports whether the key map holds a group for key, either listed or retained because it
// is observed.
func (g *GroupByOp[K, T]) HasGroup(key K) bool {
	_, ok := g.groups.Load().Get(key)
	return ok
}

// Release unpins a group returned by Lookup. An empty, unobserved group is deleted from the key map.
func (g *GroupByOp[K, T]) Release(grp *Group[K, T]) error {
	if g.disposed.Load() {
		return ErrDisposed
	}
	return g.transact(0, func(tok *UpdateToken[*Group[K, T]]) error {
		if grp.parent != g || !grp.pinned.Swap(false) || !tok.old.materialized {
			// an unmaterialized group set is cleaned up by its next evaluation
			return nil
		}
		cur, ok := g.groups.Load().Get(grp.key)
		if !ok || cur != grp || grp.Len() > 0 || grp.HasObservers() {
			return nil
		}
		g.groups.Store(g.groups.Load().Delete(grp.key))
		g.log.V(5).Info("released group deleted", "key", fmt.Sprint(grp.key))
		if !grp.listed {
			return nil
		}
		grp.listed = false
		tok.SetNewValue(slices.DeleteFunc(slices.Clone(tok.items()),
			func(x *Group[K, T]) bool { return x == grp }))
		return tok.emitRemoved(grp)
	})
}

func (g *GroupByOp[K, T]) ensureMaterialized() error {
	if g.disposed.Load() {
		return ErrDisposed
	}
	if g.IsMaterialized() {
		return nil
	}
	return g.materialize()
}

func (g *GroupByOp[K, T]) resolveLocked(key K) *Group[K, T] {
	groups := g.groups.Load()
	if grp, ok := groups.Get(key); ok {
		return grp
	}
	grp := newGroup(g, key)
	g.groups.Store(groups.Set(key, grp))
	return grp
}

func (g *GroupByOp[K, T]) addLocked(tok *UpdateToken[*Group[K, T]], key K, item T) error {
	grp := g.resolveLocked(key)
	grp.publish(tok, append(grp.items(), item))

	listed := false
	if !grp.listed {
		grp.listed, listed = true, true
		tok.SetNewValue(append(tok.items(), grp))
	}

	err := grp.emitAdded(tok, item)
	if listed {
		err = errors.Join(err, tok.emitAdded(grp))
	}
	return err
}

func (g *GroupByOp[K, T]) removeLocked(tok *UpdateToken[*Group[K, T]], key K, item T) error {
	grp, ok := g.groups.Load().Get(key)
	if !ok {
		g.log.V(4).Info("ignoring removal for an unknown group", "key", fmt.Sprint(key))
		return nil
	}
	members, found := removeFirst(grp.items(), item, g.eq)
	if !found {
		g.log.V(4).Info("ignoring removal of an unknown member", "key", fmt.Sprint(key))
		return nil
	}
	grp.publish(tok, members)

	unlisted := false
	if len(members) == 0 {
		if !grp.isObserved() {
			g.groups.Store(g.groups.Load().Delete(key))
			g.log.V(5).Info("empty group deleted", "key", fmt.Sprint(key))
		}
		if grp.listed {
			grp.listed, unlisted = false, true
			tok.SetNewValue(slices.DeleteFunc(slices.Clone(tok.items()),
				func(x *Group[K, T]) bool { return x == grp }))
		}
	}

	err := grp.emitRemoved(tok, item)
	if unlisted {
		err = errors.Join(err, tok.emitRemoved(grp))
	}
	return err
}

func (g *GroupByOp[K, T]) onSourceAdded(tok *UpdateToken[*Group[K, T]], item T) error {
	key, err := g.keyOf(item)
	if err != nil {
		return err
	}
	return g.addLocked(tok, key, item)
}

func (g *GroupByOp[K, T]) onSourceRemoved(tok *UpdateToken[*Group[K, T]], item T) error {
	key, err := g.keyOf(item)
	if err != nil {
		return err
	}
	return g.removeLocked(tok, key, item)
}

func (g *GroupByOp[K, T]) onSourceReplaced(tok *UpdateToken[*Group[K, T]], old, new T) error {
	if g.eq.Equal(old, new) {
		return nil
	}
	oldKey, err := g.keyOf(old)
	if err != nil {
		return err
	}
	newKey, err := g.keyOf(new)
	if err != nil {
		return err
	}

	if !g.hasher.Equal(oldKey, newKey) {
		return errors.Join(g.removeLocked(tok, oldKey, old), g.addLocked(tok, newKey, new))
	}

	grp, ok := g.groups.Load().Get(oldKey)
	if !ok {
		return g.addLocked(tok, newKey, new)
	}
	i := slices.IndexFunc(grp.items(), func(x T) bool { return g.eq.Equal(x, old) })
	if i < 0 {
		return g.addLocked(tok, newKey, new)
	}
	members := slices.Clone(grp.items())
	members[i] = new
	grp.publish(tok, members)

	return grp.emitReplaced(tok, old, new)
}

// evaluate regroups the upstream items. Existing group instances are reused so their observers
// survive; groups not touched by this evaluation are deleted, or cleared if observed.
func (g *GroupByOp[K, T]) evaluate(tok *UpdateToken[*Group[K, T]], upstream []T) ([]*Group[K, T], error) {
	keys := make([]K, len(upstream))
	for i, item := range upstream {
		key, err := g.keyOf(item)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}

	g.generation++
	mark := g.generation
	current := g.groups.Load()
	builder := immutable.NewMapBuilder[K, *Group[K, T]](g.hasher)
	members := make(map[*Group[K, T]][]T)
	var order []*Group[K, T]
	for i, item := range upstream {
		grp, ok := builder.Get(keys[i])
		if !ok {
			if grp, ok = current.Get(keys[i]); !ok {
				grp = newGroup(g, keys[i])
			}
			grp.mark = mark
			builder.Set(keys[i], grp)
			order = append(order, grp)
		}
		members[grp] = append(members[grp], item)
	}

	var cleared []*Group[K, T]
	for itr := current.Iterator(); !itr.Done(); {
		key, grp, _ := itr.Next()
		if grp.mark == mark {
			continue
		}
		if grp.isObserved() {
			builder.Set(key, grp)
			cleared = append(cleared, grp)
			continue
		}
		g.log.V(5).Info("stale group deleted", "key", fmt.Sprint(key))
	}

	g.pending = nil
	for _, grp := range order {
		old, next := grp.items(), members[grp]
		grp.listed = true
		if slices.EqualFunc(old, next, g.eq.Equal) {
			continue
		}
		grp.publish(tok, next)
		if grp.HasObservers() {
			g.pending = append(g.pending, groupChange[K, T]{group: grp, old: old, new: next})
		}
	}
	for _, grp := range cleared {
		old := grp.items()
		grp.listed = false
		if len(old) == 0 {
			continue
		}
		grp.publish(tok, nil)
		g.pending = append(g.pending, groupChange[K, T]{group: grp, old: old})
	}
	g.groups.Store(builder.Map())

	return order, nil
}

// afterEvaluate tells the observers of regrouped groups to re-pull. A rebuild cannot be expressed
// as member deltas, so the change is breaking.
func (g *GroupByOp[K, T]) afterEvaluate(tok *UpdateToken[*Group[K, T]]) error {
	pending := g.pending
	g.pending = nil

	var errs []error
	for _, c := range pending {
		errs = append(errs, c.group.observers.valueChanged(slices.Clip(c.old), slices.Clip(c.new), tok.NextVersion(), true))
	}
	return errors.Join(errs...)
}

func (g *GroupByOp[K, T]) onDropped(_ *UpdateToken[*Group[K, T]], breaking bool) error {
	var errs []error
	for itr := g.groups.Load().Iterator(); !itr.Done(); {
		_, grp, _ := itr.Next()
		errs = append(errs, grp.observers.invalidated(breaking))
	}
	return errors.Join(errs...)
}

func (g *GroupByOp[K, T]) dispose() {
	for itr := g.groups.Load().Iterator(); !itr.Done(); {
		_, grp, _ := itr.Next()
		grp.observers.clear()
	}
	g.groups.Store(immutable.NewMap[K, *Group[K, T]](g.hasher))
}
