package reactive

import (
	"fmt"
	"slices"
	"sync/atomic"
)

// Group is a key-addressed, independently observable sub-collection of a GroupByOp. A group is
// mutated only inside the update token of its GroupByOp and its versions are stamped by that token.
// An observed group survives losing all of its members and keeps delivering notifications to its
// observers when it is populated again.
type Group[K comparable, T any] struct {
	key       K
	parent    *GroupByOp[K, T]
	state     atomic.Pointer[snapshot[T]]
	observers observerList[T]

	// set by Lookup, cleared by Release
	pinned atomic.Bool

	// guarded by the parent token
	mark   int64
	listed bool
}

func newGroup[K comparable, T any](parent *GroupByOp[K, T], key K) *Group[K, T] {
	g := &Group[K, T]{key: key, parent: parent}
	g.state.Store(&snapshot[T]{materialized: true})
	return g
}

// Key returns the group key.
func (g *Group[K, T]) Key() K { return g.key }

// Version returns the version of the last change to the group.
func (g *Group[K, T]) Version() int64 { return g.state.Load().version }

// Len returns the number of members.
func (g *Group[K, T]) Len() int { return len(g.state.Load().items) }

// HasObservers reports whether the group has active subscriptions.
func (g *Group[K, T]) HasObservers() bool { return g.observers.len() > 0 }

// IsPinned reports whether the group was returned by Lookup and not released since.
func (g *Group[K, T]) IsPinned() bool { return g.pinned.Load() }

func (g *Group[K, T]) isObserved() bool { return g.pinned.Load() || g.HasObservers() }

// GetValue returns the members of the group. It materializes the parent GroupByOp if needed.
func (g *Group[K, T]) GetValue(c Collector) ([]T, error) {
	if err := g.parent.ensureMaterialized(); err != nil {
		return nil, err
	}
	s := g.state.Load()
	if c != nil {
		c.AddDependency(g, s.version)
	}
	return slices.Clip(s.items), nil
}

// AddObserver subscribes to the member changes of the group.
func (g *Group[K, T]) AddObserver(o Observer[T]) (Subscription, error) {
	if g.parent.disposed.Load() {
		return Subscription{}, ErrDisposed
	}
	sub := g.observers.add(g, o)
	g.parent.log.V(4).Info("group observer added", "key", fmt.Sprint(g.key), "subscription", sub.String())
	return sub, nil
}

// String returns a short description for logging.
func (g *Group[K, T]) String() string {
	return fmt.Sprintf("group(%v)/%d", g.key, g.Len())
}

func (g *Group[K, T]) removeObserver(id uint64) bool { return g.observers.remove(id) }

func (g *Group[K, T]) items() []T { return g.state.Load().items }

// publish stores the members stamped with the version of the parent transaction. The parent
// transaction is committed from here on: it advances the parent version even if a later group
// observer fails.
func (g *Group[K, T]) publish(tok *UpdateToken[*Group[K, T]], items []T) {
	tok.checkOpen()
	tok.SignalChange(false)
	tok.committed = true
	g.state.Store(&snapshot[T]{items: items, version: tok.NextVersion(), materialized: true})
}

func (g *Group[K, T]) emitAdded(tok *UpdateToken[*Group[K, T]], item T) error {
	if tok.IsBreaking() {
		return nil
	}
	return g.observers.added(item, tok.NextVersion())
}

func (g *Group[K, T]) emitRemoved(tok *UpdateToken[*Group[K, T]], item T) error {
	if tok.IsBreaking() {
		return nil
	}
	return g.observers.removed(item, tok.NextVersion())
}

func (g *Group[K, T]) emitReplaced(tok *UpdateToken[*Group[K, T]], old, new T) error {
	if tok.IsBreaking() {
		return nil
	}
	return g.observers.replaced(old, new, tok.NextVersion())
}
