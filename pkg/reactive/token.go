package reactive

import (
	"errors"
	"fmt"
	"slices"

	"github.com/l7mp/reactive-collections/pkg/util"
)

// UpdateToken is the transaction guarding one mutation of one collection. It holds the mutex of
// the collection from open to close, so at most one token is open per instance. Every notification
// emitted inside the token is stamped with NextVersion. If no change is signaled, closing the token
// is a no-op and the version does not advance.
type UpdateToken[T any] struct {
	e          *engine[T]
	old        *snapshot[T]
	minVersion int64
	next       int64
	fixed      bool
	changed    bool
	breaking   bool
	published  bool
	committed  bool
	closed     bool
}

func (t *UpdateToken[T]) checkOpen() {
	if t.closed {
		panic(fmt.Sprintf("reactive: update token of %s used after close", t.e.name))
	}
}

// raiseMinVersion lifts the version floor until the next version is fixed.
func (t *UpdateToken[T]) raiseMinVersion(v int64) {
	if !t.fixed && v > t.minVersion {
		t.minVersion = v
	}
}

// NextVersion returns the version stamped on the notifications of this transaction. It is fixed by
// the first call. A change driven by an upstream version ahead of the collection is stamped with
// exactly that version; a first materialization adopts the upstream version it was evaluated from.
// Otherwise the version is the previous one plus one.
func (t *UpdateToken[T]) NextVersion() int64 {
	t.checkOpen()
	if !t.fixed {
		switch {
		case t.minVersion > t.old.version:
			t.next = t.minVersion
		case !t.old.materialized:
			t.next = t.old.version
		default:
			t.next = t.old.version + 1
		}
		t.fixed = true
	}
	return t.next
}

// SignalChange marks the transaction as changing the collection. A breaking change cannot be
// expressed as item deltas: deltas are suppressed and observers only get OnValueChanged.
func (t *UpdateToken[T]) SignalChange(breaking bool) {
	t.checkOpen()
	t.changed = true
	t.breaking = t.breaking || breaking
}

// HasChange reports whether a change was signaled.
func (t *UpdateToken[T]) HasChange() bool { return t.changed }

// IsBreaking reports whether a breaking change was signaled.
func (t *UpdateToken[T]) IsBreaking() bool { return t.breaking }

// Value returns the value visible inside the transaction.
func (t *UpdateToken[T]) Value() []T { return slices.Clip(t.items()) }

func (t *UpdateToken[T]) items() []T { return t.e.state.Load().items }

// SetNewValue publishes the new value of the collection. It has to be called before the deltas of
// the transaction are emitted, so observers pulling from a handler see the new value.
func (t *UpdateToken[T]) SetNewValue(items []T) {
	t.checkOpen()
	t.SignalChange(false)
	t.e.state.Store(&snapshot[T]{items: items, version: t.NextVersion(), materialized: true})
	t.published, t.committed = true, true
}

func (t *UpdateToken[T]) emitAdded(item T) error {
	t.checkOpen()
	t.SignalChange(false)
	if t.breaking {
		return nil
	}
	v := t.NextVersion()
	if log := t.e.log.V(6); log.Enabled() {
		log.Info("item added", "version", v, "item", util.Stringify(item))
	}
	return t.e.observers.added(item, v)
}

func (t *UpdateToken[T]) emitRemoved(item T) error {
	t.checkOpen()
	t.SignalChange(false)
	if t.breaking {
		return nil
	}
	v := t.NextVersion()
	if log := t.e.log.V(6); log.Enabled() {
		log.Info("item removed", "version", v, "item", util.Stringify(item))
	}
	return t.e.observers.removed(item, v)
}

func (t *UpdateToken[T]) emitReplaced(old, new T) error {
	t.checkOpen()
	t.SignalChange(false)
	if t.breaking {
		return nil
	}
	v := t.NextVersion()
	if log := t.e.log.V(6); log.Enabled() {
		log.Info("item replaced", "version", v, "old", util.Stringify(old), "new", util.Stringify(new))
	}
	return t.e.observers.replaced(old, new, v)
}

// close commits the transaction and releases the token. An error with nothing committed aborts:
// the collection stays at its previous version. An error after the commit, typically from an
// observer, is returned next to the committed change.
func (t *UpdateToken[T]) close(err error) error {
	if t.closed {
		return err
	}
	defer t.release()

	if err != nil && !t.committed {
		return err
	}
	if !t.changed {
		return err
	}

	v := t.NextVersion()
	if !t.published {
		cur := t.e.state.Load()
		t.e.state.Store(&snapshot[T]{items: cur.items, version: v, materialized: cur.materialized})
	}

	cur := t.e.state.Load()
	t.e.log.V(5).Info("transaction committed", "version", v, "breaking", t.breaking, "size", len(cur.items))

	return errors.Join(err, t.e.observers.valueChanged(slices.Clip(t.old.items), slices.Clip(cur.items), v, t.breaking))
}

func (t *UpdateToken[T]) release() {
	if !t.closed {
		t.closed = true
		t.e.mu.Unlock()
	}
}
