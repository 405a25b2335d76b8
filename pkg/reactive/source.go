package reactive

import (
	"fmt"
	"sync/atomic"
)

// Versioned is anything that carries a monotonic version.
type Versioned interface {
	// Version returns the current version. Versions never decrease.
	Version() int64
}

// Source is the pull/push contract every collection of the graph implements.
type Source[T any] interface {
	Versioned
	// GetValue returns the current materialized sequence, evaluating it first if needed. The
	// returned slice must not be modified. If c is not nil, the read is recorded in c.
	GetValue(c Collector) ([]T, error)
	// AddObserver subscribes an observer to the changes of the collection.
	AddObserver(o Observer[T]) (Subscription, error)
}

// Observer receives the changes of a Source. The version passed with a notification is the version
// the source has after the change. A non-nil error is returned to the caller that triggered the
// change.
type Observer[T any] interface {
	OnItemAdded(sub Subscription, item T, version int64) error
	OnItemRemoved(sub Subscription, item T, version int64) error
	OnItemReplaced(sub Subscription, old, new T, version int64) error
	// OnValueChanged is sent once per transaction that changed the source. If breaking is false the
	// item deltas of the transaction have already been delivered; if it is true no deltas were sent
	// and the observer has to discard anything derived from the previous value.
	OnValueChanged(sub Subscription, old, new []T, version int64, breaking bool) error
	// OnValueInvalidated tells the observer that the source dropped its materialized value. The
	// next pull recomputes it.
	OnValueInvalidated(sub Subscription, breaking bool) error
}

type unsubscriber interface {
	removeObserver(id uint64) bool
}

var subscriptionIDs atomic.Uint64

// Subscription is an opaque handle binding one observer to one source. It must be disposed
// explicitly to stop receiving notifications.
type Subscription struct {
	id    uint64
	owner unsubscriber
}

func newSubscription(owner unsubscriber) Subscription {
	return Subscription{id: subscriptionIDs.Add(1), owner: owner}
}

// ID returns the unique id of the subscription.
func (s Subscription) ID() uint64 { return s.id }

// IsZero reports whether s is the zero subscription.
func (s Subscription) IsZero() bool { return s.id == 0 }

// Dispose unsubscribes the observer. Disposing twice is a no-op.
func (s Subscription) Dispose() {
	if s.owner != nil {
		s.owner.removeObserver(s.id)
	}
}

// String returns the subscription id for logging.
func (s Subscription) String() string { return fmt.Sprintf("sub-%d", s.id) }

// Predicate decides whether an item passes a Where filter. It must be deterministic.
type Predicate[T any] func(T) (bool, error)

// KeySelector returns the group key of an item.
type KeySelector[T, K any] func(T) (K, error)

// Expander maps an item to the plain sequence it contributes to a SelectMany.
type Expander[S, T any] func(S) ([]T, error)

// SourceSelector maps an item to the nested source it contributes to a SelectManyObservable. The
// same item must always map to the same source and sources must be comparable (pointers).
type SourceSelector[S, T any] func(S) (Source[T], error)

// Pred lifts an infallible predicate.
func Pred[T any](f func(T) bool) Predicate[T] {
	return func(item T) (bool, error) { return f(item), nil }
}

// Key lifts an infallible key selector.
func Key[T, K any](f func(T) K) KeySelector[T, K] {
	return func(item T) (K, error) { return f(item), nil }
}

// Expand lifts an infallible expander.
func Expand[S, T any](f func(S) []T) Expander[S, T] {
	return func(item S) ([]T, error) { return f(item), nil }
}

// Select lifts an infallible source selector.
func Select[S, T any](f func(S) Source[T]) SourceSelector[S, T] {
	return func(item S) (Source[T], error) { return f(item), nil }
}
