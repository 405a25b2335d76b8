package reactive

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// snapshot is an immutable published state of a collection. The items slice is never written in
// place after publication; a new snapshot may share its backing array beyond len(items).
type snapshot[T any] struct {
	items        []T
	version      int64
	materialized bool
}

// engine holds the state shared by every collection: the single-writer mutex, the published
// snapshot and the observers.
type engine[T any] struct {
	name      string
	mu        sync.Mutex
	state     atomic.Pointer[snapshot[T]]
	observers observerList[T]
	disposed  atomic.Bool
	log       logr.Logger
}

func (e *engine[T]) init(cfg *config, items []T, materialized bool) {
	e.name = cfg.name
	e.log = cfg.log
	e.state.Store(&snapshot[T]{items: items, materialized: materialized})
}

// Name returns the name of the collection.
func (e *engine[T]) Name() string { return e.name }

// Version returns the current version of the collection.
func (e *engine[T]) Version() int64 { return e.state.Load().version }

// ObserverCount returns the number of active subscriptions.
func (e *engine[T]) ObserverCount() int { return e.observers.len() }

// IsMaterialized reports whether the collection holds an evaluated value.
func (e *engine[T]) IsMaterialized() bool { return e.state.Load().materialized }

func (e *engine[T]) removeObserver(id uint64) bool { return e.observers.remove(id) }

func (e *engine[T]) addObserver(o Observer[T]) (Subscription, error) {
	if e.disposed.Load() {
		return Subscription{}, ErrDisposed
	}
	sub := e.observers.add(e, o)
	e.log.V(4).Info("observer added", "subscription", sub.String())
	return sub, nil
}

// read returns the published value if the collection is materialized.
func (e *engine[T]) read(c Collector, self Versioned) ([]T, bool) {
	s := e.state.Load()
	if !s.materialized {
		return nil, false
	}
	if c != nil {
		c.AddDependency(self, s.version)
	}
	return slices.Clip(s.items), true
}

// openUpdateToken acquires the single-writer scope of the collection. It blocks while another
// token is open on the same instance.
func (e *engine[T]) openUpdateToken(minVersion int64) *UpdateToken[T] {
	e.mu.Lock()
	return &UpdateToken[T]{e: e, old: e.state.Load(), minVersion: minVersion}
}

// transact runs fn inside an update token and closes it.
func (e *engine[T]) transact(minVersion int64, fn func(tok *UpdateToken[T]) error) error {
	tok := e.openUpdateToken(minVersion)
	defer tok.release()
	return tok.close(fn(tok))
}

// dropLocked discards the materialized value without advancing the version and tells the observers
// to re-pull.
func (e *engine[T]) dropLocked(tok *UpdateToken[T], breaking bool) error {
	tok.checkOpen()
	cur := e.state.Load()
	if !cur.materialized {
		return nil
	}
	e.state.Store(&snapshot[T]{version: cur.version})
	e.log.V(4).Info("value invalidated", "version", cur.version, "breaking", breaking)
	return e.observers.invalidated(breaking)
}
