package reactive

import (
	"errors"
	"fmt"
)

// hooks is the closed set of operations an operator supplies to the shared engine: full
// evaluation from the upstream value and the three incremental hooks. Hooks run inside the update
// token of the operator. A hook must finish everything that can fail before it publishes with
// SetNewValue, and emit its deltas only after publishing.
type hooks[S, T any] interface {
	evaluate(tok *UpdateToken[T], upstream []S) ([]T, error)
	onSourceAdded(tok *UpdateToken[T], item S) error
	onSourceRemoved(tok *UpdateToken[T], item S) error
	onSourceReplaced(tok *UpdateToken[T], old, new S) error
}

// afterEvaluator is implemented by operators that have notifications of their own to deliver
// once a full evaluation is published.
type afterEvaluator[T any] interface {
	afterEvaluate(tok *UpdateToken[T]) error
}

// dropper is implemented by operators that hold resources tied to the materialized value.
type dropper[T any] interface {
	onDropped(tok *UpdateToken[T], breaking bool) error
}

// disposer is implemented by operators with resources to release on Dispose.
type disposer interface {
	dispose()
}

// operator is the base engine of every derived collection: lazy materialization, versioning,
// upstream subscription and observer management.
type operator[S, T any] struct {
	engine[T]
	source             Source[S]
	sourceSub          Subscription
	hooks              hooks[S, T]
	alwaysMaterialized bool
}

// newOperator creates an operator and eagerly subscribes it to its source.
func newOperator[S, T any](cfg *config, source Source[S], h hooks[S, T], alwaysMaterialized bool) (*operator[S, T], error) {
	o := &operator[S, T]{
		source:             source,
		hooks:              h,
		alwaysMaterialized: alwaysMaterialized,
	}
	o.init(cfg, nil, false)

	o.mu.Lock()
	defer o.mu.Unlock()
	sub, err := source.AddObserver(&sourceObserver[S, T]{op: o})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s to its source: %w", o.name, err)
	}
	o.sourceSub = sub
	o.log.V(4).Info("operator created", "subscription", sub.String())

	return o, nil
}

// GetValue returns the current value of the operator, evaluating it on the first call.
func (o *operator[S, T]) GetValue(c Collector) ([]T, error) {
	for {
		if o.disposed.Load() {
			return nil, ErrDisposed
		}
		if items, ok := o.read(c, o); ok {
			return items, nil
		}
		if err := o.materialize(); err != nil {
			return nil, err
		}
	}
}

// AddObserver subscribes an observer. Operators that have to hold state to deliver deltas are
// materialized first.
func (o *operator[S, T]) AddObserver(obs Observer[T]) (Subscription, error) {
	if o.disposed.Load() {
		return Subscription{}, ErrDisposed
	}
	if o.alwaysMaterialized && !o.IsMaterialized() {
		if err := o.materialize(); err != nil {
			return Subscription{}, err
		}
	}
	return o.addObserver(obs)
}

// Dispose unsubscribes the operator from its source and drops all observers.
func (o *operator[S, T]) Dispose() {
	if o.disposed.Swap(true) {
		return
	}
	o.sourceSub.Dispose()

	o.mu.Lock()
	defer o.mu.Unlock()
	if d, ok := o.hooks.(disposer); ok {
		d.dispose()
	}
	o.observers.clear()
	o.state.Store(&snapshot[T]{version: o.state.Load().version})
	o.log.V(4).Info("operator disposed")
}

func (o *operator[S, T]) materialize() error {
	return o.transact(0, func(tok *UpdateToken[T]) error {
		if tok.old.materialized {
			return nil
		}
		if err := o.evaluateLocked(tok, false); err != nil {
			return NewEvaluationError(o.name, err)
		}
		return nil
	})
}

// evaluateLocked recomputes the value from the upstream value. Re-evaluating an already
// materialized operator is a breaking change.
func (o *operator[S, T]) evaluateLocked(tok *UpdateToken[T], breaking bool) error {
	vc := &versionCollector{}
	upstream, err := o.source.GetValue(vc)
	if err != nil {
		return err
	}
	tok.raiseMinVersion(vc.version)

	if breaking {
		tok.SignalChange(true)
	}
	items, err := o.hooks.evaluate(tok, upstream)
	if err != nil {
		return err
	}
	tok.SetNewValue(items)
	o.log.V(5).Info("eval ready", "version", tok.NextVersion(), "breaking", breaking, "size", len(items))

	if a, ok := o.hooks.(afterEvaluator[T]); ok {
		return a.afterEvaluate(tok)
	}
	return nil
}

// apply runs an incremental hook triggered by an upstream notification. Notifications are ignored
// until the operator materialized once. If the hook fails before committing, the operator drops
// its value so the next pull recomputes it, and the error goes back to the notifier. Errors after
// the commit come from observers and are returned with the committed change.
func (o *operator[S, T]) apply(version int64, event string, hook func(tok *UpdateToken[T]) error) error {
	return o.transact(version, func(tok *UpdateToken[T]) error {
		if !tok.old.materialized {
			o.log.V(4).Info("ignoring event: not materialized", "event", event)
			return nil
		}
		err := hook(tok)
		if err == nil || tok.committed {
			return err
		}
		err = NewEvaluationError(o.name, err)
		return errors.Join(err, o.dropLocked(tok, true))
	})
}

func (o *operator[S, T]) dropLocked(tok *UpdateToken[T], breaking bool) error {
	var err error
	if d, ok := o.hooks.(dropper[T]); ok {
		err = d.onDropped(tok, breaking)
	}
	return errors.Join(err, o.engine.dropLocked(tok, breaking))
}

func (o *operator[S, T]) invalidate(breaking bool) error {
	return o.transact(0, func(tok *UpdateToken[T]) error {
		return o.dropLocked(tok, breaking)
	})
}

func (o *operator[S, T]) reevaluate(version int64, event string) error {
	return o.apply(version, event, func(tok *UpdateToken[T]) error {
		return o.evaluateLocked(tok, true)
	})
}

// sourceObserver routes the notifications of the upstream source into the operator.
type sourceObserver[S, T any] struct {
	op *operator[S, T]
}

func (s *sourceObserver[S, T]) check(sub Subscription) error {
	if sub.id != s.op.sourceSub.id {
		return fmt.Errorf("%s: %w %s", s.op.name, ErrUnknownSubscription, sub)
	}
	return nil
}

func (s *sourceObserver[S, T]) OnItemAdded(sub Subscription, item S, version int64) error {
	return s.op.apply(version, "added", func(tok *UpdateToken[T]) error {
		if err := s.check(sub); err != nil {
			return err
		}
		return s.op.hooks.onSourceAdded(tok, item)
	})
}

func (s *sourceObserver[S, T]) OnItemRemoved(sub Subscription, item S, version int64) error {
	return s.op.apply(version, "removed", func(tok *UpdateToken[T]) error {
		if err := s.check(sub); err != nil {
			return err
		}
		return s.op.hooks.onSourceRemoved(tok, item)
	})
}

func (s *sourceObserver[S, T]) OnItemReplaced(sub Subscription, old, new S, version int64) error {
	return s.op.apply(version, "replaced", func(tok *UpdateToken[T]) error {
		if err := s.check(sub); err != nil {
			return err
		}
		return s.op.hooks.onSourceReplaced(tok, old, new)
	})
}

func (s *sourceObserver[S, T]) OnValueChanged(sub Subscription, _, _ []S, version int64, breaking bool) error {
	if !breaking {
		// the deltas of the transaction were already applied
		return nil
	}
	return s.op.reevaluate(version, "breaking change")
}

func (s *sourceObserver[S, T]) OnValueInvalidated(_ Subscription, breaking bool) error {
	return s.op.invalidate(breaking)
}

// versionCollector captures the version of a single read.
type versionCollector struct {
	version int64
}

func (c *versionCollector) AddDependency(_ Versioned, version int64) {
	c.version = max(c.version, version)
}
