// Package delta records the notifications of a reactive collection and replays them.
package delta

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	toolscache "k8s.io/client-go/tools/cache"

	"github.com/l7mp/reactive-collections/pkg/reactive"
	"github.com/l7mp/reactive-collections/pkg/util"
)

const (
	Added    = toolscache.Added
	Deleted  = toolscache.Deleted
	Updated  = toolscache.Updated
	Replaced = toolscache.Replaced

	// Invalidated marks a dropped materialization: the value must be pulled again.
	Invalidated toolscache.DeltaType = "Invalidated"
)

// ErrInvalidated is returned when a delta sequence cannot be replayed past an invalidation.
var ErrInvalidated = errors.New("delta sequence contains an invalidation")

// Delta registers one notification of a collection. Object is set for item notifications, Old is
// set for Updated, Items holds the new value for Replaced.
type Delta[T any] struct {
	Type     toolscache.DeltaType
	Object   T
	Old      T
	Items    []T
	Version  int64
	Breaking bool
}

// String returns a short description for logging.
func (d Delta[T]) String() string {
	switch d.Type {
	case Added, Deleted:
		return fmt.Sprintf("%s(%s)@%d", d.Type, util.Stringify(d.Object), d.Version)
	case Updated:
		return fmt.Sprintf("%s(%s->%s)@%d", d.Type, util.Stringify(d.Old), util.Stringify(d.Object), d.Version)
	case Replaced:
		return fmt.Sprintf("%s(breaking=%t)@%d", d.Type, d.Breaking, d.Version)
	default:
		return fmt.Sprintf("%s(breaking=%t)", d.Type, d.Breaking)
	}
}

// Recorder is an observer that records every notification it receives.
type Recorder[T any] struct {
	mu     sync.Mutex
	deltas []Delta[T]
	log    logr.Logger
}

var _ reactive.Observer[int] = &Recorder[int]{}

// NewRecorder creates an empty recorder.
func NewRecorder[T any](log logr.Logger) *Recorder[T] {
	return &Recorder[T]{log: log.WithName("recorder")}
}

func (r *Recorder[T]) push(d Delta[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, d)
	r.log.V(6).Info("delta", "delta", d.String())
}

func (r *Recorder[T]) OnItemAdded(_ reactive.Subscription, item T, version int64) error {
	r.push(Delta[T]{Type: Added, Object: item, Version: version})
	return nil
}

func (r *Recorder[T]) OnItemRemoved(_ reactive.Subscription, item T, version int64) error {
	r.push(Delta[T]{Type: Deleted, Object: item, Version: version})
	return nil
}

func (r *Recorder[T]) OnItemReplaced(_ reactive.Subscription, old, new T, version int64) error {
	r.push(Delta[T]{Type: Updated, Object: new, Old: old, Version: version})
	return nil
}

func (r *Recorder[T]) OnValueChanged(_ reactive.Subscription, _, new []T, version int64, breaking bool) error {
	r.push(Delta[T]{Type: Replaced, Items: slices.Clone(new), Version: version, Breaking: breaking})
	return nil
}

func (r *Recorder[T]) OnValueInvalidated(_ reactive.Subscription, breaking bool) error {
	r.push(Delta[T]{Type: Invalidated, Breaking: breaking})
	return nil
}

// Deltas returns a copy of the recorded deltas.
func (r *Recorder[T]) Deltas() []Delta[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.deltas)
}

// Len returns the number of recorded deltas.
func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deltas)
}

// Versions returns the versions of the recorded deltas, skipping invalidations.
func (r *Recorder[T]) Versions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := []int64{}
	for _, d := range r.deltas {
		if d.Type != Invalidated {
			ret = append(ret, d.Version)
		}
	}
	return ret
}

// Filter returns the recorded deltas of the given type.
func (r *Recorder[T]) Filter(t toolscache.DeltaType) []Delta[T] {
	return slices.DeleteFunc(r.Deltas(), func(d Delta[T]) bool { return d.Type != t })
}

// Reset drops the recorded deltas.
func (r *Recorder[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = nil
}

// Replay applies deltas to a copy of base. Non-breaking value changes only summarize the item
// deltas that precede them and are skipped; a breaking one replaces the whole value.
func Replay[T any](base []T, deltas []Delta[T], eq reactive.Equaler[T]) ([]T, error) {
	ret := slices.Clone(base)
	for _, d := range deltas {
		switch d.Type {
		case Added:
			ret = append(ret, d.Object)
		case Deleted:
			i := slices.IndexFunc(ret, func(x T) bool { return eq.Equal(x, d.Object) })
			if i < 0 {
				return nil, fmt.Errorf("cannot replay %s: no such item", d)
			}
			ret = slices.Delete(ret, i, i+1)
		case Updated:
			i := slices.IndexFunc(ret, func(x T) bool { return eq.Equal(x, d.Old) })
			if i < 0 {
				return nil, fmt.Errorf("cannot replay %s: no such item", d)
			}
			ret[i] = d.Object
		case Replaced:
			if d.Breaking {
				ret = slices.Clone(d.Items)
			}
		case Invalidated:
			return nil, ErrInvalidated
		default:
			return nil, fmt.Errorf("unknown delta type %q", d.Type)
		}
	}
	return ret, nil
}

// SameItems reports whether a and b hold the same items with the same multiplicities, in any
// order.
func SameItems[T any](a, b []T, eq reactive.Equaler[T]) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, x := range a {
		found := false
		for j, y := range b {
			if !used[j] && eq.Equal(x, y) {
				used[j], found = true, true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
