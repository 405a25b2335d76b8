package reactive

import (
	"sync"

	"github.com/go-logr/logr"
)

// Collector records the collections read during a computation.
type Collector interface {
	AddDependency(source Versioned, version int64)
}

// Dependency is a collection read at a version.
type Dependency struct {
	Source  Versioned
	Version int64
}

// DependencyTracker is a Collector that remembers every (source, version) pair read during a
// computation, in read order. A source read twice keeps its oldest version.
type DependencyTracker struct {
	mu    sync.Mutex
	deps  []Dependency
	index map[Versioned]int
}

// NewDependencyTracker creates an empty tracker.
func NewDependencyTracker() *DependencyTracker {
	return &DependencyTracker{index: make(map[Versioned]int)}
}

// AddDependency implements Collector.
func (t *DependencyTracker) AddDependency(source Versioned, version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.index[source]; ok {
		t.deps[i].Version = min(t.deps[i].Version, version)
		return
	}
	t.index[source] = len(t.deps)
	t.deps = append(t.deps, Dependency{Source: source, Version: version})
}

// Dependencies returns the recorded dependencies.
func (t *DependencyTracker) Dependencies() []Dependency {
	t.mu.Lock()
	defer t.mu.Unlock()
	ret := make([]Dependency, len(t.deps))
	copy(ret, t.deps)
	return ret
}

// Len returns the number of distinct sources read.
func (t *DependencyTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deps)
}

// IsStale reports whether any recorded source moved past the version that was read.
func (t *DependencyTracker) IsStale() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.deps {
		if d.Source.Version() != d.Version {
			return true
		}
	}
	return false
}

// Reset forgets all dependencies.
func (t *DependencyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deps = nil
	t.index = make(map[Versioned]int)
}

// Memo caches the result of a computation over reactive collections and recomputes it only when a
// collection it read has advanced.
type Memo[T any] struct {
	mu      sync.Mutex
	compute func(c Collector) (T, error)
	tracker *DependencyTracker
	value   T
	valid   bool
	log     logr.Logger
}

// NewMemo creates a memoized computation. The compute function must pass the collector to every
// GetValue call it makes.
func NewMemo[T any](compute func(c Collector) (T, error), log logr.Logger) *Memo[T] {
	return &Memo[T]{compute: compute, log: log.WithName("memo")}
}

// Get returns the cached value or recomputes it.
func (m *Memo[T]) Get() (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.valid && !m.tracker.IsStale() {
		return m.value, nil
	}

	tracker := NewDependencyTracker()
	value, err := m.compute(tracker)
	if err != nil {
		m.valid = false
		var zero T
		return zero, err
	}

	m.value, m.tracker, m.valid = value, tracker, true
	m.log.V(5).Info("recomputed", "dependencies", tracker.Len())

	return value, nil
}

// Invalidate forces recomputation on the next Get.
func (m *Memo[T]) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valid = false
}
