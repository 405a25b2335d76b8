package reactive

import (
	"hash/maphash"

	"github.com/benbjohnson/immutable"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/equality"
)

// Equaler compares collection elements. Where uses it for the replace short-circuit, every
// collection uses it to locate removed items.
type Equaler[T any] interface {
	Equal(a, b T) bool
}

// EqualFunc adapts a function to an Equaler.
type EqualFunc[T any] func(a, b T) bool

func (f EqualFunc[T]) Equal(a, b T) bool { return f(a, b) }

// SemanticEqualer compares elements with apimachinery's semantic deep equality. This is the
// default.
func SemanticEqualer[T any]() Equaler[T] {
	return EqualFunc[T](func(a, b T) bool { return equality.Semantic.DeepEqual(a, b) })
}

// IdentityEqualer compares elements with ==. Use it for pointer elements such as groups.
func IdentityEqualer[T comparable]() Equaler[T] {
	return EqualFunc[T](func(a, b T) bool { return a == b })
}

type comparableHasher[K comparable] struct {
	seed maphash.Seed
}

// NewComparableHasher returns the default group-key hasher for comparable keys.
func NewComparableHasher[K comparable]() immutable.Hasher[K] {
	return comparableHasher[K]{seed: maphash.MakeSeed()}
}

func (h comparableHasher[K]) Hash(key K) uint32 { return uint32(maphash.Comparable(h.seed, key)) }
func (h comparableHasher[K]) Equal(a, b K) bool { return a == b }

type config struct {
	name    string
	log     logr.Logger
	equaler any
	hasher  any
}

// Option configures a collection.
type Option func(*config)

// WithLogger sets the logger of the collection. The default discards all logs.
func WithLogger(log logr.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithName overrides the name used in logs and errors.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithEqualer sets the element comparer. T must match the element type of the collection.
func WithEqualer[T any](eq Equaler[T]) Option {
	return func(c *config) { c.equaler = eq }
}

// WithKeyHasher sets the group-key hasher of a GroupBy. K must match the key type.
func WithKeyHasher[K any](h immutable.Hasher[K]) Option {
	return func(c *config) { c.hasher = h }
}

func newConfig(name string, opts []Option) *config {
	c := &config{name: name, log: logr.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithName(c.name)
	return c
}

func equalerFor[T any](c *config) (Equaler[T], error) {
	if c.equaler == nil {
		return SemanticEqualer[T](), nil
	}
	eq, ok := c.equaler.(Equaler[T])
	if !ok {
		return nil, NewInvalidOptionError("equaler", c.equaler, "matching element type")
	}
	return eq, nil
}

func hasherFor[K comparable](c *config) (immutable.Hasher[K], error) {
	if c.hasher == nil {
		return NewComparableHasher[K](), nil
	}
	h, ok := c.hasher.(immutable.Hasher[K])
	if !ok {
		return nil, NewInvalidOptionError("key hasher", c.hasher, "matching key type")
	}
	return h, nil
}
