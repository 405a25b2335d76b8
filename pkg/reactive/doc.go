// Package reactive implements an incremental reactive-collection engine: a graph of versioned,
// observable collections where derived collections are kept up to date by applying item deltas
// instead of recomputing from scratch, while still supporting full on-demand recomputation.
//
// Every collection implements Source: it can be pulled (GetValue), observed (AddObserver) and
// carries a monotonic version. Derived collections are operators built over a source:
//
//   - WhereOp: filters items by a predicate.
//   - SelectManyOp: flattens the plain slices an expander returns for each item.
//   - SelectManyObservableOp: flattens nested sources, sharing one reference-counted subscription
//     per distinct nested source.
//   - GroupByOp: groups items by key into independently observable Groups.
//
// Operators materialize lazily on the first pull and from then on apply upstream deltas inside an
// UpdateToken, the single-writer transaction that stamps the version of every notification it
// emits. A downstream change is stamped with the exact upstream version that produced it, and a
// first materialization adopts the version of the upstream value it was evaluated from. Only a
// change of the operator's own making, such as a group created by Lookup or a nested source lagging
// behind, is stamped with the previous version plus one.
//
// Concurrency: mutations of one collection are serialized by a per-instance mutex held for the
// lifetime of an UpdateToken. Pulls of a materialized collection read an immutable snapshot and
// never block. Notifications are delivered synchronously, in subscription order, before the token
// is released: a slow observer delays the mutation that triggered it and every observer queued
// after it. An observer must not mutate a collection upstream of itself from inside a handler; the
// nested acquisition of the upstream token deadlocks. For the same reason an observer must not
// pull the invalidated collection from inside OnValueInvalidated; it should pull later.
//
// SelectManyObservableOp subscribes to nested sources while it holds its own token. Subscribing to
// a materialized source takes no lock, but an unmaterialized nested operator is materialized there,
// taking the nested lock after the outer one, while the pushes of that nested operator take the
// locks in the opposite order. When pushes arrive concurrently, pull nested operators before they
// are selected.
//
// Example usage:
//
//	list, err := reactive.NewList([]int{1, 2, 3, 4})
//	evens, err := reactive.NewWhere(list, reactive.Pred(func(x int) bool { return x%2 == 0 }))
//	items, err := evens.GetValue(nil) // [2 4]
//	err = list.Add(6)                 // evens emits Added(6)
package reactive
