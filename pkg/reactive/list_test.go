package reactive_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/reactive-collections/pkg/delta"
	"github.com/l7mp/reactive-collections/pkg/reactive"
)

var _ = Describe("List", func() {
	var list *reactive.List[int]

	BeforeEach(func() {
		list = newList(1, 2, 3)
	})

	AfterEach(func() {
		list.Dispose()
	})

	It("should hold a copy of the initial items", func() {
		items := []int{1, 2}
		l, err := reactive.NewList(items)
		Expect(err).NotTo(HaveOccurred())
		items[0] = 10
		Expect(value[int](l)).To(Equal([]int{1, 2}))
		Expect(l.Version()).To(Equal(int64(0)))
		Expect(l.IsMaterialized()).To(BeTrue())
	})

	It("should add items in a single transaction", func() {
		r, _ := observe[int](list)

		Expect(list.Add(4, 5)).To(Succeed())
		Expect(value[int](list)).To(Equal([]int{1, 2, 3, 4, 5}))
		Expect(list.Version()).To(Equal(int64(1)))

		ds := r.Deltas()
		Expect(ds).To(HaveLen(3))
		Expect(ds[0].Type).To(Equal(delta.Added))
		Expect(ds[0].Object).To(Equal(4))
		Expect(ds[1].Object).To(Equal(5))
		Expect(ds[2].Type).To(Equal(delta.Replaced))
		Expect(ds[2].Breaking).To(BeFalse())
		Expect(ds[2].Items).To(Equal([]int{1, 2, 3, 4, 5}))
		Expect(r.Versions()).To(Equal([]int64{1, 1, 1}))
	})

	It("should not advance the version without a change", func() {
		r, _ := observe[int](list)

		Expect(list.Add()).To(Succeed())
		found, err := list.Remove(42)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())
		found, err = list.Replace(42, 43)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeFalse())

		Expect(list.Version()).To(Equal(int64(0)))
		Expect(r.Len()).To(Equal(0))
	})

	It("should remove the first equal item", func() {
		Expect(list.Add(2)).To(Succeed())
		r, _ := observe[int](list)

		found, err := list.Remove(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(value[int](list)).To(Equal([]int{1, 3, 2}))

		Expect(itemDeltas(r)).To(HaveLen(1))
		Expect(itemDeltas(r)[0].Type).To(Equal(delta.Deleted))
		Expect(itemDeltas(r)[0].Object).To(Equal(2))
	})

	It("should replace in place", func() {
		r, _ := observe[int](list)

		found, err := list.Replace(2, 20)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(value[int](list)).To(Equal([]int{1, 20, 3}))

		ds := itemDeltas(r)
		Expect(ds).To(HaveLen(1))
		Expect(ds[0].Type).To(Equal(delta.Updated))
		Expect(ds[0].Old).To(Equal(2))
		Expect(ds[0].Object).To(Equal(20))
	})

	It("should report a reset as a breaking change", func() {
		r, _ := observe[int](list)

		Expect(list.Reset([]int{7, 8})).To(Succeed())
		Expect(value[int](list)).To(Equal([]int{7, 8}))

		ds := r.Deltas()
		Expect(ds).To(HaveLen(1))
		Expect(ds[0].Type).To(Equal(delta.Replaced))
		Expect(ds[0].Breaking).To(BeTrue())
		Expect(ds[0].Items).To(Equal([]int{7, 8}))
	})

	It("should keep published snapshots immutable", func() {
		before := value[int](list)
		Expect(list.Add(4)).To(Succeed())
		_, err := list.Replace(1, 10)
		Expect(err).NotTo(HaveOccurred())

		Expect(before).To(Equal([]int{1, 2, 3}))
		Expect(value[int](list)).To(Equal([]int{10, 2, 3, 4}))
	})

	It("should stop notifying a disposed subscription", func() {
		r, sub := observe[int](list)
		Expect(list.ObserverCount()).To(Equal(1))

		sub.Dispose()
		sub.Dispose()
		Expect(list.ObserverCount()).To(Equal(0))

		Expect(list.Add(4)).To(Succeed())
		Expect(r.Len()).To(Equal(0))
	})

	It("should refuse operations after dispose", func() {
		list.Dispose()

		_, err := list.GetValue(nil)
		Expect(err).To(MatchError(reactive.ErrDisposed))
		_, err = list.AddObserver(delta.NewRecorder[int](logger))
		Expect(err).To(MatchError(reactive.ErrDisposed))
		Expect(list.Add(1)).To(MatchError(reactive.ErrDisposed))
	})

	It("should record the read version in a collector", func() {
		Expect(list.Add(4)).To(Succeed())
		tracker := reactive.NewDependencyTracker()

		_, err := list.GetValue(tracker)
		Expect(err).NotTo(HaveOccurred())
		Expect(tracker.Dependencies()).To(HaveLen(1))
		Expect(tracker.Dependencies()[0].Version).To(Equal(int64(1)))
	})
})
