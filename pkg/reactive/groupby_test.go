package reactive_test

import (
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/reactive-collections/pkg/delta"
	"github.com/l7mp/reactive-collections/pkg/reactive"
)

type (
	intGroupBy = reactive.GroupByOp[int, int]
	intGroup   = reactive.Group[int, int]
)

func parity(x int) int { return x % 2 }

func keys(groups []*intGroup) []int {
	ret := []int{}
	for _, g := range groups {
		ret = append(ret, g.Key())
	}
	return ret
}

var _ = Describe("GroupBy", func() {
	var (
		list    *reactive.List[int]
		grouped *intGroupBy
	)

	BeforeEach(func() {
		var err error
		list = newList(1, 2, 3)
		grouped, err = reactive.NewGroupBy[int, int](list, reactive.Key(parity), opts("parity")...)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		grouped.Dispose()
		list.Dispose()
	})

	lookup := func(key int) *intGroup {
		g, err := grouped.Lookup(key)
		Expect(err).NotTo(HaveOccurred())
		Expect(g).NotTo(BeNil())
		return g
	}

	It("should group by key in order of first appearance", func() {
		groups := value[*intGroup](grouped)
		Expect(keys(groups)).To(Equal([]int{1, 0}))
		Expect(value[int](lookup(0))).To(Equal([]int{2}))
		Expect(value[int](lookup(1))).To(Equal([]int{1, 3}))
	})

	It("should return the same group instance for a key", func() {
		Expect(lookup(0)).To(BeIdenticalTo(lookup(0)))
		Expect(value[*intGroup](grouped)[1]).To(BeIdenticalTo(lookup(0)))
	})

	It("should create an empty group on the lookup of an absent key", func() {
		r, _ := observe[*intGroup](grouped)

		g := lookup(42)
		Expect(g.Key()).To(Equal(42))
		Expect(g.Len()).To(Equal(0))
		Expect(value[int](g)).To(BeEmpty())
		Expect(keys(value[*intGroup](grouped))).To(Equal([]int{1, 0, 42}))

		ds := itemDeltas(r)
		Expect(ds).To(HaveLen(1))
		Expect(ds[0].Type).To(Equal(delta.Added))
		Expect(ds[0].Object).To(BeIdenticalTo(g))
		Expect(lookup(42)).To(BeIdenticalTo(g))
	})

	It("should notify a subscriber of an empty group when it gains members", func() {
		grouped, err := reactive.NewGroupBy[int, int](list, reactive.Key(func(x int) int { return x % 5 }), opts("mod5")...)
		Expect(err).NotTo(HaveOccurred())
		defer grouped.Dispose()

		g, err := grouped.Lookup(0)
		Expect(err).NotTo(HaveOccurred())
		r, _ := observe[int](g)

		Expect(list.Add(10)).To(Succeed())
		Expect(value[int](g)).To(Equal([]int{10}))
		ds := itemDeltas(r)
		Expect(ds).To(HaveLen(1))
		Expect(ds[0].Type).To(Equal(delta.Added))
		Expect(ds[0].Object).To(Equal(10))
	})

	It("should route member changes to the group and new groups to the group set", func() {
		groups, _ := observe[*intGroup](grouped)
		odd := lookup(1)
		members, _ := observe[int](odd)

		Expect(list.Add(5)).To(Succeed())
		Expect(value[int](odd)).To(Equal([]int{1, 3, 5}))
		Expect(itemDeltas(members)).To(HaveLen(1))
		Expect(itemDeltas(groups)).To(BeEmpty())
		Expect(odd.Version()).To(Equal(grouped.Version()))
	})

	It("should keep an observed group alive when it loses its last member", func() {
		r, _ := observe[*intGroup](grouped)
		even := lookup(0)
		members, _ := observe[int](even)

		_, err := list.Remove(2)
		Expect(err).NotTo(HaveOccurred())

		// removed from the group set but the instance persists
		Expect(keys(value[*intGroup](grouped))).To(Equal([]int{1}))
		Expect(grouped.HasGroup(0)).To(BeTrue())
		ds := itemDeltas(r)
		Expect(ds).To(HaveLen(1))
		Expect(ds[0].Type).To(Equal(delta.Deleted))
		Expect(ds[0].Object).To(BeIdenticalTo(even))
		Expect(itemDeltas(members)).To(HaveLen(1))

		// a new even item reuses the instance and the same subscription
		members.Reset()
		r.Reset()
		Expect(list.Add(4)).To(Succeed())
		Expect(lookup(0)).To(BeIdenticalTo(even))
		Expect(value[int](even)).To(Equal([]int{4}))
		mds := itemDeltas(members)
		Expect(mds).To(HaveLen(1))
		Expect(mds[0].Object).To(Equal(4))
		Expect(itemDeltas(r)).To(HaveLen(1))
		Expect(itemDeltas(r)[0].Object).To(BeIdenticalTo(even))
	})

	It("should keep a looked-up group alive when it loses its last member", func() {
		r, _ := observe[*intGroup](grouped)
		even := lookup(0)
		Expect(even.IsPinned()).To(BeTrue())

		_, err := list.Remove(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(keys(value[*intGroup](grouped))).To(Equal([]int{1}))
		Expect(grouped.HasGroup(0)).To(BeTrue())
		Expect(itemDeltas(r)).To(HaveLen(1))
		Expect(itemDeltas(r)[0].Type).To(Equal(delta.Deleted))

		Expect(list.Add(4)).To(Succeed())
		Expect(lookup(0)).To(BeIdenticalTo(even))
		Expect(value[int](even)).To(Equal([]int{4}))
		Expect(keys(value[*intGroup](grouped))).To(Equal([]int{1, 0}))
	})

	It("should delete a group that was neither looked up nor observed", func() {
		r, _ := observe[*intGroup](grouped)
		even := value[*intGroup](grouped)[1]
		Expect(even.IsPinned()).To(BeFalse())

		_, err := list.Remove(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(keys(value[*intGroup](grouped))).To(Equal([]int{1}))
		Expect(grouped.HasGroup(0)).To(BeFalse())
		Expect(itemDeltas(r)).To(HaveLen(1))
		Expect(itemDeltas(r)[0].Object).To(BeIdenticalTo(even))

		Expect(list.Add(4)).To(Succeed())
		Expect(lookup(0)).NotTo(BeIdenticalTo(even))
	})

	It("should pin an existing group on lookup", func() {
		even := value[*intGroup](grouped)[1]
		Expect(even.IsPinned()).To(BeFalse())
		v := grouped.Version()

		Expect(lookup(0)).To(BeIdenticalTo(even))
		Expect(even.IsPinned()).To(BeTrue())
		Expect(grouped.Version()).To(Equal(v))
	})

	It("should delete a released group once it is empty", func() {
		even := lookup(0)
		_, err := list.Remove(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(grouped.HasGroup(0)).To(BeTrue())

		Expect(grouped.Release(even)).To(Succeed())
		Expect(even.IsPinned()).To(BeFalse())
		Expect(grouped.HasGroup(0)).To(BeFalse())
		Expect(lookup(0)).NotTo(BeIdenticalTo(even))
	})

	It("should keep a released group that still has members or observers", func() {
		odd := lookup(1)
		Expect(grouped.Release(odd)).To(Succeed())
		Expect(grouped.HasGroup(1)).To(BeTrue())

		even := lookup(0)
		members, _ := observe[int](even)
		Expect(grouped.Release(even)).To(Succeed())
		_, err := list.Remove(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(grouped.HasGroup(0)).To(BeTrue())
		Expect(itemDeltas(members)).To(HaveLen(1))
	})

	It("should unlist a released empty group created by lookup", func() {
		r, _ := observe[*intGroup](grouped)
		g := lookup(42)
		Expect(keys(value[*intGroup](grouped))).To(Equal([]int{1, 0, 42}))

		Expect(grouped.Release(g)).To(Succeed())
		Expect(keys(value[*intGroup](grouped))).To(Equal([]int{1, 0}))
		Expect(grouped.HasGroup(42)).To(BeFalse())
		ds := itemDeltas(r)
		Expect(ds).To(HaveLen(2))
		Expect(ds[1].Type).To(Equal(delta.Deleted))
		Expect(ds[1].Object).To(BeIdenticalTo(g))
	})

	It("should commit a member change when a group observer fails", func() {
		odd := lookup(1)
		boom := errors.New("observer failed")
		_, err := odd.AddObserver(&failingObserver{err: boom})
		Expect(err).NotTo(HaveOccurred())
		v := grouped.Version()

		err = list.Add(5)
		Expect(err).To(MatchError(boom))
		Expect(err.Error()).NotTo(ContainSubstring("failed to evaluate"))
		Expect(grouped.IsMaterialized()).To(BeTrue())
		Expect(grouped.Version()).To(Equal(v + 1))
		Expect(odd.Version()).To(Equal(grouped.Version()))
		Expect(value[int](odd)).To(Equal([]int{1, 3, 5}))
	})

	It("should replace in place within the same group", func() {
		odd := lookup(1)
		members, _ := observe[int](odd)

		_, err := list.Replace(1, 7)
		Expect(err).NotTo(HaveOccurred())
		Expect(value[int](odd)).To(Equal([]int{7, 3}))
		ds := itemDeltas(members)
		Expect(ds).To(HaveLen(1))
		Expect(ds[0].Type).To(Equal(delta.Updated))
		Expect(ds[0].Old).To(Equal(1))
		Expect(ds[0].Object).To(Equal(7))
	})

	It("should move an item between groups on replace", func() {
		odd, even := lookup(1), lookup(0)
		oddMembers, _ := observe[int](odd)
		evenMembers, _ := observe[int](even)
		v := grouped.Version()

		_, err := list.Replace(3, 6)
		Expect(err).NotTo(HaveOccurred())
		Expect(value[int](odd)).To(Equal([]int{1}))
		Expect(value[int](even)).To(Equal([]int{2, 6}))
		Expect(itemDeltas(oddMembers)[0].Type).To(Equal(delta.Deleted))
		Expect(itemDeltas(evenMembers)[0].Type).To(Equal(delta.Added))
		Expect(grouped.Version()).To(Equal(v + 1))
	})

	It("should not notify on a replace with an equal item", func() {
		value[*intGroup](grouped)
		v := grouped.Version()

		_, err := list.Replace(1, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(grouped.Version()).To(Equal(v))
	})

	It("should keep group versions monotonic", func() {
		odd := lookup(1)
		var last int64
		for i := 0; i < 5; i++ {
			Expect(list.Add(2*i + 11)).To(Succeed())
			Expect(odd.Version()).To(BeNumerically(">", last))
			last = odd.Version()
		}
	})

	It("should regroup on a breaking upstream change and keep observed groups", func() {
		r, _ := observe[*intGroup](grouped)
		even := lookup(0)
		members, _ := observe[int](even)

		Expect(list.Reset([]int{5, 7})).To(Succeed())
		Expect(keys(value[*intGroup](grouped))).To(Equal([]int{1}))
		Expect(grouped.HasGroup(0)).To(BeTrue())
		Expect(value[int](even)).To(BeEmpty())

		ds := members.Filter(delta.Replaced)
		Expect(ds).To(HaveLen(1))
		Expect(ds[0].Breaking).To(BeTrue())
		Expect(ds[0].Items).To(BeEmpty())
		Expect(r.Filter(delta.Replaced)[0].Breaking).To(BeTrue())

		Expect(list.Reset([]int{5, 8})).To(Succeed())
		Expect(lookup(0)).To(BeIdenticalTo(even))
		Expect(value[int](even)).To(Equal([]int{8}))
	})

	It("should create one group per key under concurrent lookups", func() {
		value[*intGroup](grouped)
		const n = 16
		got := make([]*intGroup, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				g, err := grouped.Lookup(99)
				Expect(err).NotTo(HaveOccurred())
				got[i] = g
			}(i)
		}
		wg.Wait()

		for i := 1; i < n; i++ {
			Expect(got[i]).To(BeIdenticalTo(got[0]))
		}
		Expect(keys(value[*intGroup](grouped))).To(Equal([]int{1, 0, 99}))
	})

	It("should flatten back through an observable SelectMany", func() {
		flat, err := reactive.NewSelectManyObservable[*intGroup, int](grouped,
			func(g *intGroup) (reactive.Source[int], error) { return g, nil }, opts("flatten")...)
		Expect(err).NotTo(HaveOccurred())
		defer flat.Dispose()

		Expect(value[int](flat)).To(ConsistOf(1, 2, 3))
		Expect(list.Add(4, 5)).To(Succeed())
		Expect(value[int](flat)).To(ConsistOf(1, 2, 3, 4, 5))
		_, err = list.Remove(2)
		Expect(err).NotTo(HaveOccurred())
		_, err = list.Remove(4)
		Expect(err).NotTo(HaveOccurred())
		Expect(value[int](flat)).To(ConsistOf(1, 3, 5))
		Expect(flat.FollowCount()).To(Equal(1))
	})

	It("should invalidate group observers when the materialization is dropped", func() {
		boom := false
		grouped, err := reactive.NewGroupBy[int, int](list, func(x int) (int, error) {
			if boom && x < 0 {
				return 0, errors.New("bad key")
			}
			return parity(x), nil
		})
		Expect(err).NotTo(HaveOccurred())
		defer grouped.Dispose()
		odd, err := grouped.Lookup(1)
		Expect(err).NotTo(HaveOccurred())
		members, _ := observe[int](odd)

		boom = true
		Expect(list.Add(-1)).NotTo(Succeed())
		Expect(grouped.IsMaterialized()).To(BeFalse())
		Expect(members.Filter(delta.Invalidated)).To(HaveLen(1))
	})
})
