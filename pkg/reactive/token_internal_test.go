package reactive

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("UpdateToken", func() {
	var list *List[int]

	BeforeEach(func() {
		var err error
		list, err = NewList([]int{1, 2})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should fix the next version on first use", func() {
		tok := list.openUpdateToken(0)
		defer tok.release()

		tok.raiseMinVersion(5)
		Expect(tok.NextVersion()).To(Equal(int64(5)))
		tok.raiseMinVersion(10)
		Expect(tok.NextVersion()).To(Equal(int64(5)))
	})

	It("should stamp max(version+1, minVersion)", func() {
		tok := list.openUpdateToken(0)
		Expect(tok.NextVersion()).To(Equal(int64(1)))
		tok.release()

		tok = list.openUpdateToken(7)
		Expect(tok.NextVersion()).To(Equal(int64(7)))
		tok.release()
	})

	It("should adopt the upstream version on a first materialization", func() {
		Expect(list.Add(3)).To(Succeed())
		Expect(list.Add(4)).To(Succeed())
		w, err := NewWhere[int](list, Pred(func(x int) bool { return x > 1 }))
		Expect(err).NotTo(HaveOccurred())
		defer w.Dispose()

		tok := w.openUpdateToken(0)
		Expect(tok.NextVersion()).To(Equal(int64(0)))
		tok.release()

		Expect(w.GetValue(nil)).To(Equal([]int{2, 3, 4}))
		Expect(w.Version()).To(Equal(int64(2)))

		tok = w.openUpdateToken(2)
		Expect(tok.NextVersion()).To(Equal(int64(3)))
		tok.release()
	})

	It("should be a no-op without a signaled change", func() {
		tok := list.openUpdateToken(3)
		Expect(tok.close(nil)).To(Succeed())
		Expect(list.Version()).To(Equal(int64(0)))
		Expect(tok.HasChange()).To(BeFalse())
	})

	It("should advance the version once for a change without a new value", func() {
		tok := list.openUpdateToken(0)
		tok.SignalChange(false)
		tok.SignalChange(false)
		Expect(tok.close(nil)).To(Succeed())
		Expect(list.Version()).To(Equal(int64(1)))
		Expect(list.GetValue(nil)).To(Equal([]int{1, 2}))
	})

	It("should keep the breaking flag once set", func() {
		tok := list.openUpdateToken(0)
		defer tok.release()
		tok.SignalChange(true)
		tok.SignalChange(false)
		Expect(tok.IsBreaking()).To(BeTrue())
		Expect(tok.emitAdded(3)).To(Succeed())
	})

	It("should expose the value published inside the transaction", func() {
		tok := list.openUpdateToken(0)
		defer tok.release()
		tok.SetNewValue([]int{4})
		Expect(tok.Value()).To(Equal([]int{4}))
	})

	It("should panic when used after close", func() {
		tok := list.openUpdateToken(0)
		Expect(tok.close(nil)).To(Succeed())
		Expect(func() { tok.SetNewValue([]int{3}) }).To(Panic())
		Expect(func() { tok.SignalChange(false) }).To(Panic())
		Expect(func() { _ = tok.emitAdded(3) }).To(Panic())
	})

	It("should release the writer lock on close", func() {
		Expect(list.transact(0, func(tok *UpdateToken[int]) error {
			tok.SetNewValue([]int{1})
			return nil
		})).To(Succeed())
		Expect(list.mu.TryLock()).To(BeTrue())
		list.mu.Unlock()
	})
})

var _ = Describe("Operator protocol", func() {
	It("should reject a notification from an unknown subscription", func() {
		list, err := NewList([]int{1, 2})
		Expect(err).NotTo(HaveOccurred())
		w, err := NewWhere[int](list, Pred(func(int) bool { return true }))
		Expect(err).NotTo(HaveOccurred())
		_, err = w.GetValue(nil)
		Expect(err).NotTo(HaveOccurred())

		obs := &sourceObserver[int, int]{op: w.operator}
		err = obs.OnItemAdded(Subscription{id: w.sourceSub.id + 1000}, 3, 1)
		Expect(err).To(MatchError(ErrUnknownSubscription))
		Expect(w.GetValue(nil)).To(Equal([]int{1, 2}))
	})

	It("should reject a nested notification from an unfollowed subscription", func() {
		outer, err := NewList([]int{1})
		Expect(err).NotTo(HaveOccurred())
		inner, err := NewList([]int{10})
		Expect(err).NotTo(HaveOccurred())
		m, err := NewSelectManyObservable[int, int](outer, func(int) (Source[int], error) { return inner, nil })
		Expect(err).NotTo(HaveOccurred())
		Expect(m.GetValue(nil)).To(Equal([]int{10}))
		Expect(m.FollowCount()).To(Equal(1))

		obs := &nestedObserver[int, int]{op: m}
		err = obs.OnItemAdded(Subscription{id: 1 << 40}, 3, 1)
		Expect(err).To(MatchError(ErrUnknownSubscription))
	})

	It("should subscribe to a materialized operator without taking its writer lock", func() {
		list, err := NewList([]int{1, 2, 3})
		Expect(err).NotTo(HaveOccurred())
		g, err := NewGroupBy[int, int](list, Key(func(x int) int { return x % 2 }))
		Expect(err).NotTo(HaveOccurred())
		defer g.Dispose()
		_, err = g.GetValue(nil)
		Expect(err).NotTo(HaveOccurred())

		g.mu.Lock()
		done := make(chan error, 1)
		go func() {
			_, err := g.AddObserver(nil)
			done <- err
		}()
		Eventually(done).Should(Receive(BeNil()))
		g.mu.Unlock()
	})

	It("should not count a disposed subscription twice", func() {
		list, err := NewList([]int{1})
		Expect(err).NotTo(HaveOccurred())
		sub, err := list.AddObserver(nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(sub.IsZero()).To(BeFalse())
		Expect(list.removeObserver(sub.ID())).To(BeTrue())
		Expect(list.removeObserver(sub.ID())).To(BeFalse())
	})
})
