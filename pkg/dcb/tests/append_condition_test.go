package dcb_test

import (
	"sync"

	"go-tidal/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("AppendIf", func() {
	BeforeEach(func() {
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	It("requires a condition", func() {
		events := dcb.NewEventBatch(dcb.NewInputEvent("A", dcb.NewTags("k", "v"), nil))
		_, err := store.AppendIf(ctx, events, nil)
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})

	Describe("state-changed check", func() {
		It("succeeds when no matching event exists", func() {
			condition := dcb.NewAppendCondition(
				dcb.NewQuery(dcb.NewTags("account_id", "a1"), "AccountOpened"))
			events := dcb.NewEventBatch(
				dcb.NewInputEvent("AccountOpened", dcb.NewTags("account_id", "a1"), nil))

			_, err := store.AppendIf(ctx, events, condition)
			Expect(err).NotTo(HaveOccurred())
		})

		It("fails with a ConcurrencyError when a matching event exists", func() {
			events := dcb.NewEventBatch(
				dcb.NewInputEvent("AccountOpened", dcb.NewTags("account_id", "a1"), nil))
			_, err := store.Append(ctx, events)
			Expect(err).NotTo(HaveOccurred())

			condition := dcb.NewAppendCondition(
				dcb.NewQuery(dcb.NewTags("account_id", "a1"), "AccountOpened"))
			_, err = store.AppendIf(ctx, events, condition)
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		})

		It("only sees events past the after cursor", func() {
			deposit := dcb.NewEventBatch(
				dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a1"), toJSON(map[string]any{"amount": 100})))
			_, err := store.Append(ctx, deposit)
			Expect(err).NotTo(HaveOccurred())

			// Project current state, then append conditioned on no
			// change since the observed cursor.
			all, err := store.Query(ctx, dcb.NewQueryAll(), nil)
			Expect(err).NotTo(HaveOccurred())
			cursor := dcb.CursorFromEvent(all[len(all)-1])

			condition := dcb.NewAppendConditionAfterCursor(
				dcb.NewQuery(dcb.NewTags("account_id", "a1"), "Deposited"), &cursor)
			withdraw := dcb.NewEventBatch(
				dcb.NewInputEvent("Withdrawn", dcb.NewTags("account_id", "a1"), toJSON(map[string]any{"amount": 40})))
			_, err = store.AppendIf(ctx, withdraw, condition)
			Expect(err).NotTo(HaveOccurred())

			// A second writer holding the stale cursor now conflicts.
			_, err = store.AppendIf(ctx, withdraw, dcb.NewAppendConditionAfterCursor(
				dcb.NewQuery(dcb.NewTags("account_id", "a1"), "Deposited", "Withdrawn"), &cursor))
			Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		})

		It("lets exactly one of two racing writers through", func() {
			condition := dcb.NewAppendConditionExpectEmptyStream()
			events := dcb.NewEventBatch(
				dcb.NewInputEvent("AccountOpened", dcb.NewTags("account_id", "race"), nil))

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					_, errs[i] = store.AppendIf(ctx, events, condition)
				}(i)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
				} else {
					Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
				}
			}
			Expect(succeeded).To(Equal(1))
		})
	})

	Describe("already-exists check", func() {
		It("fails with an IdempotencyError on a committed duplicate", func() {
			condition := dcb.NewIdempotencyCondition(
				dcb.NewQuery(dcb.NewTags("transfer_id", "t1"), "TransferRequested"))
			events := dcb.NewEventBatch(
				dcb.NewInputEvent("TransferRequested", dcb.NewTags("transfer_id", "t1"), nil))

			_, err := store.AppendIf(ctx, events, condition)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.AppendIf(ctx, events, condition)
			Expect(dcb.IsIdempotencyError(err)).To(BeTrue())
		})

		It("serializes concurrent duplicates through the advisory lock", func() {
			condition := dcb.NewIdempotencyCondition(
				dcb.NewQuery(dcb.NewTags("transfer_id", "t2"), "TransferRequested"))
			events := dcb.NewEventBatch(
				dcb.NewInputEvent("TransferRequested", dcb.NewTags("transfer_id", "t2"), nil))

			const writers = 5
			var wg sync.WaitGroup
			errs := make([]error, writers)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					_, errs[i] = store.AppendIf(ctx, events, condition)
				}(i)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
				} else {
					Expect(dcb.IsIdempotencyError(err)).To(BeTrue())
				}
			}
			Expect(succeeded).To(Equal(1))

			stored, err := store.Query(ctx, dcb.NewQueryAll(), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(HaveLen(1))
		})

		It("combines with a state-changed check", func() {
			opened := dcb.NewEventBatch(
				dcb.NewInputEvent("AccountOpened", dcb.NewTags("account_id", "a1"), nil))
			_, err := store.Append(ctx, opened)
			Expect(err).NotTo(HaveOccurred())

			all, err := store.Query(ctx, dcb.NewQueryAll(), nil)
			Expect(err).NotTo(HaveOccurred())
			cursor := dcb.CursorFromEvent(all[len(all)-1])

			condition := dcb.NewAppendConditionWithIdempotency(
				dcb.NewQuery(dcb.NewTags("account_id", "a1"), "Withdrawn"),
				&cursor,
				dcb.NewQuery(dcb.NewTags("withdrawal_id", "w1"), "Withdrawn"),
			)
			withdraw := dcb.NewEventBatch(
				dcb.NewInputEvent("Withdrawn", dcb.NewTags("account_id", "a1", "withdrawal_id", "w1"), nil))

			_, err = store.AppendIf(ctx, withdraw, condition)
			Expect(err).NotTo(HaveOccurred())

			// Replay of the same logical operation is idempotent, not a
			// conflict: the already-exists check runs first.
			_, err = store.AppendIf(ctx, withdraw, condition)
			Expect(dcb.IsIdempotencyError(err)).To(BeTrue())
		})
	})
})
