package dcb_test

import (
	"fmt"
	"runtime"

	"go-tidal/pkg/dcb"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Read-path failure propagation", func() {
	countingProjector := dcb.BatchProjector{
		ID: "count",
		StateProjector: dcb.StateProjector{
			Query:        dcb.NewQueryAll(),
			InitialState: 0,
			TransitionFn: func(state any, event dcb.Event, payload any) any {
				return state.(int) + 1
			},
		},
	}

	Describe("against an unreachable database", func() {
		var badStore dcb.EventStore

		BeforeEach(func() {
			// Pool construction is lazy; every query fails on dial.
			badPool, err := pgxpool.New(ctx,
				"postgres://postgres:x@127.0.0.1:1/postgres?sslmode=disable&connect_timeout=1")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(badPool.Close)
			badStore = dcb.NewEventStoreFromPool(badPool)
		})

		It("fails Query with a ResourceError", func() {
			_, err := badStore.Query(ctx, dcb.NewQueryAll(), nil)
			Expect(dcb.IsResourceError(err)).To(BeTrue())
		})

		It("surfaces the failure through QueryStream's Err", func() {
			stream, err := badStore.QueryStream(ctx, dcb.NewQueryAll(), nil)
			Expect(err).NotTo(HaveOccurred())

			var received int
			for range stream.Events() {
				received++
			}
			Expect(received).To(BeZero())
			Expect(dcb.IsResourceError(stream.Err())).To(BeTrue())
		})

		It("fails Project instead of returning initial state", func() {
			states, cursor, err := badStore.Project(ctx, []dcb.BatchProjector{countingProjector}, nil)
			Expect(dcb.IsResourceError(err)).To(BeTrue())
			Expect(states).To(BeNil())
			Expect(cursor.IsZero()).To(BeTrue())
		})
	})

	Describe("decode failures", func() {
		BeforeEach(func() {
			Expect(truncateAll(ctx, pool)).To(Succeed())
		})

		It("stops the stream goroutine when projection aborts mid-stream", func() {
			// More events than the stream buffer holds, so an abandoned
			// stream would park its goroutine on the full channel.
			batch := make([]dcb.InputEvent, 150)
			for i := range batch {
				batch[i] = dcb.NewInputEvent("Noted", dcb.NewTags("note_id", "n1"), []byte("not-json"))
			}
			_, err := store.Append(ctx, batch)
			Expect(err).NotTo(HaveOccurred())

			before := runtime.NumGoroutine()

			_, _, err = store.Project(ctx, []dcb.BatchProjector{countingProjector}, nil,
				dcb.WithDecoder(func(eventType string, data []byte) (any, error) {
					return nil, fmt.Errorf("unexpected payload for %s", eventType)
				}))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("decode"))

			Eventually(runtime.NumGoroutine, "3s").Should(BeNumerically("<=", before))
		})
	})
})
