package dcb_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"go-tidal/pkg/dcb"
	"go-tidal/pkg/outbox"
	"go-tidal/pkg/processor"
	"go-tidal/pkg/views"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// memoryPublisher collects published events in memory.
type memoryPublisher struct {
	name string

	mu     sync.Mutex
	events []dcb.Event
}

func (p *memoryPublisher) Name() string                      { return p.name }
func (p *memoryPublisher) PreferredMode() outbox.PublishMode { return outbox.PublishModeBatch }
func (p *memoryPublisher) IsHealthy(context.Context) bool    { return true }

func (p *memoryPublisher) published() []dcb.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]dcb.Event(nil), p.events...)
}

func (p *memoryPublisher) PublishBatch(_ context.Context, events []dcb.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

// balanceWriter projects deposits into account_balances rows. failAfterWrite
// makes every batch fail after writing, to exercise the rollback path.
type balanceWriter struct {
	failAfterWrite bool
}

func (balanceWriter) ViewName() string { return "balances" }

func (p balanceWriter) Handle(ctx context.Context, tx pgx.Tx, events []dcb.Event) (int, error) {
	for _, event := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO account_balances (account_id, balance)
			VALUES ($1, 1)
			ON CONFLICT (account_id) DO UPDATE SET balance = account_balances.balance + 1
		`, accountTag(event))
		if err != nil {
			return 0, err
		}
	}
	if p.failAfterWrite {
		return 0, fmt.Errorf("malformed payload at position %d", events[0].Position)
	}
	return len(events), nil
}

func accountTag(event dcb.Event) string {
	for _, t := range event.Tags {
		if t.GetKey() == "account_id" {
			return t.GetValue()
		}
	}
	return ""
}

var _ = Describe("Processor runtime cycles", func() {
	BeforeEach(func() {
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	Describe("outbox", func() {
		topics := map[string]outbox.TopicConfig{
			"payments": {
				Name:         "payments",
				RequiredTags: []string{"payment_id"},
				Publishers:   []string{"memory"},
			},
		}
		key := outbox.Key{Topic: "payments", Publisher: "memory"}

		newOutboxRuntime := func(sink *memoryPublisher, elector *processor.LeaderElector) *processor.Runtime[outbox.Key] {
			return processor.NewRuntime(
				"outbox",
				pool,
				outbox.NewProgressTracker(pool),
				outbox.NewFetcher(pool, topics),
				outbox.NewHandler(topics, map[string]outbox.Publisher{"memory": sink}, nil),
				elector,
				map[outbox.Key]processor.Config{key: {Enabled: true}},
			)
		}

		It("delivers the batch and advances progress", func() {
			for i := 0; i < 5; i++ {
				_, err := store.Append(ctx, dcb.NewEventBatch(
					dcb.NewInputEvent("PaymentRequested",
						dcb.NewTags("payment_id", fmt.Sprintf("p%d", i)),
						toJSON(map[string]any{"seq": i}))))
				Expect(err).NotTo(HaveOccurred())
			}

			elector := processor.NewLeaderElector(pool, processor.OutboxLeaderLockKey,
				processor.WithInstanceID("outbox-test"))
			acquired, err := elector.TryAcquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(acquired).To(BeTrue())
			defer elector.Release(ctx)

			sink := &memoryPublisher{name: "memory"}
			rt := newOutboxRuntime(sink, elector)

			Expect(rt.Process(ctx, key)).To(Succeed())

			delivered := sink.published()
			Expect(delivered).To(HaveLen(5))
			Expect(delivered[4].Position).To(Equal(int64(5)))

			details, err := rt.ProgressDetails(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(details.LastPosition).To(Equal(int64(5)))
			Expect(details.InstanceID).To(Equal("outbox-test"))

			// The next cycle finds nothing: no redelivery past the
			// recorded position.
			Expect(rt.Process(ctx, key)).To(Succeed())
			Expect(sink.published()).To(HaveLen(5))
		})
	})

	Describe("views", func() {
		subscriptions := map[string]views.Subscription{
			"balances": {
				ViewName:     "balances",
				EventTypes:   []string{"Deposited"},
				RequiredTags: []string{"account_id"},
			},
		}
		key := views.Key("balances")

		newViewsRuntime := func(projector views.Projector, elector *processor.LeaderElector) *processor.Runtime[views.Key] {
			return processor.NewRuntime(
				"views",
				pool,
				views.NewProgressTracker(pool),
				views.NewFetcher(pool, subscriptions),
				views.NewHandler(subscriptions, map[string]views.Projector{"balances": projector}, nil),
				elector,
				map[views.Key]processor.Config{key: {Enabled: true}},
			)
		}

		BeforeEach(func() {
			_, err := pool.Exec(ctx, `
				CREATE TABLE IF NOT EXISTS account_balances (
					account_id text PRIMARY KEY,
					balance    bigint NOT NULL
				)`)
			Expect(err).NotTo(HaveOccurred())
			_, err = pool.Exec(ctx, "DELETE FROM account_balances")
			Expect(err).NotTo(HaveOccurred())
		})

		It("projects the batch and the progress row in one transaction", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a1"), toJSON(map[string]any{"amount": 10})),
				dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a1"), toJSON(map[string]any{"amount": 20})),
				dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a2"), toJSON(map[string]any{"amount": 5})),
			))
			Expect(err).NotTo(HaveOccurred())

			elector := processor.NewLeaderElector(pool, processor.ViewsLeaderLockKey,
				processor.WithInstanceID("views-test"))
			acquired, err := elector.TryAcquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(acquired).To(BeTrue())
			defer elector.Release(ctx)

			rt := newViewsRuntime(balanceWriter{}, elector)
			Expect(rt.Process(ctx, key)).To(Succeed())

			var balance int64
			Expect(pool.QueryRow(ctx,
				"SELECT balance FROM account_balances WHERE account_id = 'a1'").Scan(&balance)).To(Succeed())
			Expect(balance).To(Equal(int64(2)))

			details, err := rt.ProgressDetails(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(details.LastPosition).To(Equal(int64(3)))
		})

		It("rolls the cycle back when the projector fails", func() {
			_, err := store.Append(ctx, dcb.NewEventBatch(
				dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a1"), []byte("not-json")),
				dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a1"), toJSON(map[string]any{"amount": 20})),
			))
			Expect(err).NotTo(HaveOccurred())

			elector := processor.NewLeaderElector(pool, processor.ViewsLeaderLockKey,
				processor.WithInstanceID("views-test"))
			acquired, err := elector.TryAcquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(acquired).To(BeTrue())
			defer elector.Release(ctx)

			rt := newViewsRuntime(balanceWriter{failAfterWrite: true}, elector)
			Expect(rt.Process(ctx, key)).To(HaveOccurred())

			// Writes made before the failure rolled back with the cycle.
			var rows int
			Expect(pool.QueryRow(ctx,
				"SELECT count(*) FROM account_balances").Scan(&rows)).To(Succeed())
			Expect(rows).To(BeZero())

			details, err := rt.ProgressDetails(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(details.LastPosition).To(BeZero())
			Expect(details.ErrorCount).To(Equal(1))
			Expect(details.LastError).To(ContainSubstring("malformed payload"))
		})
	})

	Describe("leader failover", func() {
		It("hands leadership over when the leader's connection dies", func() {
			first := processor.NewLeaderElector(pool, processor.OutboxLeaderLockKey,
				processor.WithInstanceID("first"))
			second := processor.NewLeaderElector(pool, processor.OutboxLeaderLockKey,
				processor.WithInstanceID("second"))
			defer second.Release(ctx)

			acquired, err := first.TryAcquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(acquired).To(BeTrue())

			acquired, err = second.TryAcquire(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(acquired).To(BeFalse())

			// Kill the backend holding the advisory lock, simulating a
			// leader crash rather than a clean release. pg_locks splits
			// the 64-bit key into classid (high) and objid (low).
			lockKey := uint64(processor.OutboxLeaderLockKey)
			classid := int64(uint32(lockKey >> 32))
			objid := int64(uint32(lockKey))
			_, err = pool.Exec(ctx, `
				SELECT pg_terminate_backend(pid) FROM pg_locks
				WHERE locktype = 'advisory'
				  AND classid = $1::oid AND objid = $2::oid
				  AND pid <> pg_backend_pid()
			`, classid, objid)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() bool {
				return first.IsLeader(ctx)
			}, "5s", "100ms").Should(BeFalse())

			Eventually(func() bool {
				won, acquireErr := second.TryAcquire(ctx)
				return acquireErr == nil && won
			}, "5s", "100ms").Should(BeTrue())
			Expect(second.IsLeader(ctx)).To(BeTrue())
		})
	})
})
