package dcb_test

import (
	"context"
	"encoding/json"
	"fmt"

	"go-tidal/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type depositPayload struct {
	Amount int `json:"amount"`
}

type withdrawalPayload struct {
	Amount int `json:"amount"`
}

func accountDecoder(eventType string, data []byte) (any, error) {
	switch eventType {
	case "Deposited":
		var p depositPayload
		return p, json.Unmarshal(data, &p)
	case "Withdrawn":
		var p withdrawalPayload
		return p, json.Unmarshal(data, &p)
	default:
		return nil, nil
	}
}

var _ = Describe("Project", func() {
	BeforeEach(func() {
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	balanceProjector := func(accountID string) dcb.BatchProjector {
		return dcb.BatchProjector{
			ID: "balance",
			StateProjector: dcb.StateProjector{
				Query:        dcb.NewQuery(dcb.NewTags("account_id", accountID), "Deposited", "Withdrawn"),
				InitialState: 0,
				TransitionFn: func(state any, event dcb.Event, payload any) any {
					balance := state.(int)
					switch p := payload.(type) {
					case depositPayload:
						return balance + p.Amount
					case withdrawalPayload:
						return balance - p.Amount
					default:
						return balance
					}
				},
			},
		}
	}

	It("folds decoded events into state", func() {
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a1"), toJSON(depositPayload{Amount: 100})),
			dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a1"), toJSON(depositPayload{Amount: 50})),
			dcb.NewInputEvent("Withdrawn", dcb.NewTags("account_id", "a1"), toJSON(withdrawalPayload{Amount: 30})),
			dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "other"), toJSON(depositPayload{Amount: 999})),
		))
		Expect(err).NotTo(HaveOccurred())

		states, cursor, err := store.Project(ctx,
			[]dcb.BatchProjector{balanceProjector("a1")}, nil,
			dcb.WithDecoder(accountDecoder))
		Expect(err).NotTo(HaveOccurred())
		Expect(states["balance"]).To(Equal(120))
		Expect(cursor.IsZero()).To(BeFalse())
	})

	It("returns a cursor usable as an append condition boundary", func() {
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a1"), toJSON(depositPayload{Amount: 100})),
		))
		Expect(err).NotTo(HaveOccurred())

		_, cursor, err := store.Project(ctx,
			[]dcb.BatchProjector{balanceProjector("a1")}, nil,
			dcb.WithDecoder(accountDecoder))
		Expect(err).NotTo(HaveOccurred())

		// Nothing changed since the projection, so the conditional
		// append goes through.
		condition := dcb.NewAppendConditionAfterCursor(
			dcb.NewQuery(dcb.NewTags("account_id", "a1"), "Deposited", "Withdrawn"), &cursor)
		_, err = store.AppendIf(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("Withdrawn", dcb.NewTags("account_id", "a1"), toJSON(withdrawalPayload{Amount: 40})),
		), condition)
		Expect(err).NotTo(HaveOccurred())

		// Resuming the projection from the cursor only sees the new event.
		states, _, err := store.Project(ctx,
			[]dcb.BatchProjector{balanceProjector("a1")}, &cursor,
			dcb.WithDecoder(accountDecoder))
		Expect(err).NotTo(HaveOccurred())
		Expect(states["balance"]).To(Equal(-40))
	})

	It("runs multiple projectors over one stream", func() {
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a1"), toJSON(depositPayload{Amount: 10})),
			dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a1"), toJSON(depositPayload{Amount: 20})),
			dcb.NewInputEvent("Withdrawn", dcb.NewTags("account_id", "a1"), toJSON(withdrawalPayload{Amount: 5})),
		))
		Expect(err).NotTo(HaveOccurred())

		projectors := []dcb.BatchProjector{
			balanceProjector("a1"),
			{
				ID: "depositCount",
				StateProjector: dcb.StateProjector{
					Query:        dcb.NewQuery(dcb.NewTags("account_id", "a1"), "Deposited"),
					InitialState: 0,
					TransitionFn: func(state any, event dcb.Event, payload any) any {
						return state.(int) + 1
					},
				},
			},
		}

		states, _, err := store.Project(ctx, projectors, nil, dcb.WithDecoder(accountDecoder))
		Expect(err).NotTo(HaveOccurred())
		Expect(states["balance"]).To(Equal(25))
		Expect(states["depositCount"]).To(Equal(2))
	})

	It("works without a decoder from raw event data", func() {
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a1"), toJSON(depositPayload{Amount: 7})),
		))
		Expect(err).NotTo(HaveOccurred())

		projector := dcb.BatchProjector{
			ID: "raw",
			StateProjector: dcb.StateProjector{
				Query:        dcb.NewQuery(dcb.NewTags("account_id", "a1")),
				InitialState: 0,
				TransitionFn: func(state any, event dcb.Event, payload any) any {
					Expect(payload).To(BeNil())
					var p depositPayload
					Expect(json.Unmarshal(event.Data, &p)).To(Succeed())
					return state.(int) + p.Amount
				},
			},
		}

		states, _, err := store.Project(ctx, []dcb.BatchProjector{projector}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(states["raw"]).To(Equal(7))
	})

	It("fails the whole call on a decode error", func() {
		_, err := store.Append(ctx, dcb.NewEventBatch(
			dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", "a1"), []byte("not-json")),
		))
		Expect(err).NotTo(HaveOccurred())

		_, _, err = store.Project(ctx,
			[]dcb.BatchProjector{balanceProjector("a1")}, nil,
			dcb.WithDecoder(accountDecoder))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("decode"))
	})

	It("rejects a projector without a transition function", func() {
		_, _, err := store.Project(ctx, []dcb.BatchProjector{
			{ID: "broken", StateProjector: dcb.StateProjector{Query: dcb.NewQueryAll()}},
		}, nil)
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})
})

var _ = Describe("CommandExecutor", func() {
	var executor dcb.CommandExecutor

	type transferCommand struct {
		TransferID string `json:"transfer_id"`
		From       string `json:"from"`
		To         string `json:"to"`
		Amount     int    `json:"amount"`
	}

	openAccount := func(accountID string, initial int) {
		batch := dcb.NewEventBatch(
			dcb.NewInputEvent("AccountOpened", dcb.NewTags("account_id", accountID), nil),
			dcb.NewInputEvent("Deposited", dcb.NewTags("account_id", accountID), toJSON(depositPayload{Amount: initial})),
		)
		_, err := store.Append(ctx, batch)
		Expect(err).NotTo(HaveOccurred())
	}

	balanceOf := func(accountID string) int {
		states, _, err := store.Project(ctx, []dcb.BatchProjector{{
			ID: "balance",
			StateProjector: dcb.StateProjector{
				Query:        dcb.NewQuery(dcb.NewTags("account_id", accountID), "Deposited", "Withdrawn"),
				InitialState: 0,
				TransitionFn: func(state any, event dcb.Event, payload any) any {
					balance := state.(int)
					switch p := payload.(type) {
					case depositPayload:
						return balance + p.Amount
					case withdrawalPayload:
						return balance - p.Amount
					}
					return balance
				},
			},
		}}, nil, dcb.WithDecoder(accountDecoder))
		Expect(err).NotTo(HaveOccurred())
		return states["balance"].(int)
	}

	BeforeEach(func() {
		Expect(truncateAll(ctx, pool)).To(Succeed())

		executor = dcb.NewCommandExecutor(store)
		executor.Register("TransferMoney", dcb.CommandHandlerFunc(
			func(handlerCtx context.Context, txStore dcb.EventStore, cmd dcb.Command) ([]dcb.InputEvent, dcb.AppendCondition, error) {
				var t transferCommand
				if err := json.Unmarshal(cmd.GetData(), &t); err != nil {
					return nil, nil, err
				}

				states, cursor, err := txStore.Project(handlerCtx, []dcb.BatchProjector{{
					ID: "sourceBalance",
					StateProjector: dcb.StateProjector{
						Query:        dcb.NewQuery(dcb.NewTags("account_id", t.From), "Deposited", "Withdrawn"),
						InitialState: 0,
						TransitionFn: func(state any, event dcb.Event, payload any) any {
							balance := state.(int)
							switch p := payload.(type) {
							case depositPayload:
								return balance + p.Amount
							case withdrawalPayload:
								return balance - p.Amount
							}
							return balance
						},
					},
				}}, nil, dcb.WithDecoder(accountDecoder))
				if err != nil {
					return nil, nil, err
				}

				if states["sourceBalance"].(int) < t.Amount {
					return nil, nil, fmt.Errorf("insufficient funds in %s", t.From)
				}

				condition := dcb.NewAppendConditionWithIdempotency(
					dcb.NewQuery(dcb.NewTags("account_id", t.From), "Deposited", "Withdrawn"),
					&cursor,
					dcb.NewQuery(dcb.NewTags("transfer_id", t.TransferID), "Withdrawn"),
				)
				events := dcb.NewEventBatch(
					dcb.NewInputEvent("Withdrawn",
						dcb.NewTags("account_id", t.From, "transfer_id", t.TransferID),
						toJSON(withdrawalPayload{Amount: t.Amount})),
					dcb.NewInputEvent("Deposited",
						dcb.NewTags("account_id", t.To, "transfer_id", t.TransferID),
						toJSON(depositPayload{Amount: t.Amount})),
				)
				return events, condition, nil
			}))
	})

	It("executes a transfer end to end", func() {
		openAccount("src", 100)
		openAccount("dst", 0)

		cmd := dcb.NewCommand("TransferMoney", toJSON(transferCommand{
			TransferID: "t1", From: "src", To: "dst", Amount: 60,
		}))
		result, err := executor.Execute(ctx, cmd)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.WasIdempotent).To(BeFalse())
		Expect(result.Positions).To(HaveLen(2))

		Expect(balanceOf("src")).To(Equal(40))
		Expect(balanceOf("dst")).To(Equal(60))

		var commandCount int
		Expect(pool.QueryRow(ctx,
			"SELECT count(*) FROM commands WHERE type = 'TransferMoney'").Scan(&commandCount)).To(Succeed())
		Expect(commandCount).To(Equal(1))
	})

	It("treats a replayed transfer as idempotent", func() {
		openAccount("src", 100)
		openAccount("dst", 0)

		cmd := dcb.NewCommand("TransferMoney", toJSON(transferCommand{
			TransferID: "t1", From: "src", To: "dst", Amount: 60,
		}))
		_, err := executor.Execute(ctx, cmd)
		Expect(err).NotTo(HaveOccurred())

		result, err := executor.Execute(ctx, cmd)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.WasIdempotent).To(BeTrue())

		// The replay changed nothing: no double withdrawal, no second
		// command row.
		Expect(balanceOf("src")).To(Equal(40))
		var commandCount int
		Expect(pool.QueryRow(ctx,
			"SELECT count(*) FROM commands WHERE type = 'TransferMoney'").Scan(&commandCount)).To(Succeed())
		Expect(commandCount).To(Equal(1))
	})

	It("rejects an overdraft with a DomainError and records nothing", func() {
		openAccount("src", 10)
		openAccount("dst", 0)

		cmd := dcb.NewCommand("TransferMoney", toJSON(transferCommand{
			TransferID: "t1", From: "src", To: "dst", Amount: 60,
		}))
		_, err := executor.Execute(ctx, cmd)
		Expect(dcb.IsDomainError(err)).To(BeTrue())

		Expect(balanceOf("src")).To(Equal(10))
		var commandCount int
		Expect(pool.QueryRow(ctx,
			"SELECT count(*) FROM commands").Scan(&commandCount)).To(Succeed())
		Expect(commandCount).To(Equal(0))
	})

	It("fails with a ValidationError for an unregistered command type", func() {
		_, err := executor.Execute(ctx, dcb.NewCommand("Unknown", nil))
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})
})
