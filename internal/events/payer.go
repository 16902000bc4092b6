package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"meshledger/internal/ledger"
)

// PayoutInstruction is the message a settlement service consumes to move
// funds. Amount is a decimal string of base units.
type PayoutInstruction struct {
	ID     string           `json:"id"`
	To     ledger.Address   `json:"to"`
	Amount string           `json:"amount"`
	Reason ledger.Operation `json:"reason"`
}

// JetStreamPayer hands payouts to JetStream. It is meant to be the ledger's
// dispatcher: payouts reach it after their transition has committed, and one
// without an ack stays pending and is retried under the same message ID.
type JetStreamPayer struct {
	ps *PubSub
}

func (p *PubSub) Payer() *JetStreamPayer {
	return &JetStreamPayer{ps: p}
}

func (jp *JetStreamPayer) Pay(ctx context.Context, payout ledger.Payout) error {
	data, err := json.Marshal(PayoutInstruction{
		ID:     payout.ID,
		To:     payout.To,
		Amount: payout.Amount.Dec(),
		Reason: payout.Reason,
	})
	if err != nil {
		return fmt.Errorf("failed to encode payout: %w", err)
	}
	msg := &nats.Msg{
		Subject: jp.ps.cfg.SubjectPrefix + ".payouts." + string(payout.Reason),
		Data:    data,
		Header: nats.Header{
			"To": []string{string(payout.To)},
		},
	}
	if _, err := jp.ps.js.PublishMsg(msg, nats.MsgId(payout.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish payout %s: %w", payout.ID, err)
	}
	return nil
}
