package ledger

import (
	"context"
	"fmt"
)

// dispatch sends payouts queued by a committed transition. A payout the
// dispatcher refuses stays pending for DispatchPending.
func (l *Ledger) dispatch(ctx context.Context, payouts []Payout) {
	for _, p := range payouts {
		if err := l.send(ctx, p); err != nil {
			l.log.WithError(err).WithField("payout", p.ID).Warn("Payout left pending")
			return
		}
	}
}

func (l *Ledger) send(ctx context.Context, p Payout) error {
	if err := l.dispatcher.Pay(ctx, p); err != nil {
		return err
	}
	return l.store.MarkPaid(ctx, p.ID)
}

// DispatchPending sends every queued payout that has not been marked paid,
// oldest first, stopping at the first failure. It returns the number sent.
// Payouts keep the ID they were queued with, so a dispatcher that
// deduplicates by ID delivers each at most once.
func (l *Ledger) DispatchPending(ctx context.Context) (int, error) {
	if l.dispatcher == nil {
		return 0, nil
	}
	pending, err := l.store.PendingPayouts(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending payouts: %w", err)
	}
	for i, p := range pending {
		if err := l.send(ctx, p); err != nil {
			return i, fmt.Errorf("%w: %s: %w", ErrPayoutFailed, p.ID, err)
		}
	}
	return len(pending), nil
}
