package ledger

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

type transitionKey struct{}

// transition is the scratch state of one serialized operation. Every in-memory
// mutation records an undo entry so a failure anywhere, including inside a
// payout, can restore the ledger exactly.
type transition struct {
	ledger  *Ledger
	store   StoreTx
	undo    []func()
	events  []Event
	payouts []Payout // queued for dispatch after commit
}

// OnRollback registers fn to run if the transition carried by ctx is rolled
// back. It reports false when ctx carries no transition. Payers that keep
// their own balances use it to stay consistent with the ledger.
func OnRollback(ctx context.Context, fn func()) bool {
	t, ok := ctx.Value(transitionKey{}).(*transition)
	if !ok {
		return false
	}
	t.undo = append(t.undo, fn)
	return true
}

// storeOf returns the store transaction carried by ctx, if any
func storeOf(ctx context.Context) StoreTx {
	if t, ok := ctx.Value(transitionKey{}).(*transition); ok {
		return t.store
	}
	return nil
}

func (l *Ledger) activeTransition(ctx context.Context) *transition {
	if t, ok := ctx.Value(transitionKey{}).(*transition); ok && t.ledger == l {
		return t
	}
	return nil
}

// transact runs fn as one atomic transition. A call made with a context that
// already carries a transition of this ledger is re-entrant: it runs without
// locking as a nested checkpoint and can only fail itself.
func (l *Ledger) transact(ctx context.Context, op Operation, fn func(ctx context.Context, t *transition) error) error {
	if t := l.activeTransition(ctx); t != nil {
		return t.nested(ctx, fn)
	}

	t, err := l.commit(ctx, op, fn)
	if err != nil {
		return err
	}
	l.dispatch(ctx, t.payouts)
	return nil
}

// commit runs fn under the write lock and notifies the committed events
func (l *Ledger) commit(ctx context.Context, op Operation, fn func(ctx context.Context, t *transition) error) (*transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := &transition{ledger: l}
	err := l.store.Begin(ctx, func(ctx context.Context, tx StoreTx) error {
		t.store = tx
		return fn(context.WithValue(ctx, transitionKey{}, t), t)
	})
	if err != nil {
		t.revert(0)
		l.observe(op, err)
		return nil, err
	}

	for _, e := range t.events {
		if err := l.notifier.Notify(ctx, e); err != nil {
			l.log.WithError(err).WithField("event", e.Type).Warn("Failed to deliver ledger event")
		}
	}
	l.observe(op, nil)
	return t, nil
}

func (t *transition) nested(ctx context.Context, fn func(ctx context.Context, t *transition) error) error {
	undoMark, eventMark, payoutMark := len(t.undo), len(t.events), len(t.payouts)
	outer := t.store
	err := outer.Nested(ctx, func(ctx context.Context, tx StoreTx) error {
		t.store = tx
		defer func() { t.store = outer }()
		return fn(ctx, t)
	})
	if err != nil {
		t.revert(undoMark)
		t.events = t.events[:eventMark]
		t.payouts = t.payouts[:payoutMark]
	}
	return err
}

func (t *transition) revert(mark int) {
	for i := len(t.undo) - 1; i >= mark; i-- {
		t.undo[i]()
	}
	t.undo = t.undo[:mark]
}

func (t *transition) insertNode(n *Node) int {
	l := t.ledger
	slot := len(l.order)
	l.nodes[n.Address] = n
	l.index[n.Address] = slot
	l.order = append(l.order, n.Address)
	l.totalNodes++
	t.undo = append(t.undo, func() {
		l.order = l.order[:len(l.order)-1]
		delete(l.index, n.Address)
		delete(l.nodes, n.Address)
		l.totalNodes--
	})
	return slot
}

// removeNode swap-removes addr from the enumeration. It returns the address
// moved into the vacated slot, which equals addr when addr was last.
func (t *transition) removeNode(addr Address) (moved Address, slot int) {
	l := t.ledger
	n := l.nodes[addr]
	slot = l.index[addr]
	last := len(l.order) - 1
	moved = l.order[last]

	l.order[slot] = moved
	l.index[moved] = slot
	l.order = l.order[:last]
	delete(l.index, addr)
	delete(l.nodes, addr)
	l.totalNodes--

	t.undo = append(t.undo, func() {
		l.order = append(l.order, moved)
		l.order[slot] = addr
		l.index[moved] = last
		l.index[addr] = slot
		l.nodes[addr] = n
		l.totalNodes++
	})
	return moved, slot
}

func (t *transition) updateNode(n *Node, mutate func(n *Node)) {
	prev := *n
	mutate(n)
	t.undo = append(t.undo, func() { *n = prev })
}

func (t *transition) setTotalStaked(v *uint256.Int) {
	l := t.ledger
	prev := l.totalStaked
	l.totalStaked = v
	t.undo = append(t.undo, func() { l.totalStaked = prev })
}

func (t *transition) setRewardPool(v *uint256.Int) {
	l := t.ledger
	prev := l.rewardPool
	l.rewardPool = v
	t.undo = append(t.undo, func() { l.rewardPool = prev })
}

func (t *transition) putNode(ctx context.Context, n *Node) error {
	return t.store.PutNode(ctx, n, t.ledger.index[n.Address])
}

func (t *transition) putTotals(ctx context.Context) error {
	l := t.ledger
	return t.store.PutTotals(ctx, Totals{
		TotalNodes:  l.totalNodes,
		TotalStaked: l.totalStaked,
		RewardPool:  l.rewardPool,
		EventSeq:    l.eventSeq,
	})
}

// emit assigns the next sequence number and writes e to the audit log
func (t *transition) emit(ctx context.Context, e Event) error {
	l := t.ledger
	l.eventSeq++
	t.undo = append(t.undo, func() { l.eventSeq-- })
	e.Seq = l.eventSeq
	e.Time = l.now(ctx)
	if err := t.store.AppendEvent(ctx, e); err != nil {
		return err
	}
	t.events = append(t.events, e)
	return nil
}

// pay hands p to the payer inside the transition. With a dispatcher
// configured the payout is queued in the store instead and sent once the
// transition has committed.
func (t *transition) pay(ctx context.Context, p Payout) error {
	l := t.ledger
	if l.dispatcher != nil {
		if err := t.store.QueuePayout(ctx, p); err != nil {
			return err
		}
		t.payouts = append(t.payouts, p)
		return nil
	}
	if err := l.payer.Pay(ctx, p); err != nil {
		return fmt.Errorf("%w: %w", ErrPayoutFailed, err)
	}
	return nil
}

// collect draws value attached to op from caller's funding account
func (t *transition) collect(ctx context.Context, op Operation, caller Address, amount *uint256.Int) error {
	l := t.ledger
	return l.collector.Collect(ctx, Transfer{
		ID:      payoutID(op, caller, l.eventSeq+1),
		Account: caller,
		Amount:  amount,
		Reason:  op,
	})
}
