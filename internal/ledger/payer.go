package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// Payout is an outgoing value transfer. Seq is the sequence number of the
// event that produced it; together with the operation and recipient it makes
// ID unique across the ledger's whole history, so sinks can deduplicate
// retries.
type Payout struct {
	ID     string
	Seq    uint64
	To     Address
	Amount *uint256.Int
	Reason Operation
}

// Payer moves value out of the ledger. It is called after the transition's
// effects are applied and written, with a context that carries the open
// transition: ledger calls made with that context re-enter the ledger and see
// the updated state. The context must not be used from another goroutine.
// Returning an error rolls the whole transition back.
type Payer interface {
	Pay(ctx context.Context, p Payout) error
}

// Transfer is value moving between a funding account and the ledger
type Transfer struct {
	ID      string
	Account Address
	Amount  *uint256.Int
	Reason  Operation
}

// Collector holds the funding balances that value attached to an operation is
// drawn from. Both methods run inside the transition and must register an
// OnRollback undo for whatever they change.
type Collector interface {
	// Deposit credits value that reached the ledger from outside
	Deposit(ctx context.Context, t Transfer) error
	// Collect debits attached value, failing with ErrInsufficientFunds when
	// the account cannot cover it
	Collect(ctx context.Context, t Transfer) error
}

func payoutID(op Operation, addr Address, seq uint64) string {
	return fmt.Sprintf("%s:%s:%d", op, addr, seq)
}

// CreditBook keeps in-process balances. It is both the default Payer, where
// payouts credit the recipient, and the default Collector, where attached
// value is debited from the caller. Changes made inside a transition are
// written through the transition's store and reverted if it rolls back.
type CreditBook struct {
	mu       sync.Mutex
	balances map[Address]*uint256.Int
}

func NewCreditBook() *CreditBook {
	return &CreditBook{balances: make(map[Address]*uint256.Int)}
}

func (b *CreditBook) Pay(ctx context.Context, p Payout) error {
	return b.credit(ctx, p.To, p.Amount)
}

func (b *CreditBook) Deposit(ctx context.Context, t Transfer) error {
	return b.credit(ctx, t.Account, t.Amount)
}

func (b *CreditBook) Collect(ctx context.Context, t Transfer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.get(t.Account)
	if prev.Lt(t.Amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, t.Account, prev.Dec(), t.Amount.Dec())
	}
	return b.set(ctx, t.Account, prev, new(uint256.Int).Sub(prev, t.Amount))
}

func (b *CreditBook) credit(ctx context.Context, addr Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.get(addr)
	next, overflow := new(uint256.Int).AddOverflow(prev, amount)
	if overflow {
		return ErrOverflow
	}
	return b.set(ctx, addr, prev, next)
}

func (b *CreditBook) get(addr Address) *uint256.Int {
	if v, ok := b.balances[addr]; ok {
		return v
	}
	return new(uint256.Int)
}

// set stores next, writes it through the transition carried by ctx and
// registers the undo back to prev. b.mu must be held.
func (b *CreditBook) set(ctx context.Context, addr Address, prev, next *uint256.Int) error {
	if tx := storeOf(ctx); tx != nil {
		if err := tx.PutBalance(ctx, addr, next); err != nil {
			return err
		}
	}
	b.balances[addr] = next
	OnRollback(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.balances[addr] = prev
	})
	return nil
}

// Balance returns the amount held for addr
func (b *CreditBook) Balance(addr Address) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(addr).Clone()
}

// Balances returns a copy of every non-zero balance as decimal strings
func (b *CreditBook) Balances() map[Address]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Address]string, len(b.balances))
	for addr, v := range b.balances {
		if !v.IsZero() {
			out[addr] = v.Dec()
		}
	}
	return out
}

// Restore replaces all balances
func (b *CreditBook) Restore(balances map[Address]string) error {
	next := make(map[Address]*uint256.Int, len(balances))
	for addr, dec := range balances {
		v, err := uint256.FromDecimal(dec)
		if err != nil {
			return fmt.Errorf("balance of %s: %w", addr, ErrInvalidAmount)
		}
		next[addr] = v
	}
	b.mu.Lock()
	b.balances = next
	b.mu.Unlock()
	return nil
}
