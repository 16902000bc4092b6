package ledger

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/holiman/uint256"
)

// Store persists ledger state. Begin runs fn inside one durable transaction
// and commits only if fn returns nil.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Begin(ctx context.Context, fn func(ctx context.Context, tx StoreTx) error) error

	// PendingPayouts returns queued payouts not yet marked paid, oldest first
	PendingPayouts(ctx context.Context) ([]Payout, error)
	MarkPaid(ctx context.Context, id string) error
}

// StoreTx is the write side of an open store transaction
type StoreTx interface {
	PutNode(ctx context.Context, n *Node, slot int) error
	DeleteNode(ctx context.Context, addr Address) error
	PutTotals(ctx context.Context, t Totals) error
	AppendEvent(ctx context.Context, e Event) error
	PutBalance(ctx context.Context, addr Address, balance *uint256.Int) error

	// QueuePayout records p in the outbox. It becomes visible to
	// PendingPayouts only once the transaction commits.
	QueuePayout(ctx context.Context, p Payout) error

	// Nested runs fn in a checkpoint of this transaction. A failing fn
	// discards only the checkpoint.
	Nested(ctx context.Context, fn func(ctx context.Context, tx StoreTx) error) error
}

// Totals is the persisted form of the global aggregates
type Totals struct {
	TotalNodes  int
	TotalStaked *uint256.Int
	RewardPool  *uint256.Int
	EventSeq    uint64
}

// memoryStore keeps only the payout outbox; the in-memory maps are the only
// copy of everything else
type memoryStore struct {
	mu      sync.Mutex
	pending map[string]Payout
}

func newMemoryStore() *memoryStore {
	return &memoryStore{pending: make(map[string]Payout)}
}

func (*memoryStore) Load(context.Context) (*Snapshot, error) { return nil, nil }

func (s *memoryStore) Begin(ctx context.Context, fn func(ctx context.Context, tx StoreTx) error) error {
	return fn(ctx, memoryTx{s: s})
}

func (s *memoryStore) PendingPayouts(context.Context) ([]Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Payout, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Payout) int { return cmp.Compare(a.Seq, b.Seq) })
	return out, nil
}

func (s *memoryStore) MarkPaid(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

type memoryTx struct {
	s *memoryStore
}

func (memoryTx) PutNode(context.Context, *Node, int) error { return nil }
func (memoryTx) DeleteNode(context.Context, Address) error { return nil }
func (memoryTx) PutTotals(context.Context, Totals) error { return nil }
func (memoryTx) AppendEvent(context.Context, Event) error { return nil }
func (memoryTx) PutBalance(context.Context, Address, *uint256.Int) error { return nil }

func (t memoryTx) QueuePayout(ctx context.Context, p Payout) error {
	t.s.mu.Lock()
	t.s.pending[p.ID] = p
	t.s.mu.Unlock()
	OnRollback(ctx, func() {
		t.s.mu.Lock()
		defer t.s.mu.Unlock()
		delete(t.s.pending, p.ID)
	})
	return nil
}

func (t memoryTx) Nested(ctx context.Context, fn func(context.Context, StoreTx) error) error {
	return fn(ctx, t)
}
