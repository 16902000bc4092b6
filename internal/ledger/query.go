package ledger

import (
	"context"

	"github.com/holiman/uint256"
)

// view runs fn with read access to the state. Inside a payout callback it
// reads the in-flight transition's state without locking.
func (l *Ledger) view(ctx context.Context, fn func()) {
	if l.activeTransition(ctx) == nil {
		l.mu.RLock()
		defer l.mu.RUnlock()
	}
	fn()
}

func (l *Ledger) Owner() Address {
	return l.owner
}

func (l *Ledger) MinimumBond() *uint256.Int {
	return l.minBond.Clone()
}

// GetNode returns a copy of the record for addr
func (l *Ledger) GetNode(ctx context.Context, addr Address) (Node, error) {
	var (
		node Node
		err  error
	)
	l.view(ctx, func() {
		n, ok := l.nodes[addr]
		if !ok {
			err = ErrNotRegistered
			return
		}
		node = n.Clone()
	})
	return node, err
}

func (l *Ledger) IsRegistered(ctx context.Context, addr Address) bool {
	var ok bool
	l.view(ctx, func() { _, ok = l.nodes[addr] })
	return ok
}

// ActiveNodes returns the active addresses in enumeration order
func (l *Ledger) ActiveNodes(ctx context.Context) []Address {
	var out []Address
	l.view(ctx, func() {
		out = make([]Address, 0, len(l.order))
		for _, addr := range l.order {
			if l.nodes[addr].IsActive {
				out = append(out, addr)
			}
		}
	})
	return out
}

// Nodes returns every registered address in enumeration order
func (l *Ledger) Nodes(ctx context.Context) []Address {
	var out []Address
	l.view(ctx, func() {
		out = make([]Address, len(l.order))
		copy(out, l.order)
	})
	return out
}

func (l *Ledger) Stats(ctx context.Context) Stats {
	var s Stats
	l.view(ctx, func() { s = l.stats() })
	return s
}

func (l *Ledger) stats() Stats {
	active := 0
	for _, n := range l.nodes {
		if n.IsActive {
			active++
		}
	}
	return Stats{
		TotalNodes:  l.totalNodes,
		ActiveNodes: active,
		TotalStaked: l.totalStaked.Clone(),
		RewardPool:  l.rewardPool.Clone(),
	}
}

// PoolBalance returns the reward pool to an authorized caller
func (l *Ledger) PoolBalance(ctx context.Context, caller Address) (*uint256.Int, error) {
	if err := l.auth.Authorize(caller, OpPoolBalance); err != nil {
		return nil, err
	}
	var pool *uint256.Int
	l.view(ctx, func() { pool = l.rewardPool.Clone() })
	return pool, nil
}

// RewardPreview is the outcome DistributeReward would have right now
type RewardPreview struct {
	Reward     *uint256.Int
	Elapsed    int64
	EligibleAt int64 // unix seconds at which the next payout is allowed
}

// PreviewReward computes the reward target would receive now without paying
// it. The node must be registered and active; a reward that is not yet due is
// reported with ErrTooSoon alongside the preview.
func (l *Ledger) PreviewReward(ctx context.Context, target Address) (RewardPreview, error) {
	var (
		p   RewardPreview
		err error
	)
	l.view(ctx, func() {
		n, ok := l.nodes[target]
		if !ok {
			err = ErrNotRegistered
			return
		}
		if !n.IsActive {
			err = ErrNotActive
			return
		}
		now := l.now(ctx)
		p.EligibleAt = n.LastRewardTime + RewardPeriod
		p.Elapsed = now - n.LastRewardTime
		if p.Elapsed < 0 {
			p.Elapsed = 0
		}
		p.Reward, err = ComputeReward(n.StakedAmount, n.Reputation, uint64(p.Elapsed))
		if err == nil && now < p.EligibleAt {
			err = ErrTooSoon
		}
	})
	return p, err
}
