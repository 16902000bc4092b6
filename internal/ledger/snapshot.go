package ledger

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

// Snapshot is the complete serializable ledger state. Amounts are decimal
// strings so the encoding does not depend on the integer library.
type Snapshot struct {
	Nodes       []NodeRecord `json:"nodes"` // enumeration order
	TotalNodes  int          `json:"total_nodes"`
	TotalStaked string       `json:"total_staked"`
	RewardPool  string       `json:"reward_pool"`
	EventSeq    uint64       `json:"event_seq"`

	// Balances is filled by stores that persist the credit book
	Balances map[Address]string `json:"balances,omitempty"`
}

type NodeRecord struct {
	Address          Address `json:"address"`
	StakedAmount     string  `json:"staked_amount"`
	RegistrationTime int64   `json:"registration_time"`
	LastRewardTime   int64   `json:"last_reward_time"`
	Reputation       int     `json:"reputation"`
	IsActive         bool    `json:"is_active"`
	IPAddress        string  `json:"ip_address"`
	Uptime           uint64  `json:"uptime"`
}

// Record returns the serializable form of the node
func (n Node) Record() NodeRecord {
	return NodeRecord{
		Address:          n.Address,
		StakedAmount:     n.StakedAmount.Dec(),
		RegistrationTime: n.RegistrationTime,
		LastRewardTime:   n.LastRewardTime,
		Reputation:       n.Reputation,
		IsActive:         n.IsActive,
		IPAddress:        n.IPAddress,
		Uptime:           n.Uptime,
	}
}

// Node converts the record back to a ledger node
func (r NodeRecord) Node() (*Node, error) {
	stake, err := uint256.FromDecimal(r.StakedAmount)
	if err != nil {
		return nil, fmt.Errorf("stake of %s: %w", r.Address, ErrInvalidAmount)
	}
	return &Node{
		Address:          r.Address,
		StakedAmount:     stake,
		RegistrationTime: r.RegistrationTime,
		LastRewardTime:   r.LastRewardTime,
		Reputation:       r.Reputation,
		IsActive:         r.IsActive,
		IPAddress:        r.IPAddress,
		Uptime:           r.Uptime,
	}, nil
}

// Snapshot captures the current state
func (l *Ledger) Snapshot(ctx context.Context) *Snapshot {
	var s *Snapshot
	l.view(ctx, func() {
		s = &Snapshot{
			Nodes:       make([]NodeRecord, 0, len(l.order)),
			TotalNodes:  l.totalNodes,
			TotalStaked: l.totalStaked.Dec(),
			RewardPool:  l.rewardPool.Dec(),
			EventSeq:    l.eventSeq,
		}
		for _, addr := range l.order {
			s.Nodes = append(s.Nodes, l.nodes[addr].Record())
		}
	})
	return s
}

// Restore replaces the whole state with s. The snapshot's aggregates must
// agree with its records.
func (l *Ledger) Restore(s *Snapshot) error {
	nodes := make(map[Address]*Node, len(s.Nodes))
	index := make(map[Address]int, len(s.Nodes))
	order := make([]Address, 0, len(s.Nodes))
	sum := new(uint256.Int)

	for i, rec := range s.Nodes {
		n, err := rec.Node()
		if err != nil {
			return err
		}
		if _, dup := nodes[n.Address]; dup {
			return fmt.Errorf("%w: duplicate node %s", ErrCorruptSnapshot, n.Address)
		}
		if n.Reputation < 0 || n.Reputation > MaxReputation {
			return fmt.Errorf("%w: reputation %d of %s", ErrCorruptSnapshot, n.Reputation, n.Address)
		}
		var overflow bool
		if sum, overflow = new(uint256.Int).AddOverflow(sum, n.StakedAmount); overflow {
			return fmt.Errorf("%w: total stake overflows", ErrCorruptSnapshot)
		}
		nodes[n.Address] = n
		index[n.Address] = i
		order = append(order, n.Address)
	}

	totalStaked, err := uint256.FromDecimal(s.TotalStaked)
	if err != nil {
		return fmt.Errorf("total staked: %w", ErrInvalidAmount)
	}
	pool, err := uint256.FromDecimal(s.RewardPool)
	if err != nil {
		return fmt.Errorf("reward pool: %w", ErrInvalidAmount)
	}
	if s.TotalNodes != len(order) {
		return fmt.Errorf("%w: total nodes %d, records %d", ErrCorruptSnapshot, s.TotalNodes, len(order))
	}
	if !totalStaked.Eq(sum) {
		return fmt.Errorf("%w: total staked %s, records sum %s", ErrCorruptSnapshot, totalStaked.Dec(), sum.Dec())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes = nodes
	l.index = index
	l.order = order
	l.totalNodes = s.TotalNodes
	l.totalStaked = totalStaked
	l.rewardPool = pool
	l.eventSeq = s.EventSeq
	return nil
}
