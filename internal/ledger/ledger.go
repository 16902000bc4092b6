package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"
)

// Options configures a Ledger. Only Owner is required.
type Options struct {
	Owner       Address
	MinimumBond *uint256.Int
	Authorizer  Authorizer
	Payer       Payer
	Collector   Collector
	// Dispatcher, when set, receives payouts after their transition commits
	// instead of Payer inside it. Payouts wait in the store's outbox until the
	// dispatcher accepts them.
	Dispatcher Payer
	Notifier   Notifier
	Observer    Observer
	Store       Store
	Clock       Clock
	Logger      *log.Entry
}

// Ledger owns the registry, the aggregates and the reward pool. All
// transitions are serialized by mu.
type Ledger struct {
	mu sync.RWMutex

	owner      Address
	minBond    *uint256.Int
	auth       Authorizer
	payer      Payer
	collector  Collector
	dispatcher Payer
	notifier   Notifier
	observer Observer
	store    Store
	clock    Clock
	log      *log.Entry

	nodes       map[Address]*Node
	order       []Address
	index       map[Address]int
	totalNodes  int
	totalStaked *uint256.Int
	rewardPool  *uint256.Int
	eventSeq    uint64
}

func New(opts Options) (*Ledger, error) {
	if opts.Owner == "" {
		return nil, errors.New("ledger owner is required")
	}
	l := &Ledger{
		owner:       opts.Owner,
		minBond:     DefaultMinimumBond,
		auth:        opts.Authorizer,
		payer:       opts.Payer,
		collector:   opts.Collector,
		dispatcher:  opts.Dispatcher,
		notifier:    opts.Notifier,
		observer:    opts.Observer,
		store:       opts.Store,
		clock:       opts.Clock,
		log:         opts.Logger,
		nodes:       make(map[Address]*Node),
		index:       make(map[Address]int),
		totalStaked: new(uint256.Int),
		rewardPool:  new(uint256.Int),
	}
	if opts.MinimumBond != nil {
		l.minBond = opts.MinimumBond.Clone()
	}
	if l.auth == nil {
		l.auth = NewOwnerPolicy(opts.Owner)
	}
	if l.payer == nil && l.collector == nil {
		book := NewCreditBook()
		l.payer, l.collector = book, book
	}
	if l.collector == nil {
		if c, ok := l.payer.(Collector); ok {
			l.collector = c
		} else {
			l.collector = NewCreditBook()
		}
	}
	if l.payer == nil {
		if p, ok := l.collector.(Payer); ok {
			l.payer = p
		} else {
			l.payer = NewCreditBook()
		}
	}
	if l.notifier == nil {
		l.notifier = Notifiers{}
	}
	if l.store == nil {
		l.store = newMemoryStore()
	}
	if l.clock == nil {
		l.clock = systemClock{}
	}
	if l.log == nil {
		l.log = log.WithField("component", "ledger")
	}
	return l, nil
}

// Load replaces the in-memory state with whatever the store holds. An empty
// store leaves the ledger empty. Persisted balances are restored into the
// collector when it is a CreditBook.
func (l *Ledger) Load(ctx context.Context) error {
	snap, err := l.store.Load(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	if err := l.Restore(snap); err != nil {
		return err
	}
	if book, ok := l.collector.(*CreditBook); ok && snap.Balances != nil {
		return book.Restore(snap.Balances)
	}
	return nil
}

// Register admits caller as a node bonded with bond. The bond is collected
// from the caller's funding account within the same transition.
func (l *Ledger) Register(ctx context.Context, caller Address, bond *uint256.Int, descriptor string) error {
	return l.transact(ctx, OpRegister, func(ctx context.Context, t *transition) error {
		if _, ok := l.nodes[caller]; ok {
			return ErrAlreadyRegistered
		}
		if bond == nil || bond.Lt(l.minBond) {
			return ErrInsufficientBond
		}
		if descriptor == "" {
			return ErrEmptyDescriptor
		}
		total, overflow := new(uint256.Int).AddOverflow(l.totalStaked, bond)
		if overflow {
			return ErrOverflow
		}
		if err := t.collect(ctx, OpRegister, caller, bond); err != nil {
			return err
		}

		now := l.now(ctx)
		n := &Node{
			Address:          caller,
			StakedAmount:     bond.Clone(),
			RegistrationTime: now,
			LastRewardTime:   now,
			Reputation:       InitialReputation,
			IsActive:         true,
			IPAddress:        descriptor,
		}
		t.insertNode(n)
		t.setTotalStaked(total)

		if err := t.emit(ctx, Event{
			Type:       EventNodeRegistered,
			Address:    caller,
			Amount:     bond.Dec(),
			Descriptor: descriptor,
			Reputation: n.Reputation,
			IsActive:   true,
		}); err != nil {
			return err
		}
		if err := t.putNode(ctx, n); err != nil {
			return err
		}
		return t.putTotals(ctx)
	})
}

// AddStake tops up the caller's bond from its funding account
func (l *Ledger) AddStake(ctx context.Context, caller Address, amount *uint256.Int) error {
	return l.transact(ctx, OpAddStake, func(ctx context.Context, t *transition) error {
		n, ok := l.nodes[caller]
		if !ok {
			return ErrNotRegistered
		}
		if amount == nil || amount.IsZero() {
			return ErrZeroAmount
		}
		stake, overflow := new(uint256.Int).AddOverflow(n.StakedAmount, amount)
		if overflow {
			return ErrOverflow
		}
		total, overflow := new(uint256.Int).AddOverflow(l.totalStaked, amount)
		if overflow {
			return ErrOverflow
		}
		if err := t.collect(ctx, OpAddStake, caller, amount); err != nil {
			return err
		}

		t.updateNode(n, func(n *Node) { n.StakedAmount = stake })
		t.setTotalStaked(total)

		if err := t.emit(ctx, Event{
			Type:       EventStakeAdded,
			Address:    caller,
			Amount:     amount.Dec(),
			Reputation: n.Reputation,
			IsActive:   n.IsActive,
		}); err != nil {
			return err
		}
		if err := t.putNode(ctx, n); err != nil {
			return err
		}
		return t.putTotals(ctx)
	})
}

// DistributeReward pays target the reward accrued since its last payout. The
// node's reward clock and the pool are updated and written before the payout
// is attempted.
func (l *Ledger) DistributeReward(ctx context.Context, caller, target Address) error {
	return l.transact(ctx, OpDistributeReward, func(ctx context.Context, t *transition) error {
		if err := l.auth.Authorize(caller, OpDistributeReward); err != nil {
			return err
		}
		n, ok := l.nodes[target]
		if !ok {
			return ErrNotRegistered
		}
		if !n.IsActive {
			return ErrNotActive
		}
		now := l.now(ctx)
		if now-n.LastRewardTime < RewardPeriod {
			return ErrTooSoon
		}
		elapsed := uint64(now - n.LastRewardTime)

		reward, err := ComputeReward(n.StakedAmount, n.Reputation, elapsed)
		if err != nil {
			return err
		}
		if l.rewardPool.Lt(reward) {
			return ErrInsufficientPool
		}

		t.updateNode(n, func(n *Node) {
			n.LastRewardTime = now
			n.Uptime += elapsed
		})
		t.setRewardPool(new(uint256.Int).Sub(l.rewardPool, reward))

		if err := t.emit(ctx, Event{
			Type:       EventRewardDistributed,
			Address:    target,
			Amount:     reward.Dec(),
			Reputation: n.Reputation,
			IsActive:   n.IsActive,
		}); err != nil {
			return err
		}
		if err := t.putNode(ctx, n); err != nil {
			return err
		}
		if err := t.putTotals(ctx); err != nil {
			return err
		}
		return t.pay(ctx, Payout{
			ID:     payoutID(OpDistributeReward, target, l.eventSeq),
			Seq:    l.eventSeq,
			To:     target,
			Amount: reward,
			Reason: OpDistributeReward,
		})
	})
}

// UpdateReputation applies one evaluation window to target
func (l *Ledger) UpdateReputation(ctx context.Context, caller, target Address, delta int64, reliable bool) error {
	return l.transact(ctx, OpUpdateReputation, func(ctx context.Context, t *transition) error {
		if err := l.auth.Authorize(caller, OpUpdateReputation); err != nil {
			return err
		}
		n, ok := l.nodes[target]
		if !ok {
			return ErrNotRegistered
		}

		wasActive := n.IsActive
		reputation, active := applyReputation(n.Reputation, n.IsActive, delta, reliable)
		t.updateNode(n, func(n *Node) {
			n.Reputation = reputation
			n.IsActive = active
		})

		if err := t.emit(ctx, Event{
			Type:       EventReputationUpdated,
			Address:    target,
			Reputation: reputation,
			IsActive:   active,
		}); err != nil {
			return err
		}
		if wasActive != active {
			typ := EventNodeActivated
			if !active {
				typ = EventNodeDeactivated
			}
			if err := t.emit(ctx, Event{
				Type:       typ,
				Address:    target,
				Reputation: reputation,
				IsActive:   active,
			}); err != nil {
				return err
			}
		}
		if err := t.putNode(ctx, n); err != nil {
			return err
		}
		return t.putTotals(ctx)
	})
}

// Deregister removes caller and refunds its full stake
func (l *Ledger) Deregister(ctx context.Context, caller Address) error {
	return l.transact(ctx, OpDeregister, func(ctx context.Context, t *transition) error {
		n, ok := l.nodes[caller]
		if !ok {
			return ErrNotRegistered
		}
		refund := n.StakedAmount

		moved, slot := t.removeNode(caller)
		t.setTotalStaked(new(uint256.Int).Sub(l.totalStaked, refund))

		if err := t.emit(ctx, Event{
			Type:       EventNodeDeregistered,
			Address:    caller,
			Amount:     refund.Dec(),
			Reputation: n.Reputation,
		}); err != nil {
			return err
		}
		if err := t.store.DeleteNode(ctx, caller); err != nil {
			return err
		}
		if moved != caller {
			if err := t.store.PutNode(ctx, l.nodes[moved], slot); err != nil {
				return err
			}
		}
		if err := t.putTotals(ctx); err != nil {
			return err
		}
		return t.pay(ctx, Payout{
			ID:     payoutID(OpDeregister, caller, l.eventSeq),
			Seq:    l.eventSeq,
			To:     caller,
			Amount: refund,
			Reason: OpDeregister,
		})
	})
}

// FundPool moves amount from the caller's funding account into the reward
// pool
func (l *Ledger) FundPool(ctx context.Context, caller Address, amount *uint256.Int) error {
	return l.transact(ctx, OpFundPool, func(ctx context.Context, t *transition) error {
		if err := l.auth.Authorize(caller, OpFundPool); err != nil {
			return err
		}
		if amount == nil || amount.IsZero() {
			return ErrZeroAmount
		}
		pool, overflow := new(uint256.Int).AddOverflow(l.rewardPool, amount)
		if overflow {
			return ErrOverflow
		}
		if err := t.collect(ctx, OpFundPool, caller, amount); err != nil {
			return err
		}
		t.setRewardPool(pool)

		if err := t.emit(ctx, Event{
			Type:    EventPoolFunded,
			Address: caller,
			Amount:  amount.Dec(),
		}); err != nil {
			return err
		}
		return t.putTotals(ctx)
	})
}

// EmergencyWithdraw drains the reward pool to the owner. Bonded stake is
// never touched.
func (l *Ledger) EmergencyWithdraw(ctx context.Context, caller Address) error {
	return l.transact(ctx, OpEmergencyWithdraw, func(ctx context.Context, t *transition) error {
		if err := l.auth.Authorize(caller, OpEmergencyWithdraw); err != nil {
			return err
		}
		amount := l.rewardPool
		t.setRewardPool(new(uint256.Int))

		if err := t.emit(ctx, Event{
			Type:    EventEmergencyWithdrawal,
			Address: l.owner,
			Amount:  amount.Dec(),
		}); err != nil {
			return err
		}
		if err := t.putTotals(ctx); err != nil {
			return err
		}
		if amount.IsZero() {
			return nil
		}
		return t.pay(ctx, Payout{
			ID:     payoutID(OpEmergencyWithdraw, l.owner, l.eventSeq),
			Seq:    l.eventSeq,
			To:     l.owner,
			Amount: amount,
			Reason: OpEmergencyWithdraw,
		})
	})
}

// Deposit credits amount to the funding account of to. It records value that
// reached the ledger from outside, such as a settled transfer, and is what
// later registrations, stake top-ups and pool funding draw on.
func (l *Ledger) Deposit(ctx context.Context, caller, to Address, amount *uint256.Int) error {
	return l.transact(ctx, OpDeposit, func(ctx context.Context, t *transition) error {
		if err := l.auth.Authorize(caller, OpDeposit); err != nil {
			return err
		}
		if amount == nil || amount.IsZero() {
			return ErrZeroAmount
		}
		if err := t.emit(ctx, Event{
			Type:    EventFundsDeposited,
			Address: to,
			Amount:  amount.Dec(),
		}); err != nil {
			return err
		}
		if err := t.putTotals(ctx); err != nil {
			return err
		}
		return l.collector.Deposit(ctx, Transfer{
			ID:      payoutID(OpDeposit, to, l.eventSeq),
			Account: to,
			Amount:  amount,
			Reason:  OpDeposit,
		})
	})
}

func (l *Ledger) observe(op Operation, err error) {
	if l.observer == nil {
		return
	}
	l.observer.ObserveOperation(op, err, l.stats())
}
