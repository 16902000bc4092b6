package ledger

import (
	"context"
)

type EventType string

const (
	EventNodeRegistered      EventType = "node_registered"
	EventStakeAdded          EventType = "stake_added"
	EventRewardDistributed   EventType = "reward_distributed"
	EventReputationUpdated   EventType = "reputation_updated"
	EventNodeActivated       EventType = "node_activated"
	EventNodeDeactivated     EventType = "node_deactivated"
	EventNodeDeregistered    EventType = "node_deregistered"
	EventPoolFunded          EventType = "pool_funded"
	EventEmergencyWithdrawal EventType = "emergency_withdrawal"
	EventFundsDeposited      EventType = "funds_deposited"
)

// Event is an observable record of a committed transition. Amount is a
// decimal string of base units.
type Event struct {
	Seq        uint64    `json:"seq"`
	Type       EventType `json:"type"`
	Address    Address   `json:"address,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Descriptor string    `json:"descriptor,omitempty"`
	Reputation int       `json:"reputation"`
	IsActive   bool      `json:"is_active"`
	Time       int64     `json:"time"`
}

// Notifier receives events after the transition that produced them commits.
// Errors are logged and never undo the transition.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Notifiers fans events out to several notifiers in order
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, e Event) error {
	var first error
	for _, n := range ns {
		if err := n.Notify(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Observer is told the outcome of every mutating operation
type Observer interface {
	ObserveOperation(op Operation, err error, stats Stats)
}
