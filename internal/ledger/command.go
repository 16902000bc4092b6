package ledger

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

// Command is a serializable mutating call. Time, when set, pins the
// operation's notion of now.
type Command struct {
	Op         Operation `json:"op"`
	Caller     Address   `json:"caller"`
	Target     Address   `json:"target,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Descriptor string    `json:"descriptor,omitempty"`
	Delta      int64     `json:"delta,omitempty"`
	Reliable   bool      `json:"reliable,omitempty"`
	Time       int64     `json:"time,omitempty"`
}

// ParseAmount parses a decimal base-unit amount. The empty string is zero.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

// Execute dispatches cmd to the matching operation
func (l *Ledger) Execute(ctx context.Context, cmd Command) error {
	if cmd.Time != 0 {
		ctx = WithTime(ctx, cmd.Time)
	}

	switch cmd.Op {
	case OpRegister:
		bond, err := ParseAmount(cmd.Amount)
		if err != nil {
			return err
		}
		return l.Register(ctx, cmd.Caller, bond, cmd.Descriptor)
	case OpAddStake:
		amount, err := ParseAmount(cmd.Amount)
		if err != nil {
			return err
		}
		return l.AddStake(ctx, cmd.Caller, amount)
	case OpDistributeReward:
		return l.DistributeReward(ctx, cmd.Caller, cmd.Target)
	case OpUpdateReputation:
		return l.UpdateReputation(ctx, cmd.Caller, cmd.Target, cmd.Delta, cmd.Reliable)
	case OpDeregister:
		return l.Deregister(ctx, cmd.Caller)
	case OpFundPool:
		amount, err := ParseAmount(cmd.Amount)
		if err != nil {
			return err
		}
		return l.FundPool(ctx, cmd.Caller, amount)
	case OpEmergencyWithdraw:
		return l.EmergencyWithdraw(ctx, cmd.Caller)
	case OpDeposit:
		amount, err := ParseAmount(cmd.Amount)
		if err != nil {
			return err
		}
		return l.Deposit(ctx, cmd.Caller, cmd.Target, amount)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, cmd.Op)
	}
}
