package ledger

import (
	"github.com/holiman/uint256"
)

// ComputeReward returns the payout owed for elapsed seconds of bonded stake:
//
//	base   = stake * RewardRate * elapsed / (10000 * RewardPeriod)
//	reward = base * max(reputation, 100) / 100
//
// Both divisions truncate, base first. Multiplying before the first division
// would change the result, so the order is part of the contract.
func ComputeReward(stake *uint256.Int, reputation int, elapsed uint64) (*uint256.Int, error) {
	base, overflow := new(uint256.Int).MulOverflow(stake, uint256.NewInt(RewardRate))
	if overflow {
		return nil, ErrOverflow
	}
	base, overflow = new(uint256.Int).MulOverflow(base, uint256.NewInt(elapsed))
	if overflow {
		return nil, ErrOverflow
	}
	base.Div(base, uint256.NewInt(rewardDenominator*RewardPeriod))

	multiplier := reputation
	if multiplier < InitialReputation {
		multiplier = InitialReputation
	}
	reward, overflow := new(uint256.Int).MulOverflow(base, uint256.NewInt(uint64(multiplier)))
	if overflow {
		return nil, ErrOverflow
	}
	return reward.Div(reward, uint256.NewInt(100)), nil
}
