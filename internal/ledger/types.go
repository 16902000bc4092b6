// Package ledger implements the node registry and reward ledger: membership,
// bonded stake, reputation with activation state, time-gated reward payout and
// deregistration with refund.
package ledger

import (
	"github.com/holiman/uint256"
)

// Address identifies a participant. The ledger treats it as opaque.
type Address string

// Reputation bounds and activation thresholds
const (
	InitialReputation     = 100
	MaxReputation         = 200
	DeactivationThreshold = 50 // below this an unreliable node is deactivated
	ReactivationThreshold = 75 // at or above this a reliable node is reactivated
)

// Reward parameters. RewardPeriod is both the minimum spacing between payouts
// to one node and the divisor of the reward formula.
const (
	RewardRate        = 100
	RewardPeriod      = 3600 // seconds
	rewardDenominator = 10000
)

// DefaultMinimumBond is one whole token expressed in 18-decimal base units.
var DefaultMinimumBond = uint256.MustFromDecimal("1000000000000000000")

// Operation names a state transition or privileged read
type Operation string

const (
	OpRegister          Operation = "register"
	OpAddStake          Operation = "add_stake"
	OpDistributeReward  Operation = "distribute_reward"
	OpUpdateReputation  Operation = "update_reputation"
	OpDeregister        Operation = "deregister"
	OpFundPool          Operation = "fund_pool"
	OpPoolBalance       Operation = "pool_balance"
	OpEmergencyWithdraw Operation = "emergency_withdraw"
	OpDeposit           Operation = "deposit"
)

// Privileged reports whether the operation requires authorization
func (op Operation) Privileged() bool {
	switch op {
	case OpDistributeReward, OpUpdateReputation, OpFundPool, OpPoolBalance, OpEmergencyWithdraw, OpDeposit:
		return true
	}
	return false
}

// Node is the ledger record of one registered participant.
// StakedAmount is never mutated in place; transitions assign a fresh value.
type Node struct {
	Address          Address
	StakedAmount     *uint256.Int
	RegistrationTime int64 // unix seconds
	LastRewardTime   int64 // unix seconds
	Reputation       int
	IsActive         bool
	IPAddress        string
	Uptime           uint64 // seconds credited across reward cycles
}

// Clone returns a deep copy of the record
func (n *Node) Clone() Node {
	c := *n
	c.StakedAmount = n.StakedAmount.Clone()
	return c
}

// Stats is a point-in-time view of the global aggregates
type Stats struct {
	TotalNodes  int
	ActiveNodes int
	TotalStaked *uint256.Int
	RewardPool  *uint256.Int
}
