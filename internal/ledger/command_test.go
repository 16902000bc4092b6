package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cmds := []Command{
		{Op: OpDeposit, Caller: owner, Target: alice, Amount: "500000000000000000", Time: t0 + 4},
		{Op: OpRegister, Caller: alice, Amount: "2000000000000000000", Descriptor: "a", Time: t0 + 5},
		{Op: OpAddStake, Caller: alice, Amount: "1000000000000000000", Time: t0 + 6},
		{Op: OpFundPool, Caller: owner, Amount: "1000000000000000000", Time: t0 + 7},
		{Op: OpUpdateReputation, Caller: owner, Target: alice, Delta: 100, Reliable: true, Time: t0 + 8},
		{Op: OpDistributeReward, Caller: owner, Target: alice, Time: t0 + 5 + RewardPeriod},
	}
	for _, cmd := range cmds {
		require.NoError(t, f.ledger.Execute(ctx, cmd), cmd.Op)
	}

	n, err := f.ledger.GetNode(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, t0+5, n.RegistrationTime)
	assert.Equal(t, t0+5+RewardPeriod, n.LastRewardTime)
	assert.Equal(t, MaxReputation, n.Reputation)
	// 3e18 stake for one period at reputation 200
	assert.Equal(t, "60000000000000000", f.credits.Balance(alice).Dec())
	// deposit in, bond and top-up out
	assert.Equal(t, "997500000000000000000", f.wallets.Balance(alice).Dec())

	require.NoError(t, f.ledger.Execute(ctx, Command{Op: OpEmergencyWithdraw, Caller: owner}))
	require.NoError(t, f.ledger.Execute(ctx, Command{Op: OpDeregister, Caller: alice}))
	assert.Equal(t, "3060000000000000000", f.credits.Balance(alice).Dec())
}

func TestExecuteRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.ErrorIs(t, f.ledger.Execute(ctx, Command{Op: "mint", Caller: owner}), ErrUnknownOperation)
	require.ErrorIs(t, f.ledger.Execute(ctx, Command{Op: OpRegister, Caller: alice, Amount: "-1", Descriptor: "a"}), ErrInvalidAmount)
	require.ErrorIs(t, f.ledger.Execute(ctx, Command{Op: OpRegister, Caller: alice, Descriptor: "a"}), ErrInsufficientBond)
	require.ErrorIs(t, f.ledger.Execute(ctx, Command{Op: OpFundPool, Caller: owner, Amount: "x"}), ErrInvalidAmount)
	require.ErrorIs(t, f.ledger.Execute(ctx, Command{Op: OpRegister, Caller: "dave", Amount: "1000000000000000000", Descriptor: "d"}), ErrInsufficientFunds)
	require.ErrorIs(t, f.ledger.Execute(ctx, Command{Op: OpDeposit, Caller: alice, Target: "dave", Amount: "1"}), ErrNotOwner)
}

func TestCommandJSON(t *testing.T) {
	raw := `{"op":"update_reputation","caller":"owner","target":"alice","delta":-20,"reliable":true,"time":42}`
	var cmd Command
	require.NoError(t, json.Unmarshal([]byte(raw), &cmd))
	assert.Equal(t, Command{
		Op:       OpUpdateReputation,
		Caller:   owner,
		Target:   alice,
		Delta:    -20,
		Reliable: true,
		Time:     42,
	}, cmd)
}

func TestReason(t *testing.T) {
	assert.Equal(t, "not-owner", Reason(ErrNotOwner))
	assert.Equal(t, "payout-failed", Reason(ErrPayoutFailed))
	assert.Equal(t, "invalid-amount", Reason(func() error { _, err := ParseAmount("nope"); return err }()))
	assert.Equal(t, "", Reason(context.Canceled))
	assert.Equal(t, "insufficient-funds", Reason(fmt.Errorf("collect: %w", ErrInsufficientFunds)))
	assert.True(t, OpEmergencyWithdraw.Privileged())
	assert.True(t, OpDeposit.Privileged())
	assert.False(t, OpRegister.Privileged())
}
