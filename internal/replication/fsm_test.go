package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshledger/internal/ledger"
)

const t0 = int64(1_700_000_000)

func newTestFSM(t *testing.T) (*FSM, *ledger.Ledger, *ledger.CreditBook) {
	t.Helper()
	credits := ledger.NewCreditBook()
	l, err := ledger.New(ledger.Options{Owner: "owner", Payer: credits})
	require.NoError(t, err)
	return NewFSM(l, credits), l, credits
}

func logEntry(t *testing.T, index uint64, cmd ledger.Command) *raft.Log {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return &raft.Log{Index: index, Type: raft.LogCommand, Data: data}
}

var script = []ledger.Command{
	{Op: ledger.OpDeposit, Caller: "owner", Target: "alice", Amount: "2000000000000000000", Time: t0 - 3},
	{Op: ledger.OpDeposit, Caller: "owner", Target: "bob", Amount: "1000000000000000000", Time: t0 - 2},
	{Op: ledger.OpDeposit, Caller: "owner", Target: "owner", Amount: "1000000000000000000", Time: t0 - 1},
	{Op: ledger.OpRegister, Caller: "alice", Amount: "2000000000000000000", Descriptor: "10.0.0.1", Time: t0},
	{Op: ledger.OpRegister, Caller: "bob", Amount: "1000000000000000000", Descriptor: "10.0.0.2", Time: t0 + 1},
	{Op: ledger.OpFundPool, Caller: "owner", Amount: "1000000000000000000", Time: t0 + 2},
	{Op: ledger.OpDistributeReward, Caller: "owner", Target: "alice", Time: t0 + 3600},
	{Op: ledger.OpDeregister, Caller: "bob", Time: t0 + 3601},
}

type sink struct {
	bytes.Buffer
	cancelled bool
}

func (s *sink) ID() string    { return "test" }
func (s *sink) Cancel() error { s.cancelled = true; return nil }
func (s *sink) Close() error  { return nil }

func TestFSMApply(t *testing.T) {
	ctx := context.Background()
	fsm, l, credits := newTestFSM(t)

	for i, cmd := range script {
		assert.Nil(t, fsm.Apply(logEntry(t, uint64(i+1), cmd)))
	}

	n, err := l.GetNode(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, t0+3600, n.LastRewardTime)
	assert.Equal(t, "20000000000000000", credits.Balance("alice").Dec())
	assert.Equal(t, "1000000000000000000", credits.Balance("bob").Dec())
	assert.Equal(t, []ledger.Address{"alice"}, l.Nodes(ctx))
}

func TestFSMApplyReturnsRejection(t *testing.T) {
	fsm, _, _ := newTestFSM(t)

	resp := fsm.Apply(logEntry(t, 1, ledger.Command{Op: ledger.OpDeregister, Caller: "nobody", Time: t0}))
	err, ok := resp.(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, ledger.ErrNotRegistered)

	resp = fsm.Apply(&raft.Log{Index: 2, Data: []byte("{")})
	_, ok = resp.(error)
	assert.True(t, ok)

	resp = fsm.Apply(logEntry(t, 3, ledger.Command{Op: ledger.OpRegister, Caller: "alice", Amount: "1000000000000000000", Descriptor: "x"}))
	_, ok = resp.(error)
	assert.True(t, ok, "commands without a time are refused")

	resp = fsm.Apply(logEntry(t, 4, ledger.Command{Op: ledger.OpRegister, Caller: "alice", Amount: "1000000000000000000", Descriptor: "x", Time: t0}))
	err, ok = resp.(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestFSMSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	fsm, l, credits := newTestFSM(t)
	for i, cmd := range script {
		require.Nil(t, fsm.Apply(logEntry(t, uint64(i+1), cmd)))
	}

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	out := &sink{}
	require.NoError(t, snap.Persist(out))
	snap.Release()
	assert.False(t, out.cancelled)

	restored, l2, credits2 := newTestFSM(t)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(out.Bytes()))))

	assert.Equal(t, l.Snapshot(ctx), l2.Snapshot(ctx))
	assert.Equal(t, credits.Balances(), credits2.Balances())

	// both replicas continue identically
	next := logEntry(t, uint64(len(script)+1), ledger.Command{Op: ledger.OpDistributeReward, Caller: "owner", Target: "alice", Time: t0 + 7200})
	assert.Nil(t, fsm.Apply(next))
	assert.Nil(t, restored.Apply(next))
	assert.Equal(t, l.Snapshot(ctx), l2.Snapshot(ctx))
}

func TestFSMRestoreRejectsGarbage(t *testing.T) {
	fsm, _, _ := newTestFSM(t)
	require.Error(t, fsm.Restore(io.NopCloser(bytes.NewReader([]byte("nope")))))
	require.Error(t, fsm.Restore(io.NopCloser(bytes.NewReader([]byte(`{"credits":{}}`)))))
}

func fastRaftConfig(id string) *raft.Config {
	conf := raftConfig(Config{NodeID: id, LogLevel: "error"})
	conf.HeartbeatTimeout = 50 * time.Millisecond
	conf.ElectionTimeout = 50 * time.Millisecond
	conf.LeaderLeaseTimeout = 50 * time.Millisecond
	conf.CommitTimeout = 5 * time.Millisecond
	return conf
}

func startReplica(t *testing.T, dir string, fsm *FSM) *Replicator {
	t.Helper()
	st, err := openStorage(dir)
	require.NoError(t, err)
	// a fixed address, so a restarted replica matches its stored configuration
	_, trans := raft.NewInmemTransport("node-1")
	rep, err := newReplicator(Config{NodeID: "node-1", Bootstrap: true}, fastRaftConfig("node-1"), fsm, trans, st)
	require.NoError(t, err)
	require.Eventually(t, rep.IsLeader, 5*time.Second, 10*time.Millisecond)
	rep.now = func() time.Time { return time.Unix(t0, 0) }
	return rep
}

func TestReplicatorSingleNode(t *testing.T) {
	ctx := context.Background()
	fsm, l, _ := newTestFSM(t)
	rep := startReplica(t, t.TempDir(), fsm)
	defer rep.Shutdown()

	require.NoError(t, rep.Execute(ctx, ledger.Command{Op: ledger.OpDeposit, Caller: "owner", Target: "alice", Amount: "2000000000000000000"}))
	require.NoError(t, rep.Execute(ctx, ledger.Command{Op: ledger.OpRegister, Caller: "alice", Amount: "1000000000000000000", Descriptor: "10.0.0.1"}))
	require.ErrorIs(t, rep.Execute(ctx, ledger.Command{Op: ledger.OpRegister, Caller: "alice", Amount: "1000000000000000000", Descriptor: "10.0.0.1"}), ledger.ErrAlreadyRegistered)

	n, err := l.GetNode(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, t0, n.RegistrationTime)
}

func TestReplicaRecoversStateAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fsm, l, credits := newTestFSM(t)
	rep := startReplica(t, dir, fsm)
	for _, cmd := range script[:6] {
		require.NoError(t, rep.Execute(ctx, cmd), cmd.Op)
	}
	want, wantCredits := l.Snapshot(ctx), credits.Balances()
	require.Len(t, want.Nodes, 2)
	require.NoError(t, rep.Shutdown())

	// a fresh process: empty ledger, same data dir
	fsm2, l2, credits2 := newTestFSM(t)
	rep2 := startReplica(t, dir, fsm2)
	defer rep2.Shutdown()

	require.Eventually(t, func() bool {
		return l2.Stats(ctx).TotalNodes == 2 && len(credits2.Balances()) == len(wantCredits)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, l2.Snapshot(ctx))
	assert.Equal(t, wantCredits, credits2.Balances())

	// replayed registrations are not applied twice
	require.ErrorIs(t, rep2.Execute(ctx, script[3]), ledger.ErrAlreadyRegistered)
}

func TestBootstrapServers(t *testing.T) {
	servers, err := bootstrapServers(Config{NodeID: "a", Peers: []string{"a=10.0.0.1:7000", "b=10.0.0.2:7000"}}, "ignored")
	require.NoError(t, err)
	assert.Equal(t, []raft.Server{
		{ID: "a", Address: "10.0.0.1:7000"},
		{ID: "b", Address: "10.0.0.2:7000"},
	}, servers)

	_, err = bootstrapServers(Config{Peers: []string{"broken"}}, "")
	require.Error(t, err)
}
