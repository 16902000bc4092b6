package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	log "github.com/sirupsen/logrus"

	"meshledger/internal/ledger"
)

var ErrNotLeader = errors.New("not the raft leader")

// Config holds the raft settings of one replica
type Config struct {
	NodeID       string
	BindAddr     string
	DataDir      string
	Bootstrap    bool
	Peers        []string // id=host:port, including this node
	ApplyTimeout time.Duration
	LogLevel     string
}

// Replicator submits ledger commands to the raft log
type Replicator struct {
	raft    *raft.Raft
	timeout time.Duration
	now     func() time.Time
	done    chan struct{}
	closer  io.Closer
}

// storage is where a replica keeps its log, current term and snapshots
type storage struct {
	logs   raft.LogStore
	stable raft.StableStore
	snaps  raft.SnapshotStore
	closer io.Closer // nil for in-memory stores
}

// openStorage opens the durable stores under dir: a bolt file holding both
// the log and the stable state, and a snapshots directory. A replica
// restarted on the same dir resumes its term and replays its log.
func openStorage(dir string) (storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage{}, fmt.Errorf("creating raft data dir: %w", err)
	}
	bolt, err := raftboltdb.New(raftboltdb.Options{Path: filepath.Join(dir, "raft.db")})
	if err != nil {
		return storage{}, fmt.Errorf("opening raft log: %w", err)
	}
	snaps, err := raft.NewFileSnapshotStore(dir, 2, os.Stderr)
	if err != nil {
		bolt.Close()
		return storage{}, fmt.Errorf("creating snapshot store: %w", err)
	}
	return storage{logs: bolt, stable: bolt, snaps: snaps, closer: bolt}, nil
}

// NewRaft starts a replica that applies committed commands to fsm
func NewRaft(cfg Config, fsm *FSM) (*Replicator, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving raft bind address: %w", err)
	}
	st, err := openStorage(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	trans, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		st.closer.Close()
		return nil, fmt.Errorf("creating raft transport: %w", err)
	}

	return newReplicator(cfg, raftConfig(cfg), fsm, trans, st)
}

func raftConfig(cfg Config) *raft.Config {
	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.Logger = hclog.New(&hclog.LoggerOptions{
		Name:  "raft",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})
	return conf
}

func newReplicator(cfg Config, conf *raft.Config, fsm *FSM, trans raft.Transport, st storage) (*Replicator, error) {
	notify := make(chan bool, 1)
	conf.NotifyCh = notify

	fail := func(r *raft.Raft, err error) (*Replicator, error) {
		if r != nil {
			r.Shutdown()
		}
		if st.closer != nil {
			st.closer.Close()
		}
		return nil, err
	}

	r, err := raft.NewRaft(conf, fsm, st.logs, st.stable, st.snaps, trans)
	if err != nil {
		return fail(nil, fmt.Errorf("starting raft: %w", err))
	}

	if cfg.Bootstrap {
		servers, err := bootstrapServers(cfg, trans.LocalAddr())
		if err != nil {
			return fail(r, err)
		}
		// a replica restarted from its data dir is already bootstrapped
		if err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return fail(r, fmt.Errorf("bootstrapping cluster: %w", err))
		}
	}

	timeout := cfg.ApplyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rep := &Replicator{
		raft:    r,
		timeout: timeout,
		now:     time.Now,
		done:    make(chan struct{}),
		closer:  st.closer,
	}
	go rep.watchLeadership(notify)
	return rep, nil
}

func bootstrapServers(cfg Config, local raft.ServerAddress) ([]raft.Server, error) {
	if len(cfg.Peers) == 0 {
		return []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: local}}, nil
	}
	servers := make([]raft.Server, 0, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		id, addr, ok := strings.Cut(peer, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid raft peer %q, want id=host:port", peer)
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
	}
	return servers, nil
}

func (r *Replicator) watchLeadership(notify <-chan bool) {
	for {
		select {
		case <-r.done:
			return
		case leader := <-notify:
			log.WithField("leader", leader).Info("Raft leadership changed")
		}
	}
}

// Execute replicates cmd and returns the result of applying it. Commands are
// stamped with the leader's clock so replicas agree on time.
func (r *Replicator) Execute(ctx context.Context, cmd ledger.Command) error {
	if r.raft.State() != raft.Leader {
		leader, _ := r.raft.LeaderWithID()
		return fmt.Errorf("%w: leader is %q", ErrNotLeader, leader)
	}
	if cmd.Time == 0 {
		cmd.Time = r.now().Unix()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	f := r.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("replicating %s: %w", cmd.Op, err)
	}
	if err, ok := f.Response().(error); ok {
		return err
	}
	return nil
}

// IsLeader reports whether this replica accepts commands
func (r *Replicator) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

// AddVoter adds a replica to the cluster. Only the leader can do this.
func (r *Replicator) AddVoter(id, addr string) error {
	return r.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, r.timeout).Error()
}

// Shutdown stops the replica and closes its log
func (r *Replicator) Shutdown() error {
	err := r.raft.Shutdown().Error()
	close(r.done)
	if r.closer != nil {
		if cerr := r.closer.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing raft log: %w", cerr))
		}
	}
	return err
}
