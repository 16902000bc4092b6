// Package replication replicates ledger commands through hashicorp/raft so
// that every replica applies the same transitions in the same order.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	log "github.com/sirupsen/logrus"

	"meshledger/internal/ledger"
)

// FSM applies committed raft log entries to a ledger. Payouts and collected
// value must go through a CreditBook so that replaying the log reproduces the
// balances.
type FSM struct {
	ledger  *ledger.Ledger
	credits *ledger.CreditBook
	log     *log.Entry
}

func NewFSM(l *ledger.Ledger, credits *ledger.CreditBook) *FSM {
	return &FSM{
		ledger:  l,
		credits: credits,
		log:     log.WithField("component", "fsm"),
	}
}

// Apply executes one command. The returned value is the command's error, or
// nil; rejections are deterministic so every replica returns the same one.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd ledger.Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.log.WithError(err).WithField("index", entry.Index).Error("Dropping undecodable command")
		return fmt.Errorf("decoding command at index %d: %w", entry.Index, err)
	}
	if cmd.Time == 0 {
		// a command without a pinned time would read each replica's clock
		return fmt.Errorf("command at index %d has no time", entry.Index)
	}
	if err := f.ledger.Execute(context.Background(), cmd); err != nil {
		f.log.WithFields(log.Fields{
			"index": entry.Index,
			"op":    cmd.Op,
		}).WithError(err).Debug("Command rejected")
		return err
	}
	return nil
}

type fsmState struct {
	Ledger  *ledger.Snapshot          `json:"ledger"`
	Credits map[ledger.Address]string `json:"credits"`
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	data, err := json.Marshal(fsmState{
		Ledger:  f.ledger.Snapshot(context.Background()),
		Credits: f.credits.Balances(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state fsmState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}
	if state.Ledger == nil {
		return fmt.Errorf("snapshot has no ledger state")
	}
	if err := f.ledger.Restore(state.Ledger); err != nil {
		return fmt.Errorf("restoring ledger: %w", err)
	}
	if err := f.credits.Restore(state.Credits); err != nil {
		return fmt.Errorf("restoring credits: %w", err)
	}
	f.log.WithField("nodes", len(state.Ledger.Nodes)).Info("Restored ledger from snapshot")
	return nil
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
