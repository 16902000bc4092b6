package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"

	"meshledger/internal/ledger"
)

// LedgerStore persists ledger state in PostgreSQL. It implements ledger.Store.
type LedgerStore struct {
	db Database
}

func NewLedgerStore(db Database) *LedgerStore {
	return &LedgerStore{db: db}
}

// Load reads the full ledger state, nodes in enumeration order
func (s *LedgerStore) Load(ctx context.Context) (*ledger.Snapshot, error) {
	var (
		snap     = &ledger.Snapshot{}
		eventSeq int64
	)
	err := s.db.GetPool().QueryRow(ctx, `
		SELECT total_nodes, total_staked::text, reward_pool::text, event_seq
		FROM ledger_totals WHERE id = 1
	`).Scan(&snap.TotalNodes, &snap.TotalStaked, &snap.RewardPool, &eventSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading ledger totals: %w", err)
	}
	snap.EventSeq = uint64(eventSeq)

	rows, err := s.db.GetPool().Query(ctx, `
		SELECT address, staked_amount::text, registration_time, last_reward_time,
			reputation, is_active, ip_address, uptime
		FROM ledger_nodes ORDER BY slot
	`)
	if err != nil {
		return nil, fmt.Errorf("loading ledger nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec        ledger.NodeRecord
			address    string
			reputation int16
			uptime     int64
		)
		if err := rows.Scan(&address, &rec.StakedAmount, &rec.RegistrationTime, &rec.LastRewardTime,
			&reputation, &rec.IsActive, &rec.IPAddress, &uptime); err != nil {
			return nil, fmt.Errorf("scanning ledger node: %w", err)
		}
		rec.Address = ledger.Address(address)
		rec.Reputation = int(reputation)
		rec.Uptime = uint64(uptime)
		snap.Nodes = append(snap.Nodes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ledger nodes: %w", err)
	}

	if snap.Balances, err = s.balances(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *LedgerStore) balances(ctx context.Context) (map[ledger.Address]string, error) {
	rows, err := s.db.GetPool().Query(ctx, `SELECT address, balance::text FROM ledger_balances WHERE balance > 0`)
	if err != nil {
		return nil, fmt.Errorf("loading balances: %w", err)
	}
	defer rows.Close()

	out := make(map[ledger.Address]string)
	for rows.Next() {
		var address, balance string
		if err := rows.Scan(&address, &balance); err != nil {
			return nil, fmt.Errorf("scanning balance: %w", err)
		}
		out[ledger.Address(address)] = balance
	}
	return out, rows.Err()
}

// Begin runs fn inside one database transaction
func (s *LedgerStore) Begin(ctx context.Context, fn func(ctx context.Context, tx ledger.StoreTx) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &storeTx{tx: tx})
	})
}

// Events returns up to limit audit events with a sequence number above after
func (s *LedgerStore) Events(ctx context.Context, after uint64, limit int) ([]ledger.Event, error) {
	rows, err := s.db.GetPool().Query(ctx, `
		SELECT seq, event_type, address, COALESCE(amount::text, ''), descriptor,
			reputation, is_active, event_time
		FROM ledger_events WHERE seq > $1 ORDER BY seq LIMIT $2
	`, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("querying ledger events: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var (
			e          ledger.Event
			seq        int64
			typ        string
			address    string
			reputation int16
		)
		if err := rows.Scan(&seq, &typ, &address, &e.Amount, &e.Descriptor,
			&reputation, &e.IsActive, &e.Time); err != nil {
			return nil, fmt.Errorf("scanning ledger event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Type = ledger.EventType(typ)
		e.Address = ledger.Address(address)
		e.Reputation = int(reputation)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PendingPayouts returns outbox rows not yet marked sent, oldest first
func (s *LedgerStore) PendingPayouts(ctx context.Context) ([]ledger.Payout, error) {
	rows, err := s.db.GetPool().Query(ctx, `
		SELECT id, seq, recipient, amount::text, reason
		FROM ledger_payouts WHERE sent_at IS NULL ORDER BY seq, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying pending payouts: %w", err)
	}
	defer rows.Close()

	var payouts []ledger.Payout
	for rows.Next() {
		var (
			p                         ledger.Payout
			seq                       int64
			recipient, amount, reason string
		)
		if err := rows.Scan(&p.ID, &seq, &recipient, &amount, &reason); err != nil {
			return nil, fmt.Errorf("scanning payout: %w", err)
		}
		if p.Amount, err = ledger.ParseAmount(amount); err != nil {
			return nil, fmt.Errorf("payout %s: %w", p.ID, err)
		}
		p.Seq = uint64(seq)
		p.To = ledger.Address(recipient)
		p.Reason = ledger.Operation(reason)
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

func (s *LedgerStore) MarkPaid(ctx context.Context, id string) error {
	if _, err := s.db.GetPool().Exec(ctx, `UPDATE ledger_payouts SET sent_at = NOW() WHERE id = $1 AND sent_at IS NULL`, id); err != nil {
		return fmt.Errorf("marking payout %s sent: %w", id, err)
	}
	return nil
}

type storeTx struct {
	tx pgx.Tx
}

func (t *storeTx) PutNode(ctx context.Context, n *ledger.Node, slot int) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_nodes (address, slot, staked_amount, registration_time,
			last_reward_time, reputation, is_active, ip_address, uptime)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (address) DO UPDATE SET
			slot = EXCLUDED.slot,
			staked_amount = EXCLUDED.staked_amount,
			last_reward_time = EXCLUDED.last_reward_time,
			reputation = EXCLUDED.reputation,
			is_active = EXCLUDED.is_active,
			ip_address = EXCLUDED.ip_address,
			uptime = EXCLUDED.uptime,
			updated_at = NOW()
	`, string(n.Address), slot, n.StakedAmount.Dec(), n.RegistrationTime,
		n.LastRewardTime, int16(n.Reputation), n.IsActive, n.IPAddress, int64(n.Uptime))
	if err != nil {
		return fmt.Errorf("writing node %s: %w", n.Address, err)
	}
	return nil
}

func (t *storeTx) DeleteNode(ctx context.Context, addr ledger.Address) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM ledger_nodes WHERE address = $1`, string(addr)); err != nil {
		return fmt.Errorf("deleting node %s: %w", addr, err)
	}
	return nil
}

func (t *storeTx) PutTotals(ctx context.Context, totals ledger.Totals) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE ledger_totals SET
			total_nodes = $1,
			total_staked = $2::numeric,
			reward_pool = $3::numeric,
			event_seq = $4,
			updated_at = NOW()
		WHERE id = 1
	`, totals.TotalNodes, totals.TotalStaked.Dec(), totals.RewardPool.Dec(), int64(totals.EventSeq))
	if err != nil {
		return fmt.Errorf("writing ledger totals: %w", err)
	}
	return nil
}

func (t *storeTx) AppendEvent(ctx context.Context, e ledger.Event) error {
	var amount any
	if e.Amount != "" {
		amount = e.Amount
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_events (seq, event_type, address, amount, descriptor,
			reputation, is_active, event_time)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
	`, int64(e.Seq), string(e.Type), string(e.Address), amount, e.Descriptor,
		int16(e.Reputation), e.IsActive, e.Time)
	if err != nil {
		return fmt.Errorf("appending event %d: %w", e.Seq, err)
	}
	return nil
}

func (t *storeTx) PutBalance(ctx context.Context, addr ledger.Address, balance *uint256.Int) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_balances (address, balance) VALUES ($1, $2::numeric)
		ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()
	`, string(addr), balance.Dec())
	if err != nil {
		return fmt.Errorf("writing balance of %s: %w", addr, err)
	}
	return nil
}

func (t *storeTx) QueuePayout(ctx context.Context, p ledger.Payout) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_payouts (id, seq, recipient, amount, reason)
		VALUES ($1, $2, $3, $4::numeric, $5)
	`, p.ID, int64(p.Seq), string(p.To), p.Amount.Dec(), string(p.Reason))
	if err != nil {
		return fmt.Errorf("queueing payout %s: %w", p.ID, err)
	}
	return nil
}

// Nested runs fn under a savepoint
func (t *storeTx) Nested(ctx context.Context, fn func(ctx context.Context, tx ledger.StoreTx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("creating savepoint: %w", err)
	}
	return runTx(ctx, sp, func(sp pgx.Tx) error {
		return fn(ctx, &storeTx{tx: sp})
	})
}
