package events

import (
	"context"
	"database/sql"
	"strings"
)

const cursorName = "htlc"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store. The schema is
// managed by the goose migrations in migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AppendCreated(ctx context.Context, e *Created) (bool, error) {
	cp := *e
	cp.Normalize()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO htlc_created (id, contract_id, sender, receiver, amount, hashlock, timelock, block_number, log_index, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(78,0), $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, cp.ID, cp.ContractID, cp.Sender, cp.Receiver, cp.Amount, cp.Hashlock,
		int64(cp.Timelock), int64(cp.BlockNumber), int(cp.LogIndex), cp.TxHash, cp.Timestamp)
	if err != nil {
		return false, err
	}
	return inserted(res)
}

func (s *PostgresStore) AppendWithdrawn(ctx context.Context, e *Settled) (bool, error) {
	return s.appendSettled(ctx, "htlc_withdrawn", e)
}

func (s *PostgresStore) AppendRefunded(ctx context.Context, e *Settled) (bool, error) {
	return s.appendSettled(ctx, "htlc_refunded", e)
}

// table is one of two constants above, never caller input.
func (s *PostgresStore) appendSettled(ctx context.Context, table string, e *Settled) (bool, error) {
	cp := *e
	cp.Normalize()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (id, contract_id, block_number, log_index, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, cp.ID, cp.ContractID, int64(cp.BlockNumber), int(cp.LogIndex), cp.TxHash, cp.Timestamp) // #nosec G202 -- table name is a constant
	if err != nil {
		return false, err
	}
	return inserted(res)
}

func inserted(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) ForAccount(ctx context.Context, account string) (*AccountEvents, error) {
	account = strings.ToLower(account)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contract_id, sender, receiver, amount::TEXT, hashlock, timelock, block_number, log_index, tx_hash, created_at
		FROM htlc_created
		WHERE sender = $1 OR receiver = $1
		ORDER BY block_number ASC, log_index ASC
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := &AccountEvents{
		Withdrawn: make(map[string]*Settled),
		Refunded:  make(map[string]*Settled),
	}
	for rows.Next() {
		var (
			c               Created
			timelock, block int64
			logIndex        int
		)
		if err := rows.Scan(&c.ID, &c.ContractID, &c.Sender, &c.Receiver, &c.Amount, &c.Hashlock,
			&timelock, &block, &logIndex, &c.TxHash, &c.Timestamp); err != nil {
			return nil, err
		}
		c.Timelock = uint64(timelock)
		c.BlockNumber = uint64(block)
		c.LogIndex = uint(logIndex)
		out.Created = append(out.Created, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadSettled(ctx, "htlc_withdrawn", account, out.Withdrawn); err != nil {
		return nil, err
	}
	if err := s.loadSettled(ctx, "htlc_refunded", account, out.Refunded); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) loadSettled(ctx context.Context, table, account string, into map[string]*Settled) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.contract_id, t.block_number, t.log_index, t.tx_hash, t.created_at
		FROM `+table+` t
		WHERE t.contract_id IN (
			SELECT contract_id FROM htlc_created WHERE sender = $1 OR receiver = $1
		)
		ORDER BY t.block_number ASC, t.log_index ASC
	`, account) // #nosec G202 -- table name is a constant
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			e        Settled
			block    int64
			logIndex int
		)
		if err := rows.Scan(&e.ID, &e.ContractID, &block, &logIndex, &e.TxHash, &e.Timestamp); err != nil {
			return err
		}
		e.BlockNumber = uint64(block)
		e.LogIndex = uint(logIndex)
		if _, exists := into[e.ContractID]; !exists {
			into[e.ContractID] = &e
		}
	}
	return rows.Err()
}

func (s *PostgresStore) Cursor(ctx context.Context) (uint64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		SELECT next_block FROM indexer_cursor WHERE name = $1
	`, cursorName).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(next), nil
}

func (s *PostgresStore) SetCursor(ctx context.Context, nextBlock uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexer_cursor (name, next_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET next_block = EXCLUDED.next_block, updated_at = NOW()
	`, cursorName, int64(nextBlock))
	return err
}
