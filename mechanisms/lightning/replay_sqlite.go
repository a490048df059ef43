package lightning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	x402 "github.com/x402-foundation/x402-lightning"
)

const settlementsSchema = `
CREATE TABLE IF NOT EXISTS settlements (
	payment_hash TEXT NOT NULL,
	resource     TEXT NOT NULL,
	consumed_at  INTEGER NOT NULL,
	tx_ref       TEXT NOT NULL,
	network      TEXT NOT NULL,
	payer        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (payment_hash, resource)
);`

// SQLiteReplayGuard is a ReplayGuard backed by a SQLite database. The
// at-most-once guarantee rides on the primary-key constraint: the insert
// either lands or conflicts, atomically, so multiple facilitator processes
// sharing the database file serialize through the same key space.
type SQLiteReplayGuard struct {
	db *sql.DB
}

// OpenSQLiteReplayGuard opens (creating if needed) the settlements database
// at path. Use ":memory:" for tests.
func OpenSQLiteReplayGuard(path string) (*SQLiteReplayGuard, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open settlements db: %w", err)
	}
	// SQLite handles one writer at a time; a larger pool just produces
	// SQLITE_BUSY under contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(settlementsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create settlements table: %w", err)
	}
	return &SQLiteReplayGuard{db: db}, nil
}

func (g *SQLiteReplayGuard) TryConsume(ctx context.Context, record SettlementRecord) (ConsumeOutcome, error) {
	result, err := g.db.ExecContext(ctx,
		`INSERT INTO settlements (payment_hash, resource, consumed_at, tx_ref, network, payer)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (payment_hash, resource) DO NOTHING`,
		record.PaymentHash, record.Resource, record.ConsumedAt.Unix(),
		record.TransactionRef, string(record.Network), record.Payer,
	)
	if err != nil {
		return AlreadyConsumed, fmt.Errorf("consume settlement: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return AlreadyConsumed, fmt.Errorf("consume settlement: %w", err)
	}
	if inserted == 0 {
		return AlreadyConsumed, nil
	}
	return Consumed, nil
}

func (g *SQLiteReplayGuard) Lookup(ctx context.Context, paymentHash, resource string) (*SettlementRecord, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT consumed_at, tx_ref, network, payer FROM settlements
		 WHERE payment_hash = ? AND resource = ?`,
		paymentHash, resource,
	)

	var consumedAt int64
	var txRef, network, payer string
	if err := row.Scan(&consumedAt, &txRef, &network, &payer); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup settlement: %w", err)
	}

	return &SettlementRecord{
		PaymentHash:    paymentHash,
		Resource:       resource,
		ConsumedAt:     time.Unix(consumedAt, 0),
		TransactionRef: txRef,
		Network:        x402.Network(network),
		Payer:          payer,
	}, nil
}

// Close closes the underlying database.
func (g *SQLiteReplayGuard) Close() error {
	return g.db.Close()
}

var _ ReplayGuard = (*SQLiteReplayGuard)(nil)
