/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface
 * backed by the `settlements` table.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC amounts are read back as text.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/danielabrahamx/blink/internal/domain"
)

// Schema creates the settlements table. It is safe to run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS settlements (
	id              UUID PRIMARY KEY,
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL,
	amount          NUMERIC(38, 6) NOT NULL,
	amount_units    TEXT NOT NULL,
	recipient       TEXT,
	approval_tx_id  TEXT,
	custody_tx_id   TEXT,
	tx_hash         TEXT,
	failed_step     TEXT,
	failure_reason  TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS settlements_custody_tx_id_idx ON settlements (custody_tx_id);
CREATE INDEX IF NOT EXISTS settlements_status_created_idx ON settlements (status, created_at DESC);
`

const settlementColumns = `id, kind, status, amount::text, amount_units, recipient, approval_tx_id, custody_tx_id,
	tx_hash, failed_step, failure_reason, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema applies Schema.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, Schema)
	return err
}

// CreateSettlement inserts a new settlement record.
func (r *PostgresRepository) CreateSettlement(ctx context.Context, s *domain.Settlement) error {
	query := `
		INSERT INTO settlements (
			id,
			kind,
			status,
			amount,
			amount_units,
			recipient,
			approval_tx_id,
			custody_tx_id,
			tx_hash,
			failed_step,
			failure_reason,
			created_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.Exec(ctx, query,
		s.ID,
		string(s.Kind),
		s.Status,
		s.Amount.String(),
		s.AmountUnits,
		s.Recipient,
		s.ApprovalTxID,
		s.CustodyTxID,
		s.TxHash,
		s.FailedStep,
		s.FailureReason,
		s.CreatedAt,
		s.UpdatedAt,
	)
	return err
}

// UpdateSettlementByCustodyTx moves a settlement to a new status.
func (r *PostgresRepository) UpdateSettlementByCustodyTx(ctx context.Context, custodyTxID string, update SettlementUpdate) (*domain.Settlement, error) {
	query := `
		UPDATE settlements
		SET status = $2,
			tx_hash = COALESCE($3, tx_hash),
			failure_reason = COALESCE($4, failure_reason),
			updated_at = NOW()
		WHERE custody_tx_id = $1 AND status = $5
		RETURNING ` + settlementColumns

	row := r.db.QueryRow(ctx, query, custodyTxID, update.Status, update.TxHash, update.FailureReason, domain.SettlementSubmitted)
	s, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSettlementNotFound
		}
		return nil, err
	}
	return s, nil
}

// ListSettlements returns the most recent settlements first.
func (r *PostgresRepository) ListSettlements(ctx context.Context, limit int) ([]domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.Query(ctx, query, NormalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectSettlements(rows)
}

// ListSettlementsByStatus returns the oldest settlements in status first.
func (r *PostgresRepository) ListSettlementsByStatus(ctx context.Context, status string, limit int) ([]domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := r.db.Query(ctx, query, status, NormalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectSettlements(rows)
}

func collectSettlements(rows pgx.Rows) ([]domain.Settlement, error) {
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSettlement(row pgx.Row) (*domain.Settlement, error) {
	var s domain.Settlement
	var kind, amount string
	err := row.Scan(
		&s.ID,
		&kind,
		&s.Status,
		&amount,
		&s.AmountUnits,
		&s.Recipient,
		&s.ApprovalTxID,
		&s.CustodyTxID,
		&s.TxHash,
		&s.FailedStep,
		&s.FailureReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Kind = domain.SettlementKind(kind)
	s.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse settlement amount %q: %w", amount, err)
	}
	return &s, nil
}
