package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ignite/segment-engine/internal/actions"
)

// LoyaltyRepo implements actions.LoyaltyLedger against PostgreSQL.
type LoyaltyRepo struct{ db *sql.DB }

// NewLoyaltyRepo creates a Postgres-backed loyalty ledger.
func NewLoyaltyRepo(db *sql.DB) *LoyaltyRepo { return &LoyaltyRepo{db: db} }

// Adjust changes the balance of the customer's oldest active card and records
// the transaction. The card row is locked for the duration of the update.
func (r *LoyaltyRepo) Adjust(ctx context.Context, adj actions.Adjustment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin loyalty adjustment: %w", err)
	}
	defer tx.Rollback()

	var cardID int64
	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT id, balance FROM loyality_cards
		WHERE cashbox_id = $1 AND contragent_id = $2 AND NOT is_deleted
		ORDER BY id
		LIMIT 1
		FOR UPDATE
	`, adj.CashboxID, adj.CustomerID).Scan(&cardID, &balance)
	if err == sql.ErrNoRows {
		return actions.ErrNoLoyaltyCard
	}
	if err != nil {
		return fmt.Errorf("lock loyalty card: %w", err)
	}

	next := balance.Add(adj.Delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: balance %s, delta %s", actions.ErrLowBalance, balance, adj.Delta)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE loyality_cards SET balance = $2 WHERE id = $1`,
		cardID, next.String()); err != nil {
		return fmt.Errorf("update loyalty balance: %w", err)
	}

	kind := "accrual"
	if adj.Delta.IsNegative() {
		kind = "withdrawal"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO loyality_transactions (card_id, cashbox_id, amount, type, description, segment_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, cardID, adj.CashboxID, adj.Delta.String(), kind, adj.Description, adj.SegmentID); err != nil {
		return fmt.Errorf("record loyalty transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit loyalty adjustment: %w", err)
	}
	return nil
}
