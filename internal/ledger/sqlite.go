package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hivegate/hivegate/internal/store"
)

// SQLite implements Ledger on the shared store handle. Balances live in the
// balances table; every movement appends to credit_transactions.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(s *store.Store) *SQLite {
	return &SQLite{db: s.DB()}
}

func (l *SQLite) Balance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// Debit atomically removes amount from the user's balance. The guarded UPDATE
// only matches when the balance covers the amount, so a concurrent debit can
// never drive the balance negative.
func (l *SQLite) Debit(ctx context.Context, userID string, amount float64, reason string) (float64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount must not be negative, got %v", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND balance >= ?`,
		amount, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("debit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("debit rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrInsufficientCredits
	}

	var newBalance float64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&newBalance); err != nil {
		return 0, fmt.Errorf("read balance after debit: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (user_id, amount, reason, balance_after)
		VALUES (?, ?, ?, ?)`,
		userID, -amount, reason, newBalance); err != nil {
		return 0, fmt.Errorf("record debit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}
	return newBalance, nil
}

func (l *SQLite) Grant(ctx context.Context, userID string, amount float64, reason string) (float64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("grant amount must not be negative, got %v", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin grant: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = balance + excluded.balance,
			updated_at = CURRENT_TIMESTAMP`,
		userID, amount); err != nil {
		return 0, fmt.Errorf("grant: %w", err)
	}

	var newBalance float64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&newBalance); err != nil {
		return 0, fmt.Errorf("read balance after grant: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (user_id, amount, reason, balance_after)
		VALUES (?, ?, ?, ?)`,
		userID, amount, reason, newBalance); err != nil {
		return 0, fmt.Errorf("record grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit grant: %w", err)
	}
	return newBalance, nil
}

func (l *SQLite) History(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, amount, reason, balance_after, created_at
		FROM credit_transactions
		WHERE user_id = ?
		ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Reason, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
