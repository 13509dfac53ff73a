package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/devblac/equb-sync/internal/amount"
)

const userColumns = `id, name, email, COALESCE(wallet_address, ''), active_equb_count, total_winnings, created_at`

// NormalizeWallet lower-cases an address so lookups are case-insensitive.
func NormalizeWallet(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// CreateUser inserts a user. An empty wallet is stored as NULL so many unlinked users can coexist.
func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	if u.Name == "" || u.Email == "" {
		return User{}, errors.New("name and email are required")
	}
	var wallet any
	if w := NormalizeWallet(u.WalletAddress); w != "" {
		wallet = w
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO users (name, email, wallet_address, total_winnings)
VALUES (?, ?, ?, '0');
`, u.Name, strings.ToLower(u.Email), wallet)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("create user: %w", ErrDuplicate)
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("create user id: %w", err)
	}
	return userByID(ctx, s.db, id)
}

// LinkWallet attaches a wallet to an existing user.
func (s *Store) LinkWallet(ctx context.Context, userID int64, wallet string) error {
	w := NormalizeWallet(wallet)
	if w == "" {
		return errors.New("wallet required")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET wallet_address = ? WHERE id = ?;`, w, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("link wallet: %w", ErrDuplicate)
		}
		return fmt.Errorf("link wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("link wallet: user %d: %w", userID, ErrNotFound)
	}
	return nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	return userByID(ctx, s.db, id)
}

func (t *Tx) UserByID(ctx context.Context, id int64) (User, error) {
	return userByID(ctx, t.tx, id)
}

func (s *Store) UserByWallet(ctx context.Context, wallet string) (User, error) {
	return userByWallet(ctx, s.db, wallet)
}

func (t *Tx) UserByWallet(ctx context.Context, wallet string) (User, error) {
	return userByWallet(ctx, t.tx, wallet)
}

// AdjustActiveEqubs moves a user's active equb counter by delta.
func (t *Tx) AdjustActiveEqubs(ctx context.Context, userID int64, delta int) error {
	_, err := t.tx.ExecContext(ctx, `
UPDATE users SET active_equb_count = MAX(active_equb_count + ?, 0) WHERE id = ?;
`, delta, userID)
	if err != nil {
		return fmt.Errorf("adjust active equbs: %w", err)
	}
	return nil
}

// AddWinnings adds a payout to the user's lifetime total.
func (t *Tx) AddWinnings(ctx context.Context, userID int64, payout amount.Amount) error {
	var current amount.Amount
	if err := t.tx.QueryRowContext(ctx, `SELECT total_winnings FROM users WHERE id = ?;`, userID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("add winnings: user %d: %w", userID, ErrNotFound)
		}
		return fmt.Errorf("add winnings: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE users SET total_winnings = ? WHERE id = ?;`, current.Add(payout), userID); err != nil {
		return fmt.Errorf("add winnings: %w", err)
	}
	return nil
}

func userByID(ctx context.Context, q querier, id int64) (User, error) {
	row := q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?;`, id)
	return scanUser(row)
}

func userByWallet(ctx context.Context, q querier, wallet string) (User, error) {
	w := NormalizeWallet(wallet)
	if w == "" {
		return User{}, fmt.Errorf("user by wallet: empty wallet: %w", ErrNotFound)
	}
	row := q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE wallet_address = ?;`, w)
	return scanUser(row)
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.WalletAddress, &u.ActiveEqubCount, &u.TotalWinnings, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}
