package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const membershipColumns = `id, equb_id, user_id, wallet_address, join_order, has_won, is_active, joined_at`

func (t *Tx) Membership(ctx context.Context, equbID, userID int64) (Membership, error) {
	return membership(ctx, t.tx, equbID, userID)
}

func (s *Store) Membership(ctx context.Context, equbID, userID int64) (Membership, error) {
	return membership(ctx, s.db, equbID, userID)
}

// AddMember links user to equb unless a membership already exists, in which case the
// existing row is returned with created=false. New members get the next join order and
// both the equb's member count and the user's active equb count move up by one.
// maxActive <= 0 disables the per-user cap.
func (t *Tx) AddMember(ctx context.Context, equb Equb, user User, maxActive int) (m Membership, created bool, err error) {
	existing, err := membership(ctx, t.tx, equb.ID, user.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Membership{}, false, err
	}
	if maxActive > 0 && user.ActiveEqubCount >= maxActive {
		return Membership{}, false, fmt.Errorf("user %d has %d active equbs: %w", user.ID, user.ActiveEqubCount, ErrMemberCap)
	}

	// Join order counts every row ever created for the equb so it stays monotonic after leaves.
	var rows int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE equb_id = ?;`, equb.ID).Scan(&rows); err != nil {
		return Membership{}, false, fmt.Errorf("count memberships: %w", err)
	}

	wallet := NormalizeWallet(user.WalletAddress)
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO memberships (equb_id, user_id, wallet_address, join_order, has_won, is_active)
VALUES (?, ?, ?, ?, 0, 1);
`, equb.ID, user.ID, wallet, rows+1)
	if err != nil {
		if isUniqueViolation(err) {
			return Membership{}, false, fmt.Errorf("add member: %w", ErrAlreadyMember)
		}
		return Membership{}, false, fmt.Errorf("add member: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Membership{}, false, fmt.Errorf("add member id: %w", err)
	}
	if err := t.AdjustMemberCount(ctx, equb.ID, 1); err != nil {
		return Membership{}, false, err
	}
	if err := t.AdjustActiveEqubs(ctx, user.ID, 1); err != nil {
		return Membership{}, false, err
	}

	m, err = membershipByID(ctx, t.tx, id)
	if err != nil {
		return Membership{}, false, err
	}
	return m, true, nil
}

// MarkWinner sets has_won on the pair's membership. A missing membership is not an error.
func (t *Tx) MarkWinner(ctx context.Context, equbID, userID int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
UPDATE memberships SET has_won = 1 WHERE equb_id = ? AND user_id = ?;
`, equbID, userID)
	if err != nil {
		return false, fmt.Errorf("mark winner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark winner: %w", err)
	}
	return n > 0, nil
}

// JoinEqub is the off-chain join used by operators. Unlike a chain event it refuses
// existing members, ended equbs, and equbs at capacity.
func (s *Store) JoinEqub(ctx context.Context, equbID, userID int64, maxActive int) (Membership, error) {
	var out Membership
	err := s.WithTx(ctx, func(tx *Tx) error {
		e, err := equbByID(ctx, tx.tx, equbID)
		if err != nil {
			return fmt.Errorf("join equb %d: %w", equbID, err)
		}
		u, err := userByID(ctx, tx.tx, userID)
		if err != nil {
			return fmt.Errorf("join user %d: %w", userID, err)
		}
		if u.WalletAddress == "" {
			return fmt.Errorf("join: user %d has no linked wallet", userID)
		}
		if e.Status == EqubEnded {
			return fmt.Errorf("join: equb %d has ended", equbID)
		}
		if e.MemberCount >= e.MaxMembers {
			return fmt.Errorf("join equb %d: %w", equbID, ErrEqubFull)
		}
		m, created, err := tx.AddMember(ctx, e, u, maxActive)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("join equb %d: %w", equbID, ErrAlreadyMember)
		}
		out = m
		return nil
	})
	return out, err
}

// LeaveEqub soft-deletes a membership. Winners cannot leave.
func (s *Store) LeaveEqub(ctx context.Context, equbID, userID int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		m, err := membership(ctx, tx.tx, equbID, userID)
		if errors.Is(err, ErrNotFound) {
			return ErrNotMember
		}
		if err != nil {
			return err
		}
		if !m.IsActive {
			return ErrNotMember
		}
		if m.HasWon {
			return ErrCannotLeaveAfterWin
		}
		if _, err := tx.tx.ExecContext(ctx, `UPDATE memberships SET is_active = 0 WHERE id = ?;`, m.ID); err != nil {
			return fmt.Errorf("leave equb: %w", err)
		}
		if err := tx.AdjustMemberCount(ctx, equbID, -1); err != nil {
			return err
		}
		return tx.AdjustActiveEqubs(ctx, userID, -1)
	})
}

// ListMembers returns an equb's memberships in join order.
func (s *Store) ListMembers(ctx context.Context, equbID int64, activeOnly bool) ([]Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE equb_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY join_order;`
	return listMemberships(ctx, s.db, query, equbID)
}

// UserMemberships returns every membership a user holds, newest first.
func (s *Store) UserMemberships(ctx context.Context, userID int64) ([]Membership, error) {
	return listMemberships(ctx, s.db, `SELECT `+membershipColumns+` FROM memberships WHERE user_id = ? ORDER BY id DESC;`, userID)
}

func listMemberships(ctx context.Context, q querier, query string, args ...any) ([]Membership, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func membership(ctx context.Context, q querier, equbID, userID int64) (Membership, error) {
	row := q.QueryRowContext(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE equb_id = ? AND user_id = ?;`, equbID, userID)
	return scanMembership(row)
}

func membershipByID(ctx context.Context, q querier, id int64) (Membership, error) {
	row := q.QueryRowContext(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE id = ?;`, id)
	return scanMembership(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (Membership, error) {
	var (
		m      Membership
		won    int
		active int
	)
	err := row.Scan(&m.ID, &m.EqubID, &m.UserID, &m.WalletAddress, &m.JoinOrder, &won, &active, &m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, ErrNotFound
	}
	if err != nil {
		return Membership{}, fmt.Errorf("scan membership: %w", err)
	}
	m.HasWon = won == 1
	m.IsActive = active == 1
	return m, nil
}
