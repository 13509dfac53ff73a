package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/devblac/equb-sync/internal/amount"
)

const equbColumns = `id, chain_equb_id, name, description, contribution_amount, cycle_duration, max_members,
  member_count, current_round, total_pool, status, creator_user_id, creator_wallet, start_time, created_at, updated_at`

// CreateEqub inserts the off-chain record for an equb that already exists on chain.
func (s *Store) CreateEqub(ctx context.Context, e Equb) (Equb, error) {
	return insertEqub(ctx, s.db, e)
}

func (t *Tx) CreateEqub(ctx context.Context, e Equb) (Equb, error) {
	return insertEqub(ctx, t.tx, e)
}

func (s *Store) EqubByID(ctx context.Context, id int64) (Equb, error) {
	return equbByID(ctx, s.db, id)
}

func (t *Tx) EqubByID(ctx context.Context, id int64) (Equb, error) {
	return equbByID(ctx, t.tx, id)
}

func (s *Store) EqubByChainID(ctx context.Context, chainID string) (Equb, error) {
	return equbByChainID(ctx, s.db, chainID)
}

func (t *Tx) EqubByChainID(ctx context.Context, chainID string) (Equb, error) {
	return equbByChainID(ctx, t.tx, chainID)
}

// ListEqubs returns equbs, optionally filtered by status, newest first.
func (s *Store) ListEqubs(ctx context.Context, status EqubStatus) ([]Equb, error) {
	query := `SELECT ` + equbColumns + ` FROM equbs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list equbs: %w", err)
	}
	defer rows.Close()

	var out []Equb
	for rows.Next() {
		e, err := scanEqub(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetEqubStatus is the administrative status change. Ended equbs stay ended.
func (s *Store) SetEqubStatus(ctx context.Context, id int64, status EqubStatus) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE equbs SET status = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status <> 'ended';
`, string(status), id)
	if err != nil {
		return fmt.Errorf("set equb status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set equb status: equb %d not found or ended: %w", id, ErrNotFound)
	}
	return nil
}

// ActivateEqub moves a pending or paused equb to active and stamps the start time.
// It reports false when the equb was already active or has ended.
func (t *Tx) ActivateEqub(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
UPDATE equbs SET status = 'active', start_time = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status NOT IN ('active', 'ended');
`, startedAt.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("activate equb: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("activate equb: %w", err)
	}
	return n > 0, nil
}

// AdjustMemberCount moves the equb's member counter by delta.
func (t *Tx) AdjustMemberCount(ctx context.Context, equbID int64, delta int) error {
	_, err := t.tx.ExecContext(ctx, `
UPDATE equbs SET member_count = MAX(member_count + ?, 0), updated_at = CURRENT_TIMESTAMP WHERE id = ?;
`, delta, equbID)
	if err != nil {
		return fmt.Errorf("adjust member count: %w", err)
	}
	return nil
}

// AddToPool adds a confirmed contribution to the equb's pool using big-integer arithmetic.
func (t *Tx) AddToPool(ctx context.Context, equbID int64, amt amount.Amount) (amount.Amount, error) {
	var pool amount.Amount
	if err := t.tx.QueryRowContext(ctx, `SELECT total_pool FROM equbs WHERE id = ?;`, equbID).Scan(&pool); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return amount.Amount{}, fmt.Errorf("add to pool: equb %d: %w", equbID, ErrNotFound)
		}
		return amount.Amount{}, fmt.Errorf("add to pool: %w", err)
	}
	next := pool.Add(amt)
	if _, err := t.tx.ExecContext(ctx, `
UPDATE equbs SET total_pool = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
`, next, equbID); err != nil {
		return amount.Amount{}, fmt.Errorf("add to pool: %w", err)
	}
	return next, nil
}

// CloseRound records a completed payout: the round counter moves to round and the pool empties.
func (t *Tx) CloseRound(ctx context.Context, equbID int64, round uint64) error {
	_, err := t.tx.ExecContext(ctx, `
UPDATE equbs SET current_round = ?, total_pool = '0', updated_at = CURRENT_TIMESTAMP WHERE id = ?;
`, int64(round), equbID)
	if err != nil {
		return fmt.Errorf("close round: %w", err)
	}
	return nil
}

func insertEqub(ctx context.Context, q querier, e Equb) (Equb, error) {
	if e.ChainEqubID == "" {
		return Equb{}, errors.New("chain equb id is required")
	}
	if e.Name == "" {
		return Equb{}, errors.New("name is required")
	}
	if e.MaxMembers <= 0 {
		return Equb{}, errors.New("max members must be positive")
	}
	if e.Status == "" {
		e.Status = EqubPending
	}
	var creator any
	if e.CreatorUserID != nil {
		creator = *e.CreatorUserID
	}
	var start any
	if e.StartTime != nil {
		start = e.StartTime.UTC()
	}
	res, err := q.ExecContext(ctx, `
INSERT INTO equbs (chain_equb_id, name, description, contribution_amount, cycle_duration, max_members,
  member_count, current_round, total_pool, status, creator_user_id, creator_wallet, start_time)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?);
`, e.ChainEqubID, e.Name, e.Description, e.ContributionAmount, int64(e.CycleDuration/time.Second), e.MaxMembers,
		int64(e.CurrentRound), e.TotalPool, string(e.Status), creator, NormalizeWallet(e.CreatorWallet), start)
	if err != nil {
		if isUniqueViolation(err) {
			return Equb{}, fmt.Errorf("create equb %s: %w", e.ChainEqubID, ErrDuplicate)
		}
		return Equb{}, fmt.Errorf("create equb: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Equb{}, fmt.Errorf("create equb id: %w", err)
	}
	return equbByID(ctx, q, id)
}

func equbByID(ctx context.Context, q querier, id int64) (Equb, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+equbColumns+` FROM equbs WHERE id = ?;`, id)
	if err != nil {
		return Equb{}, fmt.Errorf("equb by id: %w", err)
	}
	return scanOneEqub(rows)
}

func equbByChainID(ctx context.Context, q querier, chainID string) (Equb, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+equbColumns+` FROM equbs WHERE chain_equb_id = ?;`, chainID)
	if err != nil {
		return Equb{}, fmt.Errorf("equb by chain id: %w", err)
	}
	return scanOneEqub(rows)
}

func scanOneEqub(rows *sql.Rows) (Equb, error) {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Equb{}, fmt.Errorf("scan equb: %w", err)
		}
		return Equb{}, ErrNotFound
	}
	return scanEqub(rows)
}

func scanEqub(rows *sql.Rows) (Equb, error) {
	var (
		e       Equb
		cycle   int64
		round   int64
		status  string
		creator sql.NullInt64
		started sql.NullTime
	)
	err := rows.Scan(&e.ID, &e.ChainEqubID, &e.Name, &e.Description, &e.ContributionAmount, &cycle, &e.MaxMembers,
		&e.MemberCount, &round, &e.TotalPool, &status, &creator, &e.CreatorWallet, &started, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Equb{}, fmt.Errorf("scan equb: %w", err)
	}
	e.CycleDuration = time.Duration(cycle) * time.Second
	e.CurrentRound = uint64(round)
	e.Status = EqubStatus(status)
	if creator.Valid {
		id := creator.Int64
		e.CreatorUserID = &id
	}
	e.StartTime = timePtr(started)
	return e, nil
}
