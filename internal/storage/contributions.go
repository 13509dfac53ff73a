package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/devblac/equb-sync/internal/amount"
)

// ErrStatusTransition is returned when a contribution is asked to move backwards.
var ErrStatusTransition = errors.New("invalid contribution status transition")

const contributionColumns = `id, equb_id, user_id, amount, round, tx_hash, status, block_number, created_at, updated_at`

// NormalizeTxHash lower-cases a transaction hash; it is the contribution idempotency key.
func NormalizeTxHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// ContributionFilter narrows ListContributions. Zero fields match everything.
type ContributionFilter struct {
	EqubID int64
	UserID int64
	Round  *uint64
	Status ContributionStatus
}

func (t *Tx) ContributionByTx(ctx context.Context, txHash string) (Contribution, error) {
	return contributionByTx(ctx, t.tx, txHash)
}

func (s *Store) ContributionByTx(ctx context.Context, txHash string) (Contribution, error) {
	return contributionByTx(ctx, s.db, txHash)
}

// InsertContribution stores a new contribution. A second row for the same tx hash is ErrDuplicate.
func (t *Tx) InsertContribution(ctx context.Context, c Contribution) (Contribution, error) {
	return insertContribution(ctx, t.tx, c)
}

// TransitionContribution moves a contribution from one status to another and stamps the
// block number. It reports false, without error, when the row was no longer in from.
func (t *Tx) TransitionContribution(ctx context.Context, id int64, from, to ContributionStatus, block *uint64) (bool, error) {
	if from != ContributionPending || to == ContributionPending {
		return false, fmt.Errorf("%s -> %s: %w", from, to, ErrStatusTransition)
	}
	res, err := t.tx.ExecContext(ctx, `
UPDATE contributions SET status = ?, block_number = COALESCE(?, block_number), updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = ?;
`, string(to), nullUint(block), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition contribution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition contribution: %w", err)
	}
	return n > 0, nil
}

// ConfirmContribution moves a pending contribution to confirmed and overwrites its amount,
// round, and block with the chain's values. It reports false when the row was no longer pending.
func (t *Tx) ConfirmContribution(ctx context.Context, id int64, amt amount.Amount, round, block uint64) (bool, error) {
	if amt.IsZero() {
		return false, errors.New("contribution amount must be positive")
	}
	res, err := t.tx.ExecContext(ctx, `
UPDATE contributions SET status = ?, amount = ?, round = ?, block_number = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = ?;
`, string(ContributionConfirmed), amt, int64(round), int64(block), id, string(ContributionPending))
	if err != nil {
		return false, fmt.Errorf("confirm contribution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm contribution: %w", err)
	}
	return n > 0, nil
}

// RefreshContributionBlock records the block a confirmed contribution was seen in.
func (t *Tx) RefreshContributionBlock(ctx context.Context, id int64, block uint64) error {
	_, err := t.tx.ExecContext(ctx, `
UPDATE contributions SET block_number = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
`, int64(block), id)
	if err != nil {
		return fmt.Errorf("refresh contribution block: %w", err)
	}
	return nil
}

// RecordPendingContribution is the optimistic record written by a client right after it
// submits a contribution. The reconciler confirms it when the event arrives.
func (s *Store) RecordPendingContribution(ctx context.Context, c Contribution) (Contribution, error) {
	var out Contribution
	err := s.WithTx(ctx, func(tx *Tx) error {
		m, err := membership(ctx, tx.tx, c.EqubID, c.UserID)
		if errors.Is(err, ErrNotFound) || (err == nil && !m.IsActive) {
			return fmt.Errorf("record contribution: %w", ErrNotMember)
		}
		if err != nil {
			return err
		}
		c.Status = ContributionPending
		c.BlockNumber = nil
		out, err = insertContribution(ctx, tx.tx, c)
		return err
	})
	return out, err
}

// FailContribution marks a pending contribution failed, e.g. after a reverted receipt.
func (s *Store) FailContribution(ctx context.Context, txHash string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		c, err := contributionByTx(ctx, tx.tx, txHash)
		if err != nil {
			return fmt.Errorf("fail contribution %s: %w", txHash, err)
		}
		ok, err := tx.TransitionContribution(ctx, c.ID, ContributionPending, ContributionFailed, nil)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("fail contribution %s is %s: %w", txHash, c.Status, ErrStatusTransition)
		}
		return nil
	})
}

// ListContributions returns contributions matching f, oldest first.
func (s *Store) ListContributions(ctx context.Context, f ContributionFilter) ([]Contribution, error) {
	var (
		where []string
		args  []any
	)
	if f.EqubID != 0 {
		where = append(where, "equb_id = ?")
		args = append(args, f.EqubID)
	}
	if f.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Round != nil {
		where = append(where, "round = ?")
		args = append(args, int64(*f.Round))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + contributionColumns + ` FROM contributions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	defer rows.Close()

	var out []Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RoundStats summarises confirmed contributions for one round against active members.
func (s *Store) RoundStats(ctx context.Context, equbID int64, round uint64) (RoundStats, error) {
	e, err := equbByID(ctx, s.db, equbID)
	if err != nil {
		return RoundStats{}, fmt.Errorf("round stats: %w", err)
	}
	var members int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM memberships WHERE equb_id = ? AND is_active = 1;
`, equbID).Scan(&members); err != nil {
		return RoundStats{}, fmt.Errorf("round stats members: %w", err)
	}
	confirmed, err := s.ListContributions(ctx, ContributionFilter{EqubID: equbID, Round: &round, Status: ContributionConfirmed})
	if err != nil {
		return RoundStats{}, err
	}

	stats := RoundStats{
		Round:         round,
		TotalMembers:  members,
		ExpectedTotal: e.ContributionAmount.MulInt(int64(members)),
	}
	contributors := make(map[int64]struct{}, len(confirmed))
	for _, c := range confirmed {
		stats.TotalCollected = stats.TotalCollected.Add(c.Amount)
		contributors[c.UserID] = struct{}{}
	}
	stats.ContributedMembers = len(contributors)
	if pending := members - stats.ContributedMembers; pending > 0 {
		stats.PendingMembers = pending
	}
	return stats, nil
}

func insertContribution(ctx context.Context, q querier, c Contribution) (Contribution, error) {
	hash := NormalizeTxHash(c.TxHash)
	if hash == "" {
		return Contribution{}, errors.New("tx hash is required")
	}
	if c.Amount.IsZero() {
		return Contribution{}, errors.New("contribution amount must be positive")
	}
	if c.Status == "" {
		c.Status = ContributionPending
	}
	res, err := q.ExecContext(ctx, `
INSERT INTO contributions (equb_id, user_id, amount, round, tx_hash, status, block_number)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, c.EqubID, c.UserID, c.Amount, int64(c.Round), hash, string(c.Status), nullUint(c.BlockNumber))
	if err != nil {
		if isUniqueViolation(err) {
			return Contribution{}, fmt.Errorf("contribution %s: %w", hash, ErrDuplicate)
		}
		return Contribution{}, fmt.Errorf("insert contribution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Contribution{}, fmt.Errorf("insert contribution id: %w", err)
	}
	row := q.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE id = ?;`, id)
	return scanContribution(row)
}

func contributionByTx(ctx context.Context, q querier, txHash string) (Contribution, error) {
	row := q.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE tx_hash = ?;`, NormalizeTxHash(txHash))
	return scanContribution(row)
}

func scanContribution(row rowScanner) (Contribution, error) {
	var (
		c      Contribution
		amt    amount.Amount
		round  int64
		status string
		block  sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.EqubID, &c.UserID, &amt, &round, &c.TxHash, &status, &block, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Contribution{}, ErrNotFound
	}
	if err != nil {
		return Contribution{}, fmt.Errorf("scan contribution: %w", err)
	}
	c.Amount = amt
	c.Round = uint64(round)
	c.Status = ContributionStatus(status)
	c.BlockNumber = uintPtr(block)
	return c, nil
}
