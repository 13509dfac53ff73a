package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const winnerColumns = `id, equb_id, user_id, wallet_address, round, payout_amount, payout_tx_hash, payout_status, block_number, selected_at`

func (t *Tx) WinnerByRound(ctx context.Context, equbID int64, round uint64) (Winner, error) {
	return winnerByRound(ctx, t.tx, equbID, round)
}

func (s *Store) WinnerByRound(ctx context.Context, equbID int64, round uint64) (Winner, error) {
	return winnerByRound(ctx, s.db, equbID, round)
}

// InsertWinner records a round's winner. A second winner for the same round is ErrDuplicate.
func (t *Tx) InsertWinner(ctx context.Context, w Winner) (Winner, error) {
	if w.Round == 0 {
		return Winner{}, errors.New("winner round must be positive")
	}
	if w.PayoutStatus == "" {
		w.PayoutStatus = PayoutPending
	}
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO winners (equb_id, user_id, wallet_address, round, payout_amount, payout_tx_hash, payout_status, block_number)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, w.EqubID, w.UserID, NormalizeWallet(w.WalletAddress), int64(w.Round), w.PayoutAmount,
		NormalizeTxHash(w.PayoutTxHash), string(w.PayoutStatus), nullUint(w.BlockNumber))
	if err != nil {
		if isUniqueViolation(err) {
			return Winner{}, fmt.Errorf("winner equb %d round %d: %w", w.EqubID, w.Round, ErrDuplicate)
		}
		return Winner{}, fmt.Errorf("insert winner: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Winner{}, fmt.Errorf("insert winner id: %w", err)
	}
	row := t.tx.QueryRowContext(ctx, `SELECT `+winnerColumns+` FROM winners WHERE id = ?;`, id)
	return scanWinner(row)
}

// ListWinners returns an equb's winners by round. equbID 0 lists every equb.
func (s *Store) ListWinners(ctx context.Context, equbID int64) ([]Winner, error) {
	query := `SELECT ` + winnerColumns + ` FROM winners`
	var args []any
	if equbID != 0 {
		query += ` WHERE equb_id = ?`
		args = append(args, equbID)
	}
	query += ` ORDER BY equb_id, round;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list winners: %w", err)
	}
	defer rows.Close()

	var out []Winner
	for rows.Next() {
		w, err := scanWinner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func winnerByRound(ctx context.Context, q querier, equbID int64, round uint64) (Winner, error) {
	row := q.QueryRowContext(ctx, `SELECT `+winnerColumns+` FROM winners WHERE equb_id = ? AND round = ?;`, equbID, int64(round))
	return scanWinner(row)
}

func scanWinner(row rowScanner) (Winner, error) {
	var (
		w      Winner
		round  int64
		status string
		block  sql.NullInt64
	)
	err := row.Scan(&w.ID, &w.EqubID, &w.UserID, &w.WalletAddress, &round, &w.PayoutAmount, &w.PayoutTxHash, &status, &block, &w.SelectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Winner{}, ErrNotFound
	}
	if err != nil {
		return Winner{}, fmt.Errorf("scan winner: %w", err)
	}
	w.Round = uint64(round)
	w.PayoutStatus = PayoutStatus(status)
	w.BlockNumber = uintPtr(block)
	return w, nil
}
