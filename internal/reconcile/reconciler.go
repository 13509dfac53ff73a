package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/devblac/equb-sync/internal/amount"
	"github.com/devblac/equb-sync/internal/chain"
	"github.com/devblac/equb-sync/internal/metrics"
	"github.com/devblac/equb-sync/internal/sink"
	"github.com/devblac/equb-sync/internal/storage"
	"github.com/ethereum/go-ethereum/common"
)

// Skip reasons, used as the metrics label.
const (
	skipUnknownEqub  = "unknown_equb"
	skipUnknownUser  = "unknown_user"
	skipMemberCap    = "member_cap"
	skipFailedTx     = "failed_contribution"
	skipBadAmount    = "invalid_amount"
	skipBadRound     = "invalid_round"
	skipNotImported  = "not_imported"
	skipNotOnChain   = "not_on_chain"
	skipUnknownEvent = "unknown_event"
)

// EqubReader loads an equb's on-chain configuration.
type EqubReader interface {
	GetEqub(ctx context.Context, id *big.Int) (chain.EqubInfo, error)
}

// Options configures a Reconciler. Zero values are usable.
type Options struct {
	ChainID        string
	MaxActiveEqubs int
	AutoImport     bool
	Reader         EqubReader
	Notifier       *Notifier
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Reconciler applies decoded contract events to the off-chain store. Every handler checks
// stored state first, so applying the same event twice leaves the store unchanged.
type Reconciler struct {
	store      *storage.Store
	reader     EqubReader
	notifier   *Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
	chainID    string
	maxActive  int
	autoImport bool
	now        func() time.Time
}

type outcome struct {
	applied bool
	skip    string
	note    sink.Notification
}

func New(store *storage.Store, opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:      store,
		reader:     opts.Reader,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		logger:     logger,
		chainID:    opts.ChainID,
		maxActive:  opts.MaxActiveEqubs,
		autoImport: opts.AutoImport,
		now:        time.Now,
	}
}

// Apply reconciles one event. Skips (unknown equb or user, and similar) are logged and
// counted but return nil; only store or RPC failures are returned, and the caller must
// redeliver the event.
func (r *Reconciler) Apply(ctx context.Context, ev chain.Event) error {
	var (
		out outcome
		err error
	)
	switch ev.Name {
	case chain.EventMemberJoined:
		out, err = r.memberJoined(ctx, ev)
	case chain.EventContributionMade:
		out, err = r.contributionMade(ctx, ev)
	case chain.EventWinnerSelected:
		out, err = r.winnerSelected(ctx, ev)
	case chain.EventEqubStarted:
		out, err = r.equbStarted(ctx, ev)
	case chain.EventEqubCreated:
		out, err = r.equbCreated(ctx, ev)
	default:
		out.skip = skipUnknownEvent
	}

	log := r.logger.With("event", ev.Name, "equb", ev.EqubKey(), "block", ev.BlockNumber, "tx", ev.TxHash.Hex())
	if err != nil {
		r.metrics.ReconcileError(ev.Name)
		log.Error("reconcile failed", "err", err)
		r.notifier.Notify(ctx, r.notification(sink.KindReconcileError, ev, func(n *sink.Notification) {
			n.Error = err.Error()
		}))
		return fmt.Errorf("%s equb %s tx %s: %w", ev.Name, ev.EqubKey(), ev.TxHash.Hex(), err)
	}
	switch {
	case out.skip != "":
		r.metrics.EventSkipped(ev.Name, out.skip)
		log.Warn("event skipped", "reason", out.skip)
	case out.applied:
		r.metrics.EventApplied(ev.Name)
		log.Info("event applied")
		if out.note.Kind != "" {
			r.notifier.Notify(ctx, out.note)
		}
	default:
		log.Debug("event already applied")
	}
	return nil
}

func (r *Reconciler) memberJoined(ctx context.Context, ev chain.Event) (outcome, error) {
	var out outcome
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		equb, user, skip, err := r.resolve(ctx, tx, ev)
		if err != nil || skip != "" {
			out.skip = skip
			return err
		}
		m, created, err := tx.AddMember(ctx, equb, user, r.maxActive)
		if errors.Is(err, storage.ErrMemberCap) {
			out.skip = skipMemberCap
			return nil
		}
		if err != nil {
			return err
		}
		// A replayed join must not undo an off-chain leave, so inactive rows stay inactive.
		if !created && !m.IsActive {
			r.logger.Warn("member joined on chain but membership is inactive",
				"equb", equb.ChainEqubID, "wallet", m.WalletAddress, "has_won", m.HasWon, "block", ev.BlockNumber)
		}
		out.applied = created
		return nil
	})
	out.note = r.notification(sink.KindMemberJoined, ev, nil)
	return out, err
}

func (r *Reconciler) contributionMade(ctx context.Context, ev chain.Event) (outcome, error) {
	amt, err := amount.FromBig(ev.Amount)
	if err != nil || amt.IsZero() {
		return outcome{skip: skipBadAmount}, nil
	}
	hash := storage.NormalizeTxHash(ev.TxHash.Hex())
	block := ev.BlockNumber

	var out outcome
	err = r.store.WithTx(ctx, func(tx *storage.Tx) error {
		existing, err := tx.ContributionByTx(ctx, hash)
		switch {
		case err == nil:
			return r.advanceContribution(ctx, tx, existing, amt, ev.Round, block, &out)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		equb, user, skip, err := r.resolve(ctx, tx, ev)
		if err != nil || skip != "" {
			out.skip = skip
			return err
		}
		if _, err := tx.InsertContribution(ctx, storage.Contribution{
			EqubID:      equb.ID,
			UserID:      user.ID,
			Amount:      amt,
			Round:       ev.Round,
			TxHash:      hash,
			Status:      storage.ContributionConfirmed,
			BlockNumber: &block,
		}); err != nil {
			return err
		}
		if _, err := tx.AddToPool(ctx, equb.ID, amt); err != nil {
			return err
		}
		out.applied = true
		return nil
	})
	out.note = r.notification(sink.KindContribution, ev, func(n *sink.Notification) {
		n.Amount = amt.String()
	})
	return out, err
}

// advanceContribution handles a contribution row that already exists for the tx hash.
// Status only moves forward: pending becomes confirmed with the chain's amount and round,
// confirmed only refreshes its block, failed is left alone.
func (r *Reconciler) advanceContribution(ctx context.Context, tx *storage.Tx, c storage.Contribution, amt amount.Amount, round, block uint64, out *outcome) error {
	switch c.Status {
	case storage.ContributionPending:
		if !c.Amount.Equal(amt) || c.Round != round {
			r.logger.Info("pending contribution corrected from chain", "tx", c.TxHash,
				"recorded_amount", c.Amount, "amount", amt, "recorded_round", c.Round, "round", round)
		}
		ok, err := tx.ConfirmContribution(ctx, c.ID, amt, round, block)
		if err != nil || !ok {
			return err
		}
		if _, err := tx.AddToPool(ctx, c.EqubID, amt); err != nil {
			return err
		}
		out.applied = true
	case storage.ContributionConfirmed:
		if c.BlockNumber == nil || *c.BlockNumber != block {
			return tx.RefreshContributionBlock(ctx, c.ID, block)
		}
	case storage.ContributionFailed:
		out.skip = skipFailedTx
	}
	return nil
}

func (r *Reconciler) winnerSelected(ctx context.Context, ev chain.Event) (outcome, error) {
	payout, err := amount.FromBig(ev.Amount)
	if err != nil {
		return outcome{skip: skipBadAmount}, nil
	}
	if ev.Round == 0 {
		return outcome{skip: skipBadRound}, nil
	}
	block := ev.BlockNumber

	var out outcome
	err = r.store.WithTx(ctx, func(tx *storage.Tx) error {
		equb, err := tx.EqubByChainID(ctx, ev.EqubKey())
		if errors.Is(err, storage.ErrNotFound) {
			out.skip = skipUnknownEqub
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.WinnerByRound(ctx, equb.ID, ev.Round); err == nil {
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		user, err := tx.UserByWallet(ctx, ev.Account.Hex())
		if errors.Is(err, storage.ErrNotFound) {
			out.skip = skipUnknownUser
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.InsertWinner(ctx, storage.Winner{
			EqubID:        equb.ID,
			UserID:        user.ID,
			WalletAddress: ev.Account.Hex(),
			Round:         ev.Round,
			PayoutAmount:  payout,
			PayoutTxHash:  ev.TxHash.Hex(),
			PayoutStatus:  storage.PayoutCompleted,
			BlockNumber:   &block,
		}); err != nil {
			return err
		}
		marked, err := tx.MarkWinner(ctx, equb.ID, user.ID)
		if err != nil {
			return err
		}
		if !marked {
			r.logger.Warn("winner has no membership", "equb", equb.ChainEqubID, "wallet", user.WalletAddress)
		}
		if err := tx.AddWinnings(ctx, user.ID, payout); err != nil {
			return err
		}
		// Out-of-order or post-end winners are recorded without moving the round.
		if equb.Status != storage.EqubEnded && ev.Round > equb.CurrentRound {
			if err := tx.CloseRound(ctx, equb.ID, ev.Round); err != nil {
				return err
			}
		} else {
			r.logger.Info("winner recorded without closing round", "equb", equb.ChainEqubID, "round", ev.Round, "current_round", equb.CurrentRound, "status", equb.Status)
		}
		out.applied = true
		return nil
	})
	out.note = r.notification(sink.KindWinnerSelected, ev, func(n *sink.Notification) {
		n.Amount = payout.String()
	})
	return out, err
}

func (r *Reconciler) equbStarted(ctx context.Context, ev chain.Event) (outcome, error) {
	var out outcome
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		equb, err := tx.EqubByChainID(ctx, ev.EqubKey())
		if errors.Is(err, storage.ErrNotFound) {
			out.skip = skipUnknownEqub
			return nil
		}
		if err != nil {
			return err
		}
		out.applied, err = tx.ActivateEqub(ctx, equb.ID, r.now())
		return err
	})
	out.note = r.notification(sink.KindEqubStarted, ev, nil)
	return out, err
}

func (r *Reconciler) equbCreated(ctx context.Context, ev chain.Event) (outcome, error) {
	if _, err := r.store.EqubByChainID(ctx, ev.EqubKey()); err == nil {
		return outcome{}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return outcome{}, err
	}
	if !r.autoImport || r.reader == nil {
		return outcome{skip: skipNotImported}, nil
	}

	// The chain read happens outside the store transaction.
	info, err := r.reader.GetEqub(ctx, ev.EqubID)
	if errors.Is(err, chain.ErrNotFound) {
		return outcome{skip: skipNotOnChain}, nil
	}
	if err != nil {
		return outcome{}, err
	}
	if _, err := Import(ctx, r.store, info, ev.Title); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return outcome{}, nil
		}
		return outcome{}, err
	}
	return outcome{applied: true, note: r.notification(sink.KindEqubImported, ev, func(n *sink.Notification) {
		n.Message = info.Name
	})}, nil
}

// resolve loads the equb and user an event refers to. A missing one is reported as a skip reason.
func (r *Reconciler) resolve(ctx context.Context, tx *storage.Tx, ev chain.Event) (storage.Equb, storage.User, string, error) {
	equb, err := tx.EqubByChainID(ctx, ev.EqubKey())
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Equb{}, storage.User{}, skipUnknownEqub, nil
	}
	if err != nil {
		return storage.Equb{}, storage.User{}, "", err
	}
	user, err := tx.UserByWallet(ctx, ev.Account.Hex())
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Equb{}, storage.User{}, skipUnknownUser, nil
	}
	if err != nil {
		return storage.Equb{}, storage.User{}, "", err
	}
	return equb, user, "", nil
}

func (r *Reconciler) notification(kind string, ev chain.Event, fill func(*sink.Notification)) sink.Notification {
	n := sink.Notification{
		Kind:    kind,
		ChainID: r.chainID,
		EqubID:  ev.EqubKey(),
		Round:   ev.Round,
		TxHash:  ev.TxHash.Hex(),
		Block:   ev.BlockNumber,
		Time:    r.now().UTC(),
	}
	if ev.Account != (common.Address{}) {
		n.Account = strings.ToLower(ev.Account.Hex())
	}
	if fill != nil {
		fill(&n)
	}
	return n
}
