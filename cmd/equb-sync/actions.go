package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/devblac/equb-sync/internal/amount"
	"github.com/devblac/equb-sync/internal/chain"
	"github.com/devblac/equb-sync/internal/reconcile"
	"github.com/devblac/equb-sync/internal/sink"
	"github.com/devblac/equb-sync/internal/storage"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"
)

var (
	flagActionDryRun bool
	flagAmount       string
	flagRecord       bool
)

func init() {
	for _, c := range []*cobra.Command{joinCmd, contributeCmd} {
		c.Flags().BoolVar(&flagActionDryRun, "dry-run", false, "Run preflight checks only; do not send")
		c.Flags().StringVar(&flagAmount, "amount", "", "Amount as a decimal (1.5) or smallest-unit integer; defaults to the equb's contribution")
	}
	contributeCmd.Flags().BoolVar(&flagRecord, "record", true, "Record the contribution as pending in the local store before it is mined")
}

var joinCmd = &cobra.Command{
	Use:   "join <equb-id>",
	Short: "Preflight and send a join transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, chain.ActionJoin, args[0])
	},
}

var contributeCmd = &cobra.Command{
	Use:   "contribute <equb-id>",
	Short: "Preflight and send a contribution for the current round",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, chain.ActionContribute, args[0])
	},
}

func runAction(cmd *cobra.Command, kind chain.ActionKind, rawID string) error {
	ctx := cmd.Context()
	id, err := parseEqubID(rawID)
	if err != nil {
		return err
	}
	e, err := openEnv(ctx, true)
	if err != nil {
		return err
	}
	defer e.Close()

	key := os.Getenv(privateKeyEnv)
	if key == "" {
		return fmt.Errorf("%s is not set", privateKeyEnv)
	}
	tr, err := chain.NewTransactor(ctx, e.contract, e.client, key, e.log)
	if err != nil {
		return err
	}

	value := flagAmount
	if value == "" {
		info, err := e.reader.GetEqub(ctx, id)
		if err != nil {
			return err
		}
		value = info.ContributionAmount.String()
	}

	pf := chain.NewPreflight(e.contract, e.reader, e.client, e.cfg.Chain.Decimals)
	plan, err := pf.Check(ctx, chain.Action{Kind: kind, EqubID: id, Caller: tr.From(), Amount: value})
	if err != nil {
		if chain.IsValidation(err) {
			return fmt.Errorf("rejected: %w", err)
		}
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "preflight ok: %s equb %s as %s, value %s\n",
		plan.Method, id, tr.From().Hex(), amount.Format(planValue(plan), e.cfg.Chain.Decimals))
	if flagActionDryRun {
		return nil
	}

	tx, err := tr.Send(ctx, plan)
	if err != nil {
		notifySubmission(ctx, e, plan, "", err)
		return err
	}
	fmt.Fprintf(out, "sent %s\n", tx.Hash().Hex())

	recorded := false
	if kind == chain.ActionContribute && flagRecord {
		recorded, err = recordPending(ctx, e, plan, tx)
		if err != nil {
			e.log.Warn("pending contribution not recorded", "tx", tx.Hash().Hex(), "err", err)
		}
	}

	receipt, err := tr.Wait(ctx, plan, tx)
	if err != nil {
		if recorded && errors.Is(err, chain.ErrTxFailed) {
			if ferr := e.store.FailContribution(ctx, tx.Hash().Hex()); ferr != nil {
				e.log.Warn("mark contribution failed", "tx", tx.Hash().Hex(), "err", ferr)
			}
		}
		notifySubmission(ctx, e, plan, tx.Hash().Hex(), err)
		return err
	}
	fmt.Fprintf(out, "mined in block %d\n", receipt.BlockNumber.Uint64())
	return nil
}

// recordPending stores the contribution as pending so the reconciler confirms it rather than inserting it.
func recordPending(ctx context.Context, e *env, plan *chain.Plan, tx *types.Transaction) (bool, error) {
	equb, err := e.store.EqubByChainID(ctx, plan.Action.EqubID.String())
	if err != nil {
		return false, fmt.Errorf("equb %s: %w", plan.Action.EqubID, err)
	}
	user, err := e.store.UserByWallet(ctx, plan.Action.Caller.Hex())
	if err != nil {
		return false, fmt.Errorf("wallet %s: %w", plan.Action.Caller.Hex(), err)
	}
	if _, err := e.store.RecordPendingContribution(ctx, storage.Contribution{
		EqubID: equb.ID,
		UserID: user.ID,
		Amount: planValue(plan),
		Round:  currentRound(plan),
		TxHash: tx.Hash().Hex(),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// notifySubmission reports a failed send or a reverted receipt to the configured sinks.
func notifySubmission(ctx context.Context, e *env, plan *chain.Plan, txHash string, cause error) {
	routes, err := buildRoutes(e.cfg.Sinks)
	if err != nil {
		e.log.Warn("sinks unavailable", "err", err)
		return
	}
	notifier := reconcile.NewNotifier(routes, reconcile.NotifierOptions{Store: e.store, Logger: e.log})
	notifier.Notify(ctx, sink.Notification{
		Kind:    sink.KindSubmissionError,
		ChainID: e.cfg.Chain.ID,
		EqubID:  plan.Action.EqubID.String(),
		Account: strings.ToLower(plan.Action.Caller.Hex()),
		Amount:  planValue(plan).String(),
		Round:   currentRound(plan),
		TxHash:  txHash,
		Message: plan.Method,
		Error:   cause.Error(),
	})
}

// currentRound is the round a contribution sent now counts toward. Rounds are 1-based;
// the contract reports 0 before the first payout.
func currentRound(plan *chain.Plan) uint64 {
	if plan.Equb.CurrentRound == nil || plan.Equb.CurrentRound.Sign() == 0 {
		return 1
	}
	return plan.Equb.CurrentRound.Uint64()
}

func planValue(plan *chain.Plan) amount.Amount {
	a, err := amount.FromBig(plan.Value)
	if err != nil {
		return amount.Zero
	}
	return a
}
