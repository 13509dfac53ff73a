package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/devblac/equb-sync/internal/amount"
	"github.com/devblac/equb-sync/internal/storage"
	"github.com/spf13/cobra"
)

var flagStateEqub string

func init() {
	stateCmd.Flags().StringVar(&flagStateEqub, "equb", "", "Show members, rounds, and winners of one equb (on-chain id)")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show cursors, lag, and equb progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, true)
		if err != nil {
			return err
		}
		defer e.Close()
		out := cmd.OutOrStdout()
		decimals := e.cfg.Chain.Decimals

		if flagStateEqub != "" {
			return printEqub(cmd, e, flagStateEqub)
		}

		cursors, err := e.store.ListCursors(ctx)
		if err != nil {
			return err
		}
		head, headErr := e.client.BlockNumber(ctx)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SOURCE\tHEIGHT\tLAG\tUPDATED")
		for _, c := range cursors {
			lag := "?"
			if headErr == nil && head >= c.Height {
				lag = fmt.Sprint(head - c.Height)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", c.SourceID, c.Height, lag, c.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if headErr != nil {
			e.log.Warn("head unavailable, lag unknown", "err", headErr)
		}

		equbs, err := e.store.ListEqubs(ctx, "")
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EQUB\tNAME\tSTATUS\tMEMBERS\tROUND\tPAID\tPOOL")
		for _, q := range equbs {
			stats, err := e.store.RoundStats(ctx, q.ID, q.CurrentRound)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d/%d\t%s\n", q.ChainEqubID, q.Name, q.Status,
				q.MemberCount, q.MaxMembers, q.CurrentRound, stats.ContributedMembers, stats.TotalMembers,
				amount.Format(q.TotalPool, decimals))
		}
		return w.Flush()
	},
}

func printEqub(cmd *cobra.Command, e *env, chainID string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	decimals := e.cfg.Chain.Decimals

	id, err := parseEqubID(chainID)
	if err != nil {
		return err
	}
	q, err := e.store.EqubByChainID(ctx, id.String())
	if err != nil {
		return fmt.Errorf("equb %s: %w", id, err)
	}
	fmt.Fprintf(out, "equb %s %q status=%s round=%d pool=%s contribution=%s members=%d/%d\n",
		q.ChainEqubID, q.Name, q.Status, q.CurrentRound, amount.Format(q.TotalPool, decimals),
		amount.Format(q.ContributionAmount, decimals), q.MemberCount, q.MaxMembers)

	stats, err := e.store.RoundStats(ctx, q.ID, q.CurrentRound)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "round %d: %d/%d paid, collected %s of %s\n\n", stats.Round, stats.ContributedMembers,
		stats.TotalMembers, amount.Format(stats.TotalCollected, decimals), amount.Format(stats.ExpectedTotal, decimals))

	members, err := e.store.ListMembers(ctx, q.ID, false)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tWALLET\tACTIVE\tWON")
	for _, m := range members {
		fmt.Fprintf(w, "%d\t%s\t%t\t%t\n", m.JoinOrder, m.WalletAddress, m.IsActive, m.HasWon)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	winners, err := e.store.ListWinners(ctx, q.ID)
	if err != nil {
		return err
	}
	if len(winners) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	return printWinners(out, winners, decimals)
}

func printWinners(out io.Writer, winners []storage.Winner, decimals int) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROUND\tWINNER\tPAYOUT\tSTATUS")
	for _, win := range winners {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", win.Round, win.WalletAddress, amount.Format(win.PayoutAmount, decimals), win.PayoutStatus)
	}
	return w.Flush()
}
