package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/equb-sync/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagExportFormat string
	flagExportOut    string
)

func init() {
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "json", "Output format: json|csv")
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "Write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:       "export <equbs|contributions|winners|cursors>",
	Short:     "Export reconciled records as json or csv",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"equbs", "contributions", "winners", "cursors"},
	RunE: func(cmd *cobra.Command, args []string) error {
		format := strings.ToLower(flagExportFormat)
		if format != "json" && format != "csv" {
			return fmt.Errorf("unsupported format %q", flagExportFormat)
		}
		ctx := cmd.Context()
		e, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer e.Close()

		var t table
		switch args[0] {
		case "equbs":
			equbs, err := e.store.ListEqubs(ctx, "")
			if err != nil {
				return err
			}
			t = equbTable(equbs)
		case "contributions":
			cs, err := e.store.ListContributions(ctx, storage.ContributionFilter{})
			if err != nil {
				return err
			}
			t = contributionTable(cs)
		case "winners":
			ws, err := e.store.ListWinners(ctx, 0)
			if err != nil {
				return err
			}
			t = winnerTable(ws)
		case "cursors":
			cs, err := e.store.ListCursors(ctx)
			if err != nil {
				return err
			}
			t = cursorTable(cs)
		}

		out := cmd.OutOrStdout()
		if flagExportOut != "" {
			f, err := os.Create(flagExportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		if format == "csv" {
			return t.writeCSV(out)
		}
		return t.writeJSON(out)
	},
}

// table is a header plus string rows; amounts stay integer strings so nothing loses precision.
type table struct {
	header []string
	rows   [][]string
}

func (t table) writeCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.header); err != nil {
		return err
	}
	if err := cw.WriteAll(t.rows); err != nil {
		return err
	}
	return cw.Error()
}

func (t table) writeJSON(w io.Writer) error {
	records := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		rec := make(map[string]string, len(t.header))
		for i, h := range t.header {
			rec[h] = row[i]
		}
		records = append(records, rec)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func equbTable(equbs []storage.Equb) table {
	t := table{header: []string{"chain_equb_id", "name", "status", "contribution_amount", "cycle_seconds",
		"max_members", "member_count", "current_round", "total_pool", "creator_wallet", "start_time"}}
	for _, q := range equbs {
		t.rows = append(t.rows, []string{q.ChainEqubID, q.Name, string(q.Status), q.ContributionAmount.String(),
			strconv.FormatInt(int64(q.CycleDuration/time.Second), 10), strconv.Itoa(q.MaxMembers),
			strconv.Itoa(q.MemberCount), strconv.FormatUint(q.CurrentRound, 10), q.TotalPool.String(),
			q.CreatorWallet, formatTimePtr(q.StartTime)})
	}
	return t
}

func contributionTable(cs []storage.Contribution) table {
	t := table{header: []string{"equb_id", "user_id", "round", "amount", "status", "tx_hash", "block_number", "created_at"}}
	for _, c := range cs {
		t.rows = append(t.rows, []string{strconv.FormatInt(c.EqubID, 10), strconv.FormatInt(c.UserID, 10),
			strconv.FormatUint(c.Round, 10), c.Amount.String(), string(c.Status), c.TxHash,
			formatUintPtr(c.BlockNumber), c.CreatedAt.UTC().Format(time.RFC3339)})
	}
	return t
}

func winnerTable(ws []storage.Winner) table {
	t := table{header: []string{"equb_id", "round", "wallet", "payout_amount", "payout_status", "block_number", "selected_at"}}
	for _, w := range ws {
		t.rows = append(t.rows, []string{strconv.FormatInt(w.EqubID, 10), strconv.FormatUint(w.Round, 10),
			w.WalletAddress, w.PayoutAmount.String(), string(w.PayoutStatus), formatUintPtr(w.BlockNumber),
			w.SelectedAt.UTC().Format(time.RFC3339)})
	}
	return t
}

func cursorTable(cs []storage.Cursor) table {
	t := table{header: []string{"source_id", "height", "hash", "updated_at"}}
	for _, c := range cs {
		t.rows = append(t.rows, []string{c.SourceID, strconv.FormatUint(c.Height, 10), c.Hash,
			c.UpdatedAt.UTC().Format(time.RFC3339)})
	}
	return t
}

func formatUintPtr(v *uint64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(*v, 10)
}

func formatTimePtr(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}
