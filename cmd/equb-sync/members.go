package main

import (
	"context"
	"fmt"

	"github.com/devblac/equb-sync/internal/storage"
	"github.com/spf13/cobra"
)

var flagMemberWallet string

func init() {
	for _, c := range []*cobra.Command{enrollCmd, leaveCmd} {
		c.Flags().StringVar(&flagMemberWallet, "wallet", "", "Member wallet address")
		_ = c.MarkFlagRequired("wallet")
	}
}

var enrollCmd = &cobra.Command{
	Use:   "enroll <equb-id>",
	Short: "Record an off-chain membership for a registered wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer e.Close()

		q, u, err := lookupMember(ctx, e.store, args[0], flagMemberWallet)
		if err != nil {
			return err
		}
		m, err := e.store.JoinEqub(ctx, q.ID, u.ID, e.cfg.Global.MaxActiveEqubs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s joined equb %s as member %d\n", m.WalletAddress, q.ChainEqubID, m.JoinOrder)
		return nil
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave <equb-id>",
	Short: "Deactivate a membership; winners cannot leave",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer e.Close()

		q, u, err := lookupMember(ctx, e.store, args[0], flagMemberWallet)
		if err != nil {
			return err
		}
		if err := e.store.LeaveEqub(ctx, q.ID, u.ID); err != nil {
			return fmt.Errorf("leave equb %s: %w", q.ChainEqubID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s left equb %s\n", u.WalletAddress, q.ChainEqubID)
		return nil
	},
}

func lookupMember(ctx context.Context, store *storage.Store, rawID, wallet string) (storage.Equb, storage.User, error) {
	id, err := parseEqubID(rawID)
	if err != nil {
		return storage.Equb{}, storage.User{}, err
	}
	q, err := store.EqubByChainID(ctx, id.String())
	if err != nil {
		return storage.Equb{}, storage.User{}, fmt.Errorf("equb %s: %w", id, err)
	}
	u, err := store.UserByWallet(ctx, wallet)
	if err != nil {
		return storage.Equb{}, storage.User{}, fmt.Errorf("wallet %s: %w", wallet, err)
	}
	return q, u, nil
}
