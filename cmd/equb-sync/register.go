package main

import (
	"fmt"

	"github.com/devblac/equb-sync/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var (
	flagUserName  string
	flagUserEmail string
	flagWallet    string
	flagUserID    int64
)

func init() {
	registerCmd.Flags().StringVar(&flagUserName, "name", "", "Display name")
	registerCmd.Flags().StringVar(&flagUserEmail, "email", "", "Email address")
	registerCmd.Flags().StringVar(&flagWallet, "wallet", "", "Wallet address to link")
	registerCmd.Flags().Int64Var(&flagUserID, "user", 0, "Link --wallet to this existing user instead of creating one")
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a user or link a wallet to an existing one",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagWallet != "" && !common.IsHexAddress(flagWallet) {
			return fmt.Errorf("wallet %q is not a hex address", flagWallet)
		}
		ctx := cmd.Context()
		e, err := openEnv(ctx, false)
		if err != nil {
			return err
		}
		defer e.Close()
		out := cmd.OutOrStdout()

		if flagUserID != 0 {
			if flagWallet == "" {
				return fmt.Errorf("--wallet is required with --user")
			}
			if err := e.store.LinkWallet(ctx, flagUserID, flagWallet); err != nil {
				return err
			}
			fmt.Fprintf(out, "linked %s to user %d\n", storage.NormalizeWallet(flagWallet), flagUserID)
			return nil
		}

		u, err := e.store.CreateUser(ctx, storage.User{Name: flagUserName, Email: flagUserEmail, WalletAddress: flagWallet})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "registered user %d %s %s\n", u.ID, u.Email, u.WalletAddress)
		return nil
	},
}
