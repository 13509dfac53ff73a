package main

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/equb-sync/internal/chain"
	"github.com/devblac/equb-sync/internal/config"
	"github.com/spf13/cobra"
)

const validateTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ABI, then check the RPC endpoint and contract",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, %d sink(s))\n", cfg.Version, len(cfg.Sinks))

		contract, err := chain.LoadContract(cfg.Chain.ContractAddress(), cfg.Chain.ABIPath)
		if err != nil {
			return fmt.Errorf("abi invalid: %w", err)
		}
		fmt.Fprintf(out, "abi OK (%d event topic(s))\n", len(contract.Topics()))

		ctx, cancel := context.WithTimeout(cmd.Context(), validateTimeout)
		defer cancel()

		client, err := chain.NewRPCClient(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		defer client.Close()

		chainID, err := client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("chain %s: %w", cfg.Chain.ID, err)
		}
		head, err := client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("chain %s: %w", cfg.Chain.ID, err)
		}
		fmt.Fprintf(out, "- chain %s: chainId %s head %d OK\n", cfg.Chain.ID, chainID, head)

		code, err := client.CodeAt(ctx, contract.Address, nil)
		if err != nil {
			return fmt.Errorf("contract %s: %w", contract.Address.Hex(), err)
		}
		if len(code) == 0 {
			return fmt.Errorf("validate: no contract deployed at %s", contract.Address.Hex())
		}
		fmt.Fprintf(out, "- contract %s: %d bytes of code OK\n", contract.Address.Hex(), len(code))

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}
