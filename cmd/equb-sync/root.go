package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/devblac/equb-sync/internal/chain"
	"github.com/devblac/equb-sync/internal/config"
	"github.com/devblac/equb-sync/internal/logging"
	"github.com/devblac/equb-sync/internal/storage"
	"github.com/spf13/cobra"
)

// privateKeyEnv names the variable holding the signing key. Keys are never read from the config file.
const privateKeyEnv = "EQUB_PRIVATE_KEY"

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "equb-sync",
		Short: "Keep an equb off-chain store in step with its smart contract",
	}
)

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to config file")

	rootCmd.AddCommand(
		versionCmd,
		initCmd,
		validateCmd,
		runCmd,
		joinCmd,
		contributeCmd,
		registerCmd,
		enrollCmd,
		leaveCmd,
		importCmd,
		stateCmd,
		exportCmd,
	)
}

// Execute runs the root command tree.
func Execute(ctx context.Context) error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func newLogger() *slog.Logger {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	return logging.NewWithLevel(logLevel)
}

// env bundles what most commands need: config, store, and optionally a node connection.
type env struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	client   *chain.RPCClient
	contract *chain.Contract
	reader   *chain.Reader
}

func (e *env) Close() {
	if e.client != nil {
		e.client.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
}

// openEnv loads the config and store. withChain also dials the node and loads the contract ABI.
func openEnv(ctx context.Context, withChain bool) (*env, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	e := &env{cfg: cfg, log: newLogger()}

	e.store, err = storage.Open(cfg.Global.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if !withChain {
		return e, nil
	}

	e.contract, err = chain.LoadContract(cfg.Chain.ContractAddress(), cfg.Chain.ABIPath)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.client, err = chain.NewRPCClient(ctx, cfg.Chain.RPCURL)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.reader = chain.NewReader(e.contract, e.client, e.log)
	return e, nil
}

func parseEqubID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("equb id %q is not a non-negative integer", s)
	}
	return id, nil
}
