package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const sampleConfig = `version: 1
global:
  db_path: equb-sync.db
  confirmations: 3
  max_active_equbs: 3
  poll_interval: 5s
  batch_size: 500
chain:
  id: sepolia
  rpc_url: ${RPC_URL}
  # ws_url: wss://sepolia.example/ws
  contract: "0x0000000000000000000000000000000000000000"
  abi_path: abi/Equb.json
  start_block: latest-1000
  decimals: 18
  auto_import: true
sinks:
  - id: ops
    type: slack
    webhook_url: ${SLACK_WEBHOOK_URL}
    events: [winner_selected, reconcile_error, reorg_detected]
`

const sampleEnv = `RPC_URL=https://rpc.sepolia.org
SLACK_WEBHOOK_URL=
# EQUB_PRIVATE_KEY is only needed by join and contribute.
EQUB_PRIVATE_KEY=
`

var flagForce bool

func init() {
	initCmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite existing files")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config and .env",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		dir := filepath.Dir(cfgPath)
		files := []struct {
			path string
			body string
		}{
			{cfgPath, sampleConfig},
			{filepath.Join(dir, ".env.example"), sampleEnv},
		}
		for _, f := range files {
			if err := writeScaffold(f.path, f.body, flagForce); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s\n", f.path)
		}
		fmt.Fprintf(out, "next: place the contract ABI at %s, set the contract address, then run `equb-sync validate`\n",
			filepath.Join(dir, "abi", "Equb.json"))
		return nil
	},
}

func writeScaffold(path, body string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(body), 0o644)
}
