package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
version: 1
global:
  db_path: equb.db
  confirmations: 2
chain:
  id: sepolia
  rpc_url: ${RPC_URL}
  contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  abi_path: abi/Equb.json
  start_block: latest-100
sinks:
  - id: ops
    type: slack
    webhook_url: ${SLACK_HOOK}
    events: [winner_selected, reconcile_error]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadInterpolatesEnvAndValidates(t *testing.T) {
	cfgPath := writeConfig(t, sampleYAML)

	t.Setenv("RPC_URL", "http://example-rpc")
	t.Setenv("SLACK_HOOK", "https://hooks.slack.test")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("expected load to succeed: %v", err)
	}

	if got := cfg.Chain.RPCURL; got != "http://example-rpc" {
		t.Fatalf("rpc_url not interpolated, got %q", got)
	}
	if got := cfg.Chain.ABIPath; got != filepath.Join(filepath.Dir(cfgPath), "abi", "Equb.json") {
		t.Fatalf("abi_path not resolved relative to config, got %q", got)
	}
	if cfg.Global.MaxActiveEqubs != DefaultMaxActiveEqubs {
		t.Fatalf("max_active_equbs default not applied: %d", cfg.Global.MaxActiveEqubs)
	}
	if cfg.Chain.Decimals != 18 {
		t.Fatalf("decimals default not applied: %d", cfg.Chain.Decimals)
	}
	if cfg.Global.PollEvery() != DefaultPollInterval {
		t.Fatalf("unexpected poll interval %s", cfg.Global.PollEvery())
	}
	if got := cfg.Chain.SourceID(); got != "sepolia:0x5fbdb2315678afecb367f032d93f642f64180aa3" {
		t.Fatalf("unexpected source id %q", got)
	}
	if !cfg.Sinks[0].Wants("winner_selected") || cfg.Sinks[0].Wants("member_joined") {
		t.Fatalf("sink event filter not honoured")
	}
}

func TestLoadFailsOnMissingEnv(t *testing.T) {
	cfgPath := writeConfig(t, sampleYAML)

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected missing env to fail")
	}
}

func TestLoadReadsDotEnvBesideConfig(t *testing.T) {
	cfgPath := writeConfig(t, sampleYAML)
	env := "RPC_URL=http://from-dotenv\nSLACK_HOOK=https://hooks.slack.test\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(cfgPath), ".env"), []byte(env), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("RPC_URL")
		os.Unsetenv("SLACK_HOOK")
	})

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.RPCURL != "http://from-dotenv" {
		t.Fatalf("expected rpc_url from .env, got %q", cfg.Chain.RPCURL)
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() Config {
		return Config{
			Version: 1,
			Global:  GlobalConfig{PollInterval: time.Second.String()},
			Chain: Chain{
				ID:       "local",
				RPCURL:   "http://localhost:8545",
				Contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
				ABIPath:  "Equb.json",
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no version", func(c *Config) { c.Version = 0 }},
		{"bad contract", func(c *Config) { c.Chain.Contract = "not-an-address" }},
		{"no abi", func(c *Config) { c.Chain.ABIPath = "" }},
		{"bad start block", func(c *Config) { c.Chain.StartBlock = "latest-x" }},
		{"bad poll interval", func(c *Config) { c.Global.PollInterval = "soon" }},
		{"unknown sink event", func(c *Config) {
			c.Sinks = []Sink{{ID: "s", Type: "webhook", URL: "http://x", Events: []string{"nope"}}}
		}},
		{"duplicate sink", func(c *Config) {
			c.Sinks = []Sink{{ID: "s", Type: "webhook", URL: "http://x"}, {ID: "s", Type: "webhook", URL: "http://y"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			if err := c.Validate(); err != nil {
				t.Fatalf("base config should validate: %v", err)
			}
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
