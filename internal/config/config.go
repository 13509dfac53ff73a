package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/equb-sync/internal/sink"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxActiveEqubs = 3
	DefaultDecimals       = 18
	DefaultBatchSize      = 500
	DefaultPollInterval   = 5 * time.Second
)

// Config holds the YAML configuration.
type Config struct {
	Version int          `yaml:"version"`
	Global  GlobalConfig `yaml:"global"`
	Chain   Chain        `yaml:"chain"`
	Sinks   []Sink       `yaml:"sinks"`
}

type GlobalConfig struct {
	DBPath         string `yaml:"db_path"`
	Confirmations  uint64 `yaml:"confirmations"`
	MaxActiveEqubs int    `yaml:"max_active_equbs"`
	PollInterval   string `yaml:"poll_interval"`
	BatchSize      uint64 `yaml:"batch_size"`
}

// Chain describes the single equb contract deployment this process reconciles.
type Chain struct {
	ID         string `yaml:"id"`
	RPCURL     string `yaml:"rpc_url"`
	WSURL      string `yaml:"ws_url"`
	Contract   string `yaml:"contract"`
	ABIPath    string `yaml:"abi_path"`
	StartBlock string `yaml:"start_block"`
	Decimals   int    `yaml:"decimals"`
	AutoImport bool   `yaml:"auto_import"`
}

type Sink struct {
	ID         string   `yaml:"id"`
	Type       string   `yaml:"type"`
	WebhookURL string   `yaml:"webhook_url"`
	Template   string   `yaml:"template"`
	URL        string   `yaml:"url"`
	Method     string   `yaml:"method"`
	Events     []string `yaml:"events"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Global.DBPath == "" {
		c.Global.DBPath = "equb-sync.db"
	}
	if c.Global.MaxActiveEqubs == 0 {
		c.Global.MaxActiveEqubs = DefaultMaxActiveEqubs
	}
	if c.Global.BatchSize == 0 {
		c.Global.BatchSize = DefaultBatchSize
	}
	if c.Global.PollInterval == "" {
		c.Global.PollInterval = DefaultPollInterval.String()
	}
	if c.Chain.Decimals == 0 {
		c.Chain.Decimals = DefaultDecimals
	}
	// The ABI is resolved relative to the config file so the pair can move together.
	if c.Chain.ABIPath != "" && !filepath.IsAbs(c.Chain.ABIPath) {
		c.Chain.ABIPath = filepath.Join(baseDir, c.Chain.ABIPath)
	}
	for i := range c.Sinks {
		if strings.ToLower(c.Sinks[i].Type) == "webhook" && c.Sinks[i].Method == "" {
			c.Sinks[i].Method = "POST"
		}
	}
}

// PollEvery returns the parsed poll interval.
func (g GlobalConfig) PollEvery() time.Duration {
	d, err := time.ParseDuration(g.PollInterval)
	if err != nil || d <= 0 {
		return DefaultPollInterval
	}
	return d
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if c.Global.MaxActiveEqubs < 0 {
		return errors.New("global.max_active_equbs must be positive")
	}
	if _, err := time.ParseDuration(c.Global.PollInterval); err != nil {
		return fmt.Errorf("global.poll_interval: %w", err)
	}
	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	return nil
}

func (c *Chain) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if c.Contract == "" {
		return errors.New("contract is required")
	}
	if !common.IsHexAddress(c.Contract) {
		return fmt.Errorf("contract %q is not a hex address", c.Contract)
	}
	if c.ABIPath == "" {
		return errors.New("abi_path is required")
	}
	if c.Decimals < 0 || c.Decimals > 77 {
		return fmt.Errorf("decimals %d out of range", c.Decimals)
	}
	if err := validateStartBlock(c.StartBlock); err != nil {
		return err
	}
	return nil
}

// ContractAddress returns the parsed contract address.
func (c Chain) ContractAddress() common.Address {
	return common.HexToAddress(c.Contract)
}

// SourceID keys the scan cursor. Pointing the config at a new contract starts a new cursor.
func (c Chain) SourceID() string {
	return c.ID + ":" + strings.ToLower(c.Contract)
}

func validateStartBlock(start string) error {
	if start == "" {
		return nil
	}
	raw := strings.TrimPrefix(start, "latest-")
	if _, err := strconv.ParseUint(raw, 10, 64); err != nil {
		return fmt.Errorf("start_block %q: expected N or latest-N", start)
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}

	for _, ev := range s.Events {
		if !sink.KnownKind(ev) {
			return fmt.Errorf("unknown event %q", ev)
		}
	}
	return nil
}

// Wants reports whether the sink subscribes to a notification kind. No filter means everything.
func (s Sink) Wants(kind string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, ev := range s.Events {
		if ev == kind {
			return true
		}
	}
	return false
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
