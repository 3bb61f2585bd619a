package plan

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the status server bind address.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// BackendConfig describes how to reach the cli and sdk backends. The API
// key itself stays in the environment; only the variable name lives here.
type BackendConfig struct {
	CLICommand []string `yaml:"cli_command,omitempty"`
	SDKBaseURL string   `yaml:"sdk_base_url,omitempty"`
	SDKModel   string   `yaml:"sdk_model,omitempty"`
	APIKeyEnv  string   `yaml:"api_key_env,omitempty"`
}

// Config is the run configuration file (docket.yaml). Credentials never
// appear here; backends read those from the environment only.
type Config struct {
	RunBase       string       `yaml:"run_base,omitempty"`
	Mode          string       `yaml:"mode,omitempty"`
	Flows         []string     `yaml:"flows,omitempty"`
	PlanDir       string       `yaml:"plan_dir,omitempty"`
	BudgetUSD     float64      `yaml:"budget_usd,omitempty"`
	DetourCatalog string       `yaml:"detour_catalog,omitempty"`
	Pricing       string       `yaml:"pricing,omitempty"`
	Watchdog      Duration      `yaml:"watchdog,omitempty"`
	Workers       int           `yaml:"workers,omitempty"`
	Server        ServerConfig  `yaml:"server,omitempty"`
	Backend       BackendConfig `yaml:"backend,omitempty"`
}

// DefaultRunBase resolves the state directory for run ledgers, honoring
// XDG_STATE_HOME when set.
func DefaultRunBase() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, "docket", "runs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".docket", "runs")
	}
	return filepath.Join(home, ".local", "state", "docket", "runs")
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		RunBase:   DefaultRunBase(),
		Mode:      "stub",
		BudgetUSD: 10,
		Server:    ServerConfig{Addr: "127.0.0.1:8644"},
		Backend:   BackendConfig{APIKeyEnv: "DOCKET_API_KEY"},
	}
}

// LoadConfig reads docket.yaml and overlays it on the defaults. A missing
// file is not an error; flags and defaults cover everything.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.RunBase == "" {
		cfg.RunBase = DefaultRunBase()
	}
	if cfg.Mode == "" {
		cfg.Mode = "stub"
	}
	if cfg.Backend.APIKeyEnv == "" {
		cfg.Backend.APIKeyEnv = "DOCKET_API_KEY"
	}
	return cfg, nil
}
