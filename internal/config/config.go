// Package config loads the dencal configuration from a YAML file with
// environment-variable overrides for secrets. The loaded value is immutable
// and passed into each component at construction time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv    = "DENCAL_CONFIG"
	visionAPIKeyEnv  = "DENCAL_VISION_API_KEY"
	visionBaseURLEnv = "DENCAL_VISION_BASE_URL"
	visionModelEnv   = "DENCAL_VISION_MODEL"
	monitorPathEnv   = "DENCAL_MONITOR_PATH"
	dryRunEnv        = "DENCAL_DRY_RUN"
	dataDirEnv       = "DENCAL_DATA_DIR"
)

// Config is the full application configuration.
type Config struct {
	Vision   VisionConfig   `yaml:"vision"`
	Accounts []Account      `yaml:"accounts"`
	Gmail    GmailConfig    `yaml:"gmail"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

// VisionConfig points at an OpenAI-compatible vision endpoint.
type VisionConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Account describes one calendar account in the roster. The list order is the
// reconciliation and notification order.
type Account struct {
	Key        string `yaml:"key"`
	Name       string `yaml:"name"`
	Email      string `yaml:"email"`
	CalendarID string `yaml:"calendar_id"`
	TokenFile  string `yaml:"token_file"`
	Enabled    bool   `yaml:"enabled"`
}

// GmailConfig wires outbound notification mail.
type GmailConfig struct {
	Enabled          bool   `yaml:"enabled"`
	TokenFile        string `yaml:"token_file"`
	From             string `yaml:"from"`
	DefaultRecipient string `yaml:"default_recipient"`
	DefaultSubject   string `yaml:"default_subject"`
}

// WorkflowConfig holds the pipeline defaults.
type WorkflowConfig struct {
	EventTitle       string `yaml:"event_title"`
	EventDescription string `yaml:"event_description"`
	DryRun           bool   `yaml:"dry_run"`
	MonitorPath      string `yaml:"monitor_path"`
	MonitorOnce      bool   `yaml:"monitor_once"`
	IntervalSeconds  int    `yaml:"interval_seconds"`
	Cron             string `yaml:"cron"`
	Timezone         string `yaml:"timezone"`
}

// ServerConfig controls the optional read-only status API.
type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// StorageConfig locates the run-history database and the ledger file.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LogConfig controls slog verbosity.
type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Vision: VisionConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Gmail: GmailConfig{
			DefaultSubject: "カレンダー自動登録通知",
		},
		Workflow: WorkflowConfig{
			EventTitle:       "母出勤",
			EventDescription: "カレンダー画像から自動検出された勤務日",
			IntervalSeconds:  300,
			Timezone:         "Asia/Tokyo",
		},
		Server: ServerConfig{
			Port: 4780,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dencal"
	}
	return filepath.Join(home, ".dencal")
}

// Load reads the configuration from path. An empty path falls back to
// DENCAL_CONFIG and then ./config.yaml; a missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path == "" {
		path = "config.yaml"
	}

	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults plus env overrides; enough for dry runs and tests.
	default:
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(visionAPIKeyEnv); v != "" {
		cfg.Vision.APIKey = v
	}
	if v := os.Getenv(visionBaseURLEnv); v != "" {
		cfg.Vision.BaseURL = v
	}
	if v := os.Getenv(visionModelEnv); v != "" {
		cfg.Vision.Model = v
	}
	if v := os.Getenv(monitorPathEnv); v != "" {
		cfg.Workflow.MonitorPath = v
	}
	if v := os.Getenv(dryRunEnv); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Workflow.DryRun = b
		}
	}
	if v := os.Getenv(dataDirEnv); v != "" {
		cfg.Storage.DataDir = v
	}
}

func validate(cfg Config) error {
	seen := map[string]struct{}{}
	for i, acct := range cfg.Accounts {
		if acct.Key == "" {
			return fmt.Errorf("accounts[%d]: key is required", i)
		}
		if _, dup := seen[acct.Key]; dup {
			return fmt.Errorf("accounts: duplicate key %q", acct.Key)
		}
		seen[acct.Key] = struct{}{}
	}
	if cfg.Workflow.IntervalSeconds <= 0 {
		return fmt.Errorf("workflow.interval_seconds must be positive")
	}
	if _, err := time.LoadLocation(cfg.Workflow.Timezone); err != nil {
		return fmt.Errorf("workflow.timezone: %w", err)
	}
	return nil
}

// EnabledAccounts returns the enabled roster entries in configured order,
// filling blank display names, calendar IDs, and token file paths.
func (c Config) EnabledAccounts() []Account {
	var enabled []Account
	for _, acct := range c.Accounts {
		if !acct.Enabled {
			continue
		}
		if acct.Name == "" {
			acct.Name = acct.Key
		}
		if acct.CalendarID == "" {
			acct.CalendarID = "primary"
		}
		if acct.TokenFile == "" {
			acct.TokenFile = fmt.Sprintf("token_%s.json", acct.Key)
		}
		enabled = append(enabled, acct)
	}
	return enabled
}

// Location resolves the workflow timezone; validate guarantees it parses.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Workflow.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Interval returns the watcher polling interval.
func (c Config) Interval() time.Duration {
	return time.Duration(c.Workflow.IntervalSeconds) * time.Second
}

// LedgerPath returns the processed-file ledger location: next to the monitored
// folder when one is set, otherwise inside the data directory.
func (c Config) LedgerPath() string {
	if c.Workflow.MonitorPath != "" {
		return filepath.Join(c.Workflow.MonitorPath, "processed_files.json")
	}
	return filepath.Join(c.Storage.DataDir, "processed_files.json")
}
