// Package config defines all configuration for the copy trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via COPY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Master     MasterConfig     `mapstructure:"master"`
	Terminal   TerminalConfig   `mapstructure:"terminal"`
	Replicator ReplicatorConfig `mapstructure:"replicator"`
	Deadlines  DeadlinesConfig  `mapstructure:"deadlines"`
	CopyLog    CopyLogConfig    `mapstructure:"copy_log"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
}

// MasterConfig holds the master account's terminal login.
type MasterConfig struct {
	Login    string `mapstructure:"login"`
	Password string `mapstructure:"password"`
	Server   string `mapstructure:"server"`
}

// TerminalConfig points at the vendor terminal bridge and tunes request
// behavior common to every session (master or follower).
type TerminalConfig struct {
	BridgeBaseURL     string        `mapstructure:"bridge_base_url"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`       // default 200ms, min 50ms
	MaxSlippagePoints int           `mapstructure:"max_slippage_points"` // default 10
	MagicNumber       uint64        `mapstructure:"magic_number"`        // default 99999
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`  // token-bucket period, default 2s
}

// ReplicatorConfig tunes lot sizing and symbol handling for replicated trades.
type ReplicatorConfig struct {
	DefaultVolumeMin float64 `mapstructure:"default_volume_min"`
}

// DeadlinesConfig holds the three operation/shutdown deadlines from the spec.
type DeadlinesConfig struct {
	OpDeadline       time.Duration `mapstructure:"op_deadline"`       // default 3s
	UnregDeadline    time.Duration `mapstructure:"unreg_deadline"`    // default 5s
	ShutdownDeadline time.Duration `mapstructure:"shutdown_deadline"` // default 10s
}

// CopyLogConfig sets where replication outcomes are persisted (append-only JSON lines).
type CopyLogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NotifierConfig controls the per-user WebSocket notification hub.
type NotifierConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: COPY_MASTER_LOGIN, COPY_MASTER_PASSWORD, COPY_MASTER_SERVER.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("terminal.poll_interval", 200*time.Millisecond)
	v.SetDefault("terminal.max_slippage_points", 10)
	v.SetDefault("terminal.magic_number", 99999)
	v.SetDefault("terminal.reconnect_interval", 2*time.Second)
	v.SetDefault("deadlines.op_deadline", 3*time.Second)
	v.SetDefault("deadlines.unreg_deadline", 5*time.Second)
	v.SetDefault("deadlines.shutdown_deadline", 10*time.Second)
	v.SetDefault("replicator.default_volume_min", 0.01)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if login := os.Getenv("COPY_MASTER_LOGIN"); login != "" {
		cfg.Master.Login = login
	}
	if pass := os.Getenv("COPY_MASTER_PASSWORD"); pass != "" {
		cfg.Master.Password = pass
	}
	if server := os.Getenv("COPY_MASTER_SERVER"); server != "" {
		cfg.Master.Server = server
	}
	if os.Getenv("COPY_DRY_RUN") == "true" || os.Getenv("COPY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Master.Login == "" {
		return fmt.Errorf("master.login is required (set COPY_MASTER_LOGIN)")
	}
	if c.Master.Server == "" {
		return fmt.Errorf("master.server is required")
	}
	if c.Terminal.BridgeBaseURL == "" {
		return fmt.Errorf("terminal.bridge_base_url is required")
	}
	if c.Terminal.PollInterval < 50*time.Millisecond {
		return fmt.Errorf("terminal.poll_interval must be >= 50ms")
	}
	if c.Deadlines.OpDeadline <= 0 {
		return fmt.Errorf("deadlines.op_deadline must be > 0")
	}
	if c.Deadlines.UnregDeadline <= 0 {
		return fmt.Errorf("deadlines.unreg_deadline must be > 0")
	}
	if c.Deadlines.ShutdownDeadline <= 0 {
		return fmt.Errorf("deadlines.shutdown_deadline must be > 0")
	}
	if c.CopyLog.Enabled && c.CopyLog.Path == "" {
		return fmt.Errorf("copy_log.path is required when copy_log.enabled is true")
	}
	return nil
}
