// Package agentd implements the Shield agent daemon: config loading,
// the fingerprint/scan/push/heartbeat main loop, the on-disk offline
// queue, PID-file liveness, and self-update.
package agentd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the agent's runtime configuration, bound from flags,
// environment variables, and an optional YAML file (spec.md §4.2,
// ambient config stack grounded on the teacher's internal/config,
// generalized to viper/yaml per SPEC_FULL.md).
type Config struct {
	ServerURL           string        `mapstructure:"server_url"`
	Token               string        `mapstructure:"token"`
	AgentID             string        `mapstructure:"agent_id"`
	SiteID              string        `mapstructure:"site_id"`
	Hostname            string        `mapstructure:"hostname"`
	DataDir             string        `mapstructure:"data_dir"`
	Targets             []string      `mapstructure:"targets"`
	RunShield           bool          `mapstructure:"run_shield"`
	CheckIntervalSec    int           `mapstructure:"check_interval_seconds"`
	HeartbeatIntervalSec int          `mapstructure:"heartbeat_interval_seconds"`
	UpdateCheckEvery    int           `mapstructure:"update_check_every_cycles"`
	CAFile              string        `mapstructure:"ca_file"`
	InsecureSkipVerify  bool          `mapstructure:"insecure_skip_verify"`
}

// CheckInterval returns CheckIntervalSec as a time.Duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// HeartbeatInterval returns HeartbeatIntervalSec as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// QueueDir returns <data_dir>/queue, the offline queue's spool
// directory (spec.md §6's on-disk layout).
func (c *Config) QueueDir() string {
	return filepath.Join(c.DataDir, "queue")
}

// PIDFile returns <data_dir>/agent.pid.
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "agent.pid")
}

// Load builds a Config from defaults, an optional YAML file at
// configFile, and SHIELD_-prefixed environment variables, in that
// order of increasing precedence.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHIELD")
	v.AutomaticEnv()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("check_interval_seconds", 300)
	v.SetDefault("heartbeat_interval_seconds", 60)
	v.SetDefault("update_check_every_cycles", 12)
	v.SetDefault("insecure_skip_verify", false)
	// AutomaticEnv alone is not seen by Unmarshal for keys without a
	// default, so bind the remaining keys to their SHIELD_ variables.
	for _, key := range []string{"server_url", "token", "agent_id", "site_id", "hostname", "targets", "run_shield", "ca_file"} {
		_ = v.BindEnv(key)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required (set SHIELD_SERVER_URL or config file)")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required (set SHIELD_TOKEN or config file)")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	if err := os.MkdirAll(cfg.QueueDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	return &cfg, nil
}

// PersistRegistration writes agentID and token into the YAML config
// file at path, merging them with whatever keys are already there, so
// a freshly registered agent survives restart without re-registering.
// Grounded on Devi-Muna-CloudSlash's safeWriteConfig pattern,
// generalized from viper's global config to an explicit file path.
func PersistRegistration(path string, agentID, token string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read existing config %s: %w", path, err)
		}
	}
	v.Set("agent_id", agentID)
	v.Set("token", token)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func defaultDataDir() string {
	if dir := os.Getenv("SHIELD_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/shield-agent"
	}
	return filepath.Join(home, ".shield-agent")
}
