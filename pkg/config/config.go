// Package config loads the bridge configuration from a JSON or YAML file
// with QTBRIDGE_* environment overrides layered on top.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/astrobridge/qtbridge/pkg/logger"
)

// InstanceConfig describes one bridge instance: its QQ side (a OneBot
// WebSocket endpoint) and its Telegram side (a bot token).
type InstanceConfig struct {
	ID           string `json:"id" yaml:"id"`
	OneBotURL    string `json:"onebot_url" yaml:"onebot_url"`
	OneBotToken  string `json:"onebot_token" yaml:"onebot_token"`
	TelegramBot  string `json:"telegram_bot_token" yaml:"telegram_bot_token"`
	NicknameMode string `json:"nickname_mode,omitempty" yaml:"nickname_mode,omitempty"`
}

// TokenConfig grants gateway access. An empty instance list grants all.
type TokenConfig struct {
	Token     string   `json:"token" yaml:"token"`
	Instances []string `json:"instances,omitempty" yaml:"instances,omitempty"`
}

// GatewayConfig tunes the gateway server.
type GatewayConfig struct {
	Host                string        `json:"host" yaml:"host" env:"QTBRIDGE_GATEWAY_HOST"`
	Port                int           `json:"port" yaml:"port" env:"QTBRIDGE_GATEWAY_PORT"`
	HeartbeatIntervalMS int64         `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	IdentifyTimeoutMS   int64         `json:"identify_timeout_ms" yaml:"identify_timeout_ms"`
	SendQueueSize       int           `json:"send_queue_size" yaml:"send_queue_size"`
	Tokens              []TokenConfig `json:"tokens,omitempty" yaml:"tokens,omitempty"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `json:"path" yaml:"path" env:"QTBRIDGE_STORAGE_PATH"`
}

// MaintenanceConfig schedules periodic upkeep.
type MaintenanceConfig struct {
	ReloadCron string `json:"reload_cron,omitempty" yaml:"reload_cron,omitempty"`
}

// Config is the root document.
type Config struct {
	Instances   []InstanceConfig  `json:"instances" yaml:"instances"`
	Gateway     GatewayConfig     `json:"gateway" yaml:"gateway"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
	LogLevel    string            `json:"log_level,omitempty" yaml:"log_level,omitempty" env:"QTBRIDGE_LOG_LEVEL"`
}

// DefaultPath is used when no --config flag is given.
const DefaultPath = "config.json"

// Load reads the file at path (JSON or YAML by extension), applies
// defaults and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 9321
	}
	if c.Gateway.HeartbeatIntervalMS == 0 {
		c.Gateway.HeartbeatIntervalMS = 30000
	}
	if c.Gateway.IdentifyTimeoutMS == 0 {
		c.Gateway.IdentifyTimeoutMS = 10000
	}
	if c.Gateway.SendQueueSize == 0 {
		c.Gateway.SendQueueSize = 256
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "qtbridge.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if len(c.Gateway.Tokens) == 0 {
		token := generateToken()
		c.Gateway.Tokens = []TokenConfig{{Token: token}}
		logger.WarnC("config", "No gateway tokens configured, generated one for this run")
		fmt.Printf("\n    Gateway access token: %s\n\n", token)
	}
}

func (c *Config) validate() error {
	if len(c.Instances) == 0 {
		return fmt.Errorf("config: at least one instance is required")
	}
	seen := make(map[string]bool)
	for i, inst := range c.Instances {
		if inst.ID == "" {
			return fmt.Errorf("config: instance %d has no id", i)
		}
		if seen[inst.ID] {
			return fmt.Errorf("config: duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = true
		if inst.OneBotURL == "" {
			return fmt.Errorf("config: instance %q has no onebot_url", inst.ID)
		}
		if inst.TelegramBot == "" {
			return fmt.Errorf("config: instance %q has no telegram_bot_token", inst.ID)
		}
	}
	return nil
}

func generateToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "qtbridge-fallback-token"
	}
	return hex.EncodeToString(buf)
}
