package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalJSON = `{
	"instances": [
		{"id": "main", "onebot_url": "ws://127.0.0.1:6700", "telegram_bot_token": "123:abc"}
	]
}`

func TestLoadJSONWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.json", minimalJSON))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Instances) != 1 || cfg.Instances[0].ID != "main" {
		t.Errorf("instances: %+v", cfg.Instances)
	}
	if cfg.Gateway.Port != 9321 || cfg.Gateway.HeartbeatIntervalMS != 30000 {
		t.Errorf("gateway defaults: %+v", cfg.Gateway)
	}
	if cfg.Storage.Path != "qtbridge.db" || cfg.LogLevel != "info" {
		t.Errorf("defaults: %+v", cfg)
	}
	if len(cfg.Gateway.Tokens) != 1 || cfg.Gateway.Tokens[0].Token == "" {
		t.Error("a token should be auto-generated when none is configured")
	}
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.yaml", `
instances:
  - id: main
    onebot_url: ws://127.0.0.1:6700
    telegram_bot_token: "123:abc"
gateway:
  port: 8080
  tokens:
    - token: secret
      instances: [main]
maintenance:
  reload_cron: "*/5 * * * *"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("yaml port: %d", cfg.Gateway.Port)
	}
	if len(cfg.Gateway.Tokens) != 1 || cfg.Gateway.Tokens[0].Token != "secret" {
		t.Errorf("tokens: %+v", cfg.Gateway.Tokens)
	}
	if cfg.Maintenance.ReloadCron != "*/5 * * * *" {
		t.Errorf("cron: %q", cfg.Maintenance.ReloadCron)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QTBRIDGE_GATEWAY_PORT", "7000")
	t.Setenv("QTBRIDGE_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "config.json", minimalJSON))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 7000 {
		t.Errorf("env port override: %d", cfg.Gateway.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("env log level override: %q", cfg.LogLevel)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no instances", `{"instances": []}`},
		{"missing id", `{"instances": [{"onebot_url": "ws://x", "telegram_bot_token": "t"}]}`},
		{"missing onebot url", `{"instances": [{"id": "a", "telegram_bot_token": "t"}]}`},
		{"missing bot token", `{"instances": [{"id": "a", "onebot_url": "ws://x"}]}`},
		{"duplicate ids", `{"instances": [
			{"id": "a", "onebot_url": "ws://x", "telegram_bot_token": "t"},
			{"id": "a", "onebot_url": "ws://y", "telegram_bot_token": "u"}
		]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, "config.json", tc.body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
