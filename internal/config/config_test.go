package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("CONFIG_FILE", "")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "DB_SOURCE") {
		t.Fatalf("Load() error = %v, want DB_SOURCE error", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/loanpay")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if want := []int{7, 3, 1, 0}; !reflect.DeepEqual(cfg.Notify.ReminderOffsets, want) {
		t.Errorf("ReminderOffsets = %v, want %v", cfg.Notify.ReminderOffsets, want)
	}
	if cfg.Gateway.SafetyMargin().Seconds() != 60 {
		t.Errorf("SafetyMargin = %v, want 60s", cfg.Gateway.SafetyMargin())
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loanpay.yaml")
	yamlDoc := `
db_source: postgres://file/loanpay
port: "9090"
gateway:
  base_url: https://gateway.example
  timeout_seconds: 5
notify:
  sms_enabled: false
  reminder_offsets: [5, 2]
scheduler:
  max_retries: 4
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DB_SOURCE", "")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("NOTIFY_REMINDER_OFFSETS", "3, 0")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"db source from file", cfg.DBSource, "postgres://file/loanpay"},
		{"port from env", cfg.Port, "7070"},
		{"gateway url", cfg.Gateway.BaseURL, "https://gateway.example"},
		{"gateway timeout", cfg.Gateway.TimeoutSeconds, 5},
		{"sms disabled", cfg.Notify.SMSEnabled, false},
		{"email default kept", cfg.Notify.EmailEnabled, true},
		{"offsets from env", cfg.Notify.ReminderOffsets, []int{3, 0}},
		{"max retries", cfg.Scheduler.MaxRetries, 4},
		{"brokers", cfg.Kafka.Brokers, []string{"k1:9092", "k2:9092"}},
	}
	for _, tt := range tests {
		if !reflect.DeepEqual(tt.got, tt.want) {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/loanpay")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SCHEDULER_MAX_RETRIES", "three")

	if _, err := Load(""); err == nil {
		t.Fatal("Load() error = nil, want parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.Gateway.TimeoutSeconds = 0 }},
		{"zero threshold", func(c *Config) { c.Notify.EscalationThresholdDays = 0 }},
		{"negative offset", func(c *Config) { c.Notify.ReminderOffsets = []int{3, -1} }},
		{"zero retries", func(c *Config) { c.Scheduler.MaxRetries = 0 }},
		{"zero interval", func(c *Config) { c.Scheduler.RecoveryIntervalMinutes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.DBSource = "postgres://localhost/loanpay"
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
