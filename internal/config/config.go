package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBSource string `yaml:"db_source"`
	Port     string `yaml:"port"`
	Env      string `yaml:"environment"`
	LogLevel string `yaml:"log_level"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Notify    NotifyConfig    `yaml:"notify"`
	SMS       SMSConfig       `yaml:"sms"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
}

type GatewayConfig struct {
	BaseURL             string `yaml:"base_url"`
	ClientID            string `yaml:"client_id"`
	ClientSecret        string `yaml:"client_secret"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	SafetyMarginSeconds int    `yaml:"safety_margin_seconds"`
	BulkConcurrency     int    `yaml:"bulk_concurrency"`
}

type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

type NotifyConfig struct {
	SMSEnabled              bool  `yaml:"sms_enabled"`
	EmailEnabled            bool  `yaml:"email_enabled"`
	ReminderOffsets         []int `yaml:"reminder_offsets"`
	EscalationThresholdDays int   `yaml:"escalation_threshold_days"`
	HumanHandoffDays        int   `yaml:"human_handoff_days"`
	PendingRecoveryMinutes  int   `yaml:"pending_recovery_minutes"`
	SweepConcurrency        int   `yaml:"sweep_concurrency"`
}

type SMSConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	SenderID       string `yaml:"sender_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	From           string `yaml:"from"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type SchedulerConfig struct {
	AutoStart                 bool `yaml:"auto_start"`
	ReminderIntervalMinutes   int  `yaml:"reminder_interval_minutes"`
	EscalationIntervalMinutes int  `yaml:"escalation_interval_minutes"`
	RecoveryIntervalMinutes   int  `yaml:"recovery_interval_minutes"`
	MaxRetries                int  `yaml:"max_retries"`
	RetryDelayMinutes         int  `yaml:"retry_delay_minutes"`
	LockTTLSeconds            int  `yaml:"lock_ttl_seconds"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns the configuration used when neither a file nor the
// environment says otherwise.
func Default() Config {
	return Config{
		Port:     "8080",
		Env:      "development",
		LogLevel: "info",
		Gateway: GatewayConfig{
			TimeoutSeconds:      15,
			SafetyMarginSeconds: 60,
			BulkConcurrency:     4,
		},
		Notify: NotifyConfig{
			SMSEnabled:              true,
			EmailEnabled:            true,
			ReminderOffsets:         []int{7, 3, 1, 0},
			EscalationThresholdDays: 3,
			HumanHandoffDays:        30,
			PendingRecoveryMinutes:  15,
			SweepConcurrency:        8,
		},
		SMS:  SMSConfig{TimeoutSeconds: 10},
		SMTP: SMTPConfig{Port: 587, TimeoutSeconds: 10},
		Scheduler: SchedulerConfig{
			AutoStart:                 true,
			ReminderIntervalMinutes:   60,
			EscalationIntervalMinutes: 240,
			RecoveryIntervalMinutes:   15,
			MaxRetries:                3,
			RetryDelayMinutes:         5,
			LockTTLSeconds:            300,
		},
		Kafka: KafkaConfig{Topic: "loanpay.settlements"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or CONFIG_FILE when path is empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	envString(&cfg.DBSource, "DB_SOURCE")
	envString(&cfg.Port, "SERVER_PORT")
	envString(&cfg.Env, "ENVIRONMENT")
	envString(&cfg.LogLevel, "LOG_LEVEL")

	envString(&cfg.Gateway.BaseURL, "GATEWAY_BASE_URL")
	envString(&cfg.Gateway.ClientID, "GATEWAY_CLIENT_ID")
	envString(&cfg.Gateway.ClientSecret, "GATEWAY_CLIENT_SECRET")
	envString(&cfg.Webhook.Secret, "GATEWAY_WEBHOOK_SECRET")

	envString(&cfg.SMS.BaseURL, "SMS_BASE_URL")
	envString(&cfg.SMS.APIKey, "SMS_API_KEY")
	envString(&cfg.SMS.SenderID, "SMS_SENDER_ID")

	envString(&cfg.SMTP.Host, "SMTP_HOST")
	envString(&cfg.SMTP.Username, "SMTP_USERNAME")
	envString(&cfg.SMTP.Password, "SMTP_PASSWORD")
	envString(&cfg.SMTP.From, "SMTP_FROM")

	envString(&cfg.Redis.URL, "REDIS_URL")
	envString(&cfg.Kafka.Topic, "KAFKA_TOPIC")
	envCSV(&cfg.Kafka.Brokers, "KAFKA_BROKERS")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Gateway.TimeoutSeconds, "GATEWAY_TIMEOUT_SECONDS"},
		{&cfg.Gateway.SafetyMarginSeconds, "GATEWAY_SAFETY_MARGIN_SECONDS"},
		{&cfg.Gateway.BulkConcurrency, "GATEWAY_BULK_CONCURRENCY"},
		{&cfg.Notify.EscalationThresholdDays, "NOTIFY_ESCALATION_THRESHOLD_DAYS"},
		{&cfg.Notify.HumanHandoffDays, "NOTIFY_HUMAN_HANDOFF_DAYS"},
		{&cfg.Notify.PendingRecoveryMinutes, "NOTIFY_PENDING_RECOVERY_MINUTES"},
		{&cfg.Notify.SweepConcurrency, "NOTIFY_SWEEP_CONCURRENCY"},
		{&cfg.SMS.TimeoutSeconds, "SMS_TIMEOUT_SECONDS"},
		{&cfg.SMTP.Port, "SMTP_PORT"},
		{&cfg.SMTP.TimeoutSeconds, "SMTP_TIMEOUT_SECONDS"},
		{&cfg.Scheduler.ReminderIntervalMinutes, "SCHEDULER_REMINDER_INTERVAL_MINUTES"},
		{&cfg.Scheduler.EscalationIntervalMinutes, "SCHEDULER_ESCALATION_INTERVAL_MINUTES"},
		{&cfg.Scheduler.RecoveryIntervalMinutes, "SCHEDULER_RECOVERY_INTERVAL_MINUTES"},
		{&cfg.Scheduler.MaxRetries, "SCHEDULER_MAX_RETRIES"},
		{&cfg.Scheduler.RetryDelayMinutes, "SCHEDULER_RETRY_DELAY_MINUTES"},
		{&cfg.Scheduler.LockTTLSeconds, "SCHEDULER_LOCK_TTL_SECONDS"},
	}
	for _, e := range ints {
		if err := envInt(e.dst, e.key); err != nil {
			return err
		}
	}

	bools := []struct {
		dst *bool
		key string
	}{
		{&cfg.Notify.SMSEnabled, "NOTIFY_SMS_ENABLED"},
		{&cfg.Notify.EmailEnabled, "NOTIFY_EMAIL_ENABLED"},
		{&cfg.Scheduler.AutoStart, "SCHEDULER_AUTO_START"},
	}
	for _, e := range bools {
		if err := envBool(e.dst, e.key); err != nil {
			return err
		}
	}

	if raw := strings.TrimSpace(os.Getenv("NOTIFY_REMINDER_OFFSETS")); raw != "" {
		var offsets []int
		for _, part := range strings.Split(raw, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return fmt.Errorf("NOTIFY_REMINDER_OFFSETS: %q is not an integer", part)
			}
			offsets = append(offsets, n)
		}
		cfg.Notify.ReminderOffsets = offsets
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.DBSource == "" {
		return fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if c.Gateway.TimeoutSeconds <= 0 {
		return fmt.Errorf("gateway timeout must be positive")
	}
	if c.Notify.EscalationThresholdDays < 1 {
		return fmt.Errorf("escalation threshold must be at least one day")
	}
	for _, off := range c.Notify.ReminderOffsets {
		if off < 0 {
			return fmt.Errorf("reminder offset %d is negative", off)
		}
	}
	if c.Scheduler.MaxRetries < 1 {
		return fmt.Errorf("scheduler max retries must be at least 1")
	}
	for name, v := range map[string]int{
		"reminder":   c.Scheduler.ReminderIntervalMinutes,
		"escalation": c.Scheduler.EscalationIntervalMinutes,
		"recovery":   c.Scheduler.RecoveryIntervalMinutes,
	} {
		if v <= 0 {
			return fmt.Errorf("scheduler %s interval must be positive", name)
		}
	}
	return nil
}

func (g GatewayConfig) Timeout() time.Duration { return time.Duration(g.TimeoutSeconds) * time.Second }

func (g GatewayConfig) SafetyMargin() time.Duration {
	return time.Duration(g.SafetyMarginSeconds) * time.Second
}

func (s SMSConfig) Timeout() time.Duration { return time.Duration(s.TimeoutSeconds) * time.Second }

func (s SMTPConfig) Timeout() time.Duration { return time.Duration(s.TimeoutSeconds) * time.Second }

func (n NotifyConfig) PendingRecoveryAfter() time.Duration {
	return time.Duration(n.PendingRecoveryMinutes) * time.Minute
}

func (s SchedulerConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMinutes) * time.Minute
}

func (s SchedulerConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLSeconds) * time.Second
}

// IsProduction reports whether the service runs with production defaults
// (JSON logs).
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, v)
	}
	*dst = n
	return nil
}

func envBool(dst *bool, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	*dst = b
	return nil
}

func envCSV(dst *[]string, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
