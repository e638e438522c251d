// Package config defines the gateway configuration and its loading rules.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderID names one of the two upstream transports.
type ProviderID string

const (
	// ProviderCloud is the official HTTP/webhook provider (credential based).
	ProviderCloud ProviderID = "cloud"

	// ProviderSocket is the QR-authenticated socket provider.
	ProviderSocket ProviderID = "socket"
)

// Config is the full gateway configuration, loaded from yaml with env overrides.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AuthDir is the root under which per-tenant credential directories live.
	AuthDir string `yaml:"auth-dir"`

	// QueueFile is the inbound delivery queue persistence file.
	QueueFile string `yaml:"queue-file"`

	// PrimaryProvider is tried first for connects and sends.
	PrimaryProvider ProviderID `yaml:"primary-provider"`

	Cloud    CloudConfig    `yaml:"cloud"`
	Socket   SocketConfig   `yaml:"socket"`
	Fallback FallbackConfig `yaml:"fallback"`
	Polling  PollingConfig  `yaml:"polling"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Backend  BackendConfig  `yaml:"backend"`

	DeliveryLog DeliveryLogConfig `yaml:"delivery-log"`

	Debug         bool `yaml:"debug"`
	LoggingToFile bool `yaml:"logging-to-file"`
}

// CloudConfig configures the official HTTP provider.
type CloudConfig struct {
	Enabled       *bool  `yaml:"enabled,omitempty"`
	Token         string `yaml:"token,omitempty"`
	PhoneNumberID string `yaml:"phone-number-id,omitempty"`
	VerifyToken   string `yaml:"verify-token,omitempty"`
	BaseURL       string `yaml:"base-url,omitempty"`
}

// IsEnabled returns true unless explicitly disabled (default: true).
func (c *CloudConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// HasCredentials reports whether the cloud provider can be constructed at all.
func (c *CloudConfig) HasCredentials() bool {
	return c.Token != "" && c.PhoneNumberID != ""
}

// SocketConfig configures the QR socket provider.
type SocketConfig struct {
	Enabled    *bool  `yaml:"enabled,omitempty"`
	GatewayURL string `yaml:"gateway-url,omitempty"`
}

// IsEnabled returns true unless explicitly disabled (default: true).
func (s *SocketConfig) IsEnabled() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// FallbackConfig controls the send router's retry and failover behavior.
type FallbackConfig struct {
	Enabled      *bool            `yaml:"enabled,omitempty"`
	MaxRetries   int              `yaml:"max-retries,omitempty"`
	RetryDelayMs int              `yaml:"retry-delay-ms,omitempty"`
	Triggers     FallbackTriggers `yaml:"triggers,omitempty"`
}

// IsEnabled returns true unless explicitly disabled (default: true).
func (f *FallbackConfig) IsEnabled() bool {
	if f.Enabled == nil {
		return true
	}
	return *f.Enabled
}

// RetryDelay returns the configured base delay between same-provider retries.
func (f *FallbackConfig) RetryDelay() time.Duration {
	return time.Duration(f.RetryDelayMs) * time.Millisecond
}

// FallbackTriggers lists the error classes that switch providers (default all true).
type FallbackTriggers struct {
	Timeout       *bool `yaml:"timeout,omitempty"`
	RateLimit     *bool `yaml:"rate-limit,omitempty"`
	TemplateError *bool `yaml:"template-error,omitempty"`
	ServerError   *bool `yaml:"server-error,omitempty"`
}

func triggerEnabled(b *bool) bool {
	if b == nil {
		return true
	}
	return *b
}

func (t FallbackTriggers) TimeoutEnabled() bool       { return triggerEnabled(t.Timeout) }
func (t FallbackTriggers) RateLimitEnabled() bool     { return triggerEnabled(t.RateLimit) }
func (t FallbackTriggers) TemplateErrorEnabled() bool { return triggerEnabled(t.TemplateError) }
func (t FallbackTriggers) ServerErrorEnabled() bool   { return triggerEnabled(t.ServerError) }

// PollingConfig controls the outbound poller.
type PollingConfig struct {
	IntervalMs int `yaml:"interval-ms,omitempty"`
}

// Interval returns the poll interval.
func (p PollingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// WebhookConfig configures the application webhook target.
type WebhookConfig struct {
	URL       string `yaml:"url,omitempty"`
	TimeoutMs int    `yaml:"timeout-ms,omitempty"`
}

// Timeout returns the webhook POST timeout.
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutMs) * time.Millisecond
}

// BackendConfig configures the application backend pull/ack endpoints.
type BackendConfig struct {
	URL string `yaml:"url,omitempty"`
	Key string `yaml:"key,omitempty"`
}

// DeliveryLogConfig configures the send-outcome store.
type DeliveryLogConfig struct {
	DSN           string `yaml:"dsn,omitempty"`
	BatchSize     int    `yaml:"batch-size,omitempty"`
	FlushInterval string `yaml:"flush-interval,omitempty"`
	RetentionDays int    `yaml:"retention-days,omitempty"`
}

// NewDefaultConfig returns a config populated with all defaults.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8912
	}
	if cfg.AuthDir == "" {
		cfg.AuthDir = "auth"
	}
	if cfg.QueueFile == "" {
		cfg.QueueFile = "delivery-queue.json"
	}
	if cfg.PrimaryProvider == "" {
		cfg.PrimaryProvider = ProviderCloud
	}
	if cfg.Cloud.BaseURL == "" {
		cfg.Cloud.BaseURL = "https://graph.facebook.com/v19.0"
	}
	if cfg.Fallback.MaxRetries == 0 {
		cfg.Fallback.MaxRetries = 3
	}
	if cfg.Fallback.RetryDelayMs == 0 {
		cfg.Fallback.RetryDelayMs = 1000
	}
	if cfg.Polling.IntervalMs == 0 {
		cfg.Polling.IntervalMs = 5000
	}
	if cfg.Webhook.TimeoutMs == 0 {
		cfg.Webhook.TimeoutMs = 15000
	}
}

// Sanitize normalizes string fields in place.
func (cfg *Config) Sanitize() {
	cfg.PrimaryProvider = ProviderID(strings.TrimSpace(strings.ToLower(string(cfg.PrimaryProvider))))
	cfg.Cloud.Token = strings.TrimSpace(cfg.Cloud.Token)
	cfg.Cloud.PhoneNumberID = strings.TrimSpace(cfg.Cloud.PhoneNumberID)
	cfg.Cloud.VerifyToken = strings.TrimSpace(cfg.Cloud.VerifyToken)
	cfg.Cloud.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Cloud.BaseURL), "/")
	cfg.Socket.GatewayURL = strings.TrimSpace(cfg.Socket.GatewayURL)
	cfg.Webhook.URL = strings.TrimSpace(cfg.Webhook.URL)
	cfg.Backend.URL = strings.TrimRight(strings.TrimSpace(cfg.Backend.URL), "/")
	cfg.Backend.Key = strings.TrimSpace(cfg.Backend.Key)
	if cfg.PrimaryProvider != ProviderCloud && cfg.PrimaryProvider != ProviderSocket {
		cfg.PrimaryProvider = ProviderCloud
	}
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.Sanitize()
	return &cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but treats a missing file as nil config.
func LoadConfigOptional(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return cfg, err
}

// ApplyEnvOverrides applies MSGBRIDGE_* environment overrides for cloud deployment.
func (cfg *Config) ApplyEnvOverrides() {
	if v, ok := lookupInt("MSGBRIDGE_PORT"); ok {
		cfg.Port = v
	}
	if v, ok := lookupBool("MSGBRIDGE_DEBUG"); ok {
		cfg.Debug = v
	}
	if v, ok := os.LookupEnv("MSGBRIDGE_AUTH_DIR"); ok {
		cfg.AuthDir = v
	}
	if v, ok := os.LookupEnv("MSGBRIDGE_QUEUE_FILE"); ok {
		cfg.QueueFile = v
	}
	if v, ok := os.LookupEnv("MSGBRIDGE_PRIMARY_PROVIDER"); ok {
		cfg.PrimaryProvider = ProviderID(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := os.LookupEnv("MSGBRIDGE_CLOUD_TOKEN"); ok {
		cfg.Cloud.Token = v
	}
	if v, ok := os.LookupEnv("MSGBRIDGE_CLOUD_PHONE_NUMBER_ID"); ok {
		cfg.Cloud.PhoneNumberID = v
	}
	if v, ok := os.LookupEnv("MSGBRIDGE_CLOUD_VERIFY_TOKEN"); ok {
		cfg.Cloud.VerifyToken = v
	}
	if v, ok := os.LookupEnv("MSGBRIDGE_WEBHOOK_URL"); ok {
		cfg.Webhook.URL = v
	}
	if v, ok := os.LookupEnv("MSGBRIDGE_BACKEND_URL"); ok {
		cfg.Backend.URL = strings.TrimRight(v, "/")
	}
	if v, ok := os.LookupEnv("MSGBRIDGE_BACKEND_KEY"); ok {
		cfg.Backend.Key = v
	}
	if v, ok := os.LookupEnv("MSGBRIDGE_DELIVERY_LOG_DSN"); ok {
		cfg.DeliveryLog.DSN = v
	}
	if v, ok := lookupInt("MSGBRIDGE_POLLING_INTERVAL_MS"); ok {
		cfg.Polling.IntervalMs = v
	}
	if v, ok := lookupBool("MSGBRIDGE_LOGGING_TO_FILE"); ok {
		cfg.LoggingToFile = v
	}
}

func lookupInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, false
	}
	return b, true
}
