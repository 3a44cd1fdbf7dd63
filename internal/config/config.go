// Package config provides configuration management for tickwatch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	apperrors "tickwatch/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig       `mapstructure:"server"`
	Store         StoreConfig        `mapstructure:"store"`
	Log           LogConfig          `mapstructure:"log"`
	Feeds         FeedsConfig        `mapstructure:"feeds"`
	Cache         CacheConfig        `mapstructure:"cache"`
	Engine        EngineConfig       `mapstructure:"engine"`
	Governor      GovernorConfig     `mapstructure:"governor"`
	Sender        SenderConfig       `mapstructure:"sender"`
	Dispatcher    DispatcherConfig   `mapstructure:"dispatcher"`
	Provider      ProviderConfig     `mapstructure:"provider"`
	Realtime      RealtimeConfig     `mapstructure:"realtime"`
	Social        SocialConfig       `mapstructure:"social"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release, test
}

// StoreConfig holds the SQLite store location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig mirrors logging.LogConfig for the config file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// FeedsConfig holds market-data feed configuration.
type FeedsConfig struct {
	Binance    FeedConfig       `mapstructure:"binance"`
	OKX        FeedConfig       `mapstructure:"okx"`
	Connection ConnectionConfig `mapstructure:"connection"`
}

// FeedConfig holds one exchange feed.
type FeedConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	URL     string   `mapstructure:"url"`
	Symbols []string `mapstructure:"symbols"`
}

// ConnectionConfig holds reconnect and heartbeat parameters shared by every feed.
type ConnectionConfig struct {
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	Multiplier        float64       `mapstructure:"multiplier"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
}

// CacheConfig holds price cache parameters.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// EngineConfig holds evaluation engine parameters.
type EngineConfig struct {
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// ChannelLimits holds the governance limits of one channel.
type ChannelLimits struct {
	DailyCap  int           `mapstructure:"daily_cap"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
	PerMinute int           `mapstructure:"per_minute"`
}

// GovernorConfig holds usage governance configuration.
type GovernorConfig struct {
	Call          ChannelLimits `mapstructure:"call"`
	SMS           ChannelLimits `mapstructure:"sms"`
	RiskThreshold int           `mapstructure:"risk_threshold"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
	BypassUsers   []string      `mapstructure:"bypass_users"`
}

// SenderConfig holds the outbound identity pool.
type SenderConfig struct {
	Identities     []string `mapstructure:"identities"`
	BackupIdentity string   `mapstructure:"backup_identity"`
	Strategy       string   `mapstructure:"strategy"` // round_robin, weighted
	MaxConsecutive int      `mapstructure:"max_consecutive"`
}

// DispatcherConfig holds message shaping and retry parameters.
type DispatcherConfig struct {
	WordsPerMinute    int           `mapstructure:"words_per_minute"`
	MaxCallSeconds    int           `mapstructure:"max_call_seconds"`
	SMSMaxLength      int           `mapstructure:"sms_max_length"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	FallbackEnabled   bool          `mapstructure:"fallback_enabled"`
	Voice             string        `mapstructure:"voice"`
}

// ProviderConfig holds the voice/SMS provider endpoint configuration.
type ProviderConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	StatusCallbackURL string        `mapstructure:"status_callback_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RetryableCodes    []string      `mapstructure:"retryable_codes"`
}

// RealtimeConfig holds SSE fan-out parameters.
type RealtimeConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxLifetime       time.Duration `mapstructure:"max_lifetime"`
	BufferSize        int           `mapstructure:"buffer_size"`
}

// SocialConfig holds social feed polling configuration.
type SocialConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	SeenCapacity int               `mapstructure:"seen_capacity"`
	Proxies      []string          `mapstructure:"proxies"`
	Feeds        map[string]string `mapstructure:"feeds"` // account -> feed URL
}

// NotificationConfig toggles outbound delivery.
type NotificationConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Telegram bool `mapstructure:"telegram"`
}

// Credentials holds API credentials.
type Credentials struct {
	Provider ProviderCredentials `mapstructure:"provider"`
	Telegram TelegramCredentials `mapstructure:"telegram"`
}

// ProviderCredentials holds voice/SMS provider credentials.
type ProviderCredentials struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
}

// TelegramCredentials holds the bot token.
type TelegramCredentials struct {
	BotToken string `mapstructure:"bot_token"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tickwatch"
	}
	return filepath.Join(home, ".config", "tickwatch")
}

// Default returns a configuration populated with built-in defaults.
func Default() *Config {
	dir := DefaultConfigDir()
	return &Config{
		Server: ServerConfig{Addr: ":8080", Mode: "release"},
		Store:  StoreConfig{Path: filepath.Join(dir, "tickwatch.db")},
		Log: LogConfig{
			Level:      "info",
			Console:    true,
			File:       true,
			FilePath:   filepath.Join(dir, "logs", "tickwatch.log"),
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
		},
		Feeds: FeedsConfig{
			Binance: FeedConfig{URL: "wss://stream.binance.com:9443/ws"},
			OKX:     FeedConfig{URL: "wss://ws.okx.com:8443/ws/v5/public"},
			Connection: ConnectionConfig{
				InitialBackoff:    time.Second,
				MaxBackoff:        30 * time.Second,
				Multiplier:        2,
				MaxAttempts:       5,
				HeartbeatInterval: 30 * time.Second,
				HeartbeatTimeout:  10 * time.Second,
			},
		},
		Cache: CacheConfig{TTL: 5 * time.Minute, SweepInterval: time.Minute},
		Engine: EngineConfig{
			ReloadInterval: 30 * time.Second,
			Workers:        4,
			QueueSize:      256,
		},
		Governor: GovernorConfig{
			Call:          ChannelLimits{DailyCap: 30, Cooldown: 60 * time.Second, PerMinute: 3},
			SMS:           ChannelLimits{DailyCap: 50, Cooldown: 30 * time.Second, PerMinute: 5},
			RiskThreshold: 50,
			BlockDuration: time.Hour,
		},
		Sender: SenderConfig{Strategy: "round_robin", MaxConsecutive: 3},
		Dispatcher: DispatcherConfig{
			WordsPerMinute:    150,
			MaxCallSeconds:    60,
			SMSMaxLength:      160,
			MaxAttempts:       3,
			InitialBackoff:    time.Second,
			BackoffMultiplier: 2,
			FallbackEnabled:   true,
			Voice:             "alice",
		},
		Provider: ProviderConfig{
			BaseURL:        "https://api.twilio.com/2010-04-01",
			Timeout:        10 * time.Second,
			RetryableCodes: []string{"20429", "20500", "20503", "31005", "31009"},
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval: 30 * time.Second,
			MaxLifetime:       30 * time.Minute,
			BufferSize:        64,
		},
		Social: SocialConfig{
			PollInterval: time.Minute,
			SeenCapacity: 200,
			Feeds:        map[string]string{},
		},
		Notifications: NotificationConfig{Enabled: true},
	}
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	// Load main config
	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	// Load credentials
	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	// Provider credentials
	if v := os.Getenv("TICKWATCH_PROVIDER_ACCOUNT_SID"); v != "" {
		cfg.Credentials.Provider.AccountSID = v
	}
	if v := os.Getenv("TICKWATCH_PROVIDER_AUTH_TOKEN"); v != "" {
		cfg.Credentials.Provider.AuthToken = v
	}

	// Telegram
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Credentials.Telegram.BotToken = v
	}

	if v := os.Getenv("TICKWATCH_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TICKWATCH_DB"); v != "" {
		cfg.Store.Path = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Notifications.Enabled {
		if c.Credentials.Provider.AccountSID == "" || c.Credentials.Provider.AuthToken == "" {
			return apperrors.ErrMissingCredentials
		}
		if c.Notifications.Telegram && c.Credentials.Telegram.BotToken == "" {
			return fmt.Errorf("%w: telegram bot token", apperrors.ErrMissingCredentials)
		}
	}

	conn := c.Feeds.Connection
	if conn.InitialBackoff <= 0 || conn.MaxBackoff < conn.InitialBackoff {
		return fmt.Errorf("%w: backoff must satisfy 0 < initial_backoff <= max_backoff", apperrors.ErrConfigInvalid)
	}
	if conn.Multiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier must be >= 1", apperrors.ErrConfigInvalid)
	}
	if conn.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be positive", apperrors.ErrConfigInvalid)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("%w: cache ttl must be positive", apperrors.ErrConfigInvalid)
	}
	if c.Cache.SweepInterval <= 0 || c.Engine.ReloadInterval <= 0 {
		return fmt.Errorf("%w: sweep_interval and reload_interval must be positive", apperrors.ErrConfigInvalid)
	}
	if c.Engine.Workers <= 0 || c.Engine.QueueSize <= 0 {
		return fmt.Errorf("%w: engine workers and queue_size must be positive", apperrors.ErrConfigInvalid)
	}
	if c.Social.Enabled && c.Social.PollInterval <= 0 {
		return fmt.Errorf("%w: social poll_interval must be positive", apperrors.ErrConfigInvalid)
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: realtime heartbeat_interval must be positive", apperrors.ErrConfigInvalid)
	}
	if c.Governor.Call.DailyCap < 0 || c.Governor.SMS.DailyCap < 0 {
		return fmt.Errorf("%w: daily caps must be non-negative", apperrors.ErrConfigInvalid)
	}
	switch c.Sender.Strategy {
	case "", "round_robin", "weighted":
	default:
		return fmt.Errorf("%w: unknown sender strategy %q", apperrors.ErrConfigInvalid, c.Sender.Strategy)
	}
	if c.Dispatcher.WordsPerMinute <= 0 || c.Dispatcher.MaxCallSeconds <= 0 {
		return fmt.Errorf("%w: words_per_minute and max_call_seconds must be positive", apperrors.ErrConfigInvalid)
	}

	return nil
}

