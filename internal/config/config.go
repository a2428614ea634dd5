package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Zulip  ZulipConfig  `mapstructure:"zulip"`
	Gotify GotifyConfig `mapstructure:"gotify"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ZulipConfig holds the event source account and polling settings
type ZulipConfig struct {
	ZulipRC         string        `mapstructure:"zuliprc"`
	Site            string        `mapstructure:"site"`
	Email           string        `mapstructure:"email"`
	APIKey          string        `mapstructure:"api_key"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	EventTypes      []string      `mapstructure:"event_types"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
}

// GotifyConfig holds the notification sink settings
type GotifyConfig struct {
	PostURL         string        `mapstructure:"post_url"`
	Priority        int           `mapstructure:"priority"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// RelayConfig holds the classification and dedup settings
type RelayConfig struct {
	IgnoredSender   string        `mapstructure:"ignored_sender"`
	DedupTTL        time.Duration `mapstructure:"dedup_ttl"`
	DedupMaxEntries int           `mapstructure:"dedup_max_entries"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Events bool   `mapstructure:"events"`
}

// Overrides are values given on the command line. Empty fields are ignored.
type Overrides struct {
	ConfigFile    string
	ZulipRC       string
	GotifyURL     string
	IgnoredSender string
}

// LoadConfig loads configuration from defaults, an optional config file,
// environment variables, command-line overrides and finally the zuliprc file
func LoadConfig(o Overrides) (*Config, error) {
	v := viper.New()

	if o.ConfigFile != "" {
		v.SetConfigFile(o.ConfigFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Set defaults
	setDefaults(v)

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if o.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.AutomaticEnv()
	bindEnvVars(v)

	applyOverrides(v, o)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := loadZulipRC(&cfg.Zulip); err != nil {
		return nil, err
	}
	cfg.Zulip.Site = normalizeSite(cfg.Zulip.Site)

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("zulip.zuliprc", "zuliprc")
	v.SetDefault("zulip.poll_timeout", "100s")
	v.SetDefault("zulip.retry_max_elapsed", "24h")

	v.SetDefault("gotify.timeout", "10s")
	v.SetDefault("gotify.breaker_failures", 5)
	v.SetDefault("gotify.breaker_cooldown", "30s")

	v.SetDefault("relay.dedup_ttl", "120s")
	v.SetDefault("relay.dedup_max_entries", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.events", false)
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	_ = v.BindEnv("server.enabled", "SERVER_ENABLED")
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	_ = v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Zulip
	_ = v.BindEnv("zulip.zuliprc", "ZULIP_RC")
	_ = v.BindEnv("zulip.site", "ZULIP_SITE")
	_ = v.BindEnv("zulip.email", "ZULIP_EMAIL")
	_ = v.BindEnv("zulip.api_key", "ZULIP_API_KEY")
	_ = v.BindEnv("zulip.poll_timeout", "ZULIP_POLL_TIMEOUT")
	_ = v.BindEnv("zulip.event_types", "ZULIP_EVENT_TYPES")
	_ = v.BindEnv("zulip.retry_max_elapsed", "ZULIP_RETRY_MAX_ELAPSED")

	// Gotify
	_ = v.BindEnv("gotify.post_url", "GOTIFY_POST_URL")
	_ = v.BindEnv("gotify.priority", "GOTIFY_PRIORITY")
	_ = v.BindEnv("gotify.timeout", "GOTIFY_TIMEOUT")
	_ = v.BindEnv("gotify.breaker_failures", "GOTIFY_BREAKER_FAILURES")
	_ = v.BindEnv("gotify.breaker_cooldown", "GOTIFY_BREAKER_COOLDOWN")

	// Relay
	_ = v.BindEnv("relay.ignored_sender", "RELAY_IGNORED_SENDER")
	_ = v.BindEnv("relay.dedup_ttl", "RELAY_DEDUP_TTL")
	_ = v.BindEnv("relay.dedup_max_entries", "RELAY_DEDUP_MAX_ENTRIES")
	_ = v.BindEnv("relay.sweep_schedule", "RELAY_SWEEP_SCHEDULE")

	// Log
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.format", "LOG_FORMAT")
	_ = v.BindEnv("log.events", "LOG_EVENTS")
}

func applyOverrides(v *viper.Viper, o Overrides) {
	if o.ZulipRC != "" {
		v.Set("zulip.zuliprc", o.ZulipRC)
	}
	if o.GotifyURL != "" {
		v.Set("gotify.post_url", o.GotifyURL)
	}
	if o.IgnoredSender != "" {
		v.Set("relay.ignored_sender", o.IgnoredSender)
	}
}

// loadZulipRC fills unset account fields from the [api] section of a
// zuliprc file. A missing file is not an error; Validate reports whatever
// is still unset.
func loadZulipRC(cfg *ZulipConfig) error {
	if cfg.ZulipRC == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(cfg.ZulipRC, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to expand zuliprc path: %w", err)
		}
		cfg.ZulipRC = filepath.Join(home, rest)
	}
	if _, err := os.Stat(cfg.ZulipRC); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	rc := viper.New()
	rc.SetConfigFile(cfg.ZulipRC)
	rc.SetConfigType("ini")
	if err := rc.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading zuliprc %s: %w", cfg.ZulipRC, err)
	}

	if cfg.Email == "" {
		cfg.Email = rc.GetString("api.email")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = rc.GetString("api.key")
	}
	if cfg.Site == "" {
		cfg.Site = rc.GetString("api.site")
	}
	return nil
}

// normalizeSite defaults the scheme to https and drops any trailing slash.
func normalizeSite(site string) string {
	site = strings.TrimSpace(site)
	if site == "" {
		return ""
	}
	if !strings.Contains(site, "://") {
		site = "https://" + site
	}
	return strings.TrimRight(site, "/")
}

// SuppressionIdentity returns the sender whose events never notify. An
// explicitly ignored sender replaces the account's own address.
func (c *RelayConfig) SuppressionIdentity(ownEmail string) string {
	if c.IgnoredSender != "" {
		return c.IgnoredSender
	}
	return ownEmail
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Enabled && c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Zulip.Site == "" || c.Zulip.Email == "" || c.Zulip.APIKey == "" {
		return fmt.Errorf("zulip site, email, and api_key are required (set them or provide a zuliprc)")
	}
	if c.Zulip.PollTimeout <= 0 {
		return fmt.Errorf("zulip poll timeout must be greater than 0")
	}

	if c.Gotify.PostURL == "" {
		return fmt.Errorf("gotify post_url is required")
	}
	u, err := url.Parse(c.Gotify.PostURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("gotify post_url must be an absolute http(s) URL")
	}
	if c.Gotify.Timeout < 0 {
		return fmt.Errorf("gotify timeout must not be negative")
	}

	if c.Relay.DedupTTL < 0 {
		return fmt.Errorf("dedup ttl must not be negative")
	}
	if c.Relay.DedupMaxEntries < 0 {
		return fmt.Errorf("dedup max entries must not be negative")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log format must be json or text")
	}

	return nil
}
