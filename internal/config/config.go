// Package config loads client and server settings from flags, environment and an optional file.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/journal-sync/internal/syncapi"
	"github.com/spf13/viper"
)

const (
	envPrefix = "JOURNAL_SYNC"

	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultServerDatabasePath = "journal-sync-server.db"
	defaultClientDatabasePath = "journal.db"
	defaultServerBaseURL      = "http://127.0.0.1:8080"
	defaultLogLevel           = "info"
	defaultTokenIssuer        = "journal-sync-server"
	defaultTokenAudience      = "journal-sync"
	defaultTokenTTLMinutes    = 30 * 24 * 60
	defaultMaxPageSize        = 500
	defaultSyncTimeout        = 15 * time.Second
	defaultPageSize           = 200
	defaultPushBatchSize      = 100
	defaultFailureThreshold   = 3
	defaultTieBreak           = "local"
	defaultQuietPeriod        = 3 * time.Second
	defaultProbeInterval      = 10 * time.Second
	defaultBackoffBase        = time.Second
	defaultBackoffCap         = 30 * time.Second
	defaultMaxRetries         = 5
)

// ServerConfig captures runtime configuration for the reference sync server.
type ServerConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	TokenTTL       time.Duration
	MaxPageSize    int
	AllowedOrigins []string
}

// ClientConfig captures runtime configuration for the device sync client.
type ClientConfig struct {
	OwnerID          string
	Token            string
	ServerBaseURL    string
	ChannelURL       string
	DatabasePath     string
	LogLevel         string
	LogFile          string
	SyncTimeout      time.Duration
	PageSize         int
	PushBatchSize    int
	FailureThreshold int
	TieBreak         string
	QuietPeriod      time.Duration
	ProbeInterval    time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	MaxRetries       int
}

// NewViper returns a viper instance with env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	applyEnv(configViper)
	return configViper
}

func applyEnv(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()
}

// ApplyServerDefaults configures server defaults and env bindings on the provided viper instance.
func ApplyServerDefaults(configViper *viper.Viper) {
	applyEnv(configViper)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultServerDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.issuer", defaultTokenIssuer)
	configViper.SetDefault("token.audience", defaultTokenAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.max_page_size", defaultMaxPageSize)
}

// ApplyClientDefaults configures client defaults and env bindings on the provided viper instance.
func ApplyClientDefaults(configViper *viper.Viper) {
	applyEnv(configViper)
	configViper.SetDefault("server.base_url", defaultServerBaseURL)
	configViper.SetDefault("server.channel_url", "")
	configViper.SetDefault("database.path", defaultClientDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("sync.timeout", defaultSyncTimeout)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.push_batch_size", defaultPushBatchSize)
	configViper.SetDefault("sync.failure_threshold", defaultFailureThreshold)
	configViper.SetDefault("sync.tie_break", defaultTieBreak)
	configViper.SetDefault("connectivity.quiet_period", defaultQuietPeriod)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("channel.backoff_base", defaultBackoffBase)
	configViper.SetDefault("channel.backoff_cap", defaultBackoffCap)
	configViper.SetDefault("channel.max_retries", defaultMaxRetries)
}

// LoadServer parses server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("token.issuer"),
		TokenAudience:  configViper.GetString("token.audience"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		MaxPageSize:    configViper.GetInt("sync.max_page_size"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
	}
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.MaxPageSize <= 0 {
		return fmt.Errorf("sync.max_page_size must be positive")
	}
	return nil
}

// LoadClient parses client configuration from viper. An empty channel url is derived from the
// server base url.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		OwnerID:          strings.TrimSpace(configViper.GetString("owner.id")),
		Token:            strings.TrimSpace(configViper.GetString("auth.token")),
		ServerBaseURL:    strings.TrimRight(strings.TrimSpace(configViper.GetString("server.base_url")), "/"),
		ChannelURL:       strings.TrimSpace(configViper.GetString("server.channel_url")),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		LogFile:          configViper.GetString("log.file"),
		SyncTimeout:      configViper.GetDuration("sync.timeout"),
		PageSize:         configViper.GetInt("sync.page_size"),
		PushBatchSize:    configViper.GetInt("sync.push_batch_size"),
		FailureThreshold: configViper.GetInt("sync.failure_threshold"),
		TieBreak:         strings.ToLower(strings.TrimSpace(configViper.GetString("sync.tie_break"))),
		QuietPeriod:      configViper.GetDuration("connectivity.quiet_period"),
		ProbeInterval:    configViper.GetDuration("connectivity.probe_interval"),
		BackoffBase:      configViper.GetDuration("channel.backoff_base"),
		BackoffCap:       configViper.GetDuration("channel.backoff_cap"),
		MaxRetries:       configViper.GetInt("channel.max_retries"),
	}
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	if cfg.ChannelURL == "" {
		channelURL, err := DeriveChannelURL(cfg.ServerBaseURL)
		if err != nil {
			return ClientConfig{}, err
		}
		cfg.ChannelURL = channelURL
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	if c.OwnerID == "" {
		return fmt.Errorf("owner.id is required")
	}
	if c.Token == "" {
		return fmt.Errorf("auth.token is required")
	}
	if c.ServerBaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PageSize <= 0 || c.PushBatchSize <= 0 {
		return fmt.Errorf("sync.page_size and sync.push_batch_size must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("channel.max_retries must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("channel.backoff_base must be positive and not exceed channel.backoff_cap")
	}
	switch c.TieBreak {
	case "local", "version":
	default:
		return fmt.Errorf("sync.tie_break must be local or version, got %q", c.TieBreak)
	}
	return nil
}

// DeriveChannelURL maps http(s)://host to ws(s)://host/v1/channel.
func DeriveChannelURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("server.base_url is invalid: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("server.base_url must use http or https, got %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + syncapi.RouteChannel
	return parsed.String(), nil
}
