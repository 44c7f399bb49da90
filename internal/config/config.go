package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "PEERCHAT"
	defaultHTTPAddress       = "127.0.0.1:8787"
	defaultDataDir           = "peerchat-data"
	defaultLogLevel          = "info"
	defaultNATSURL           = ""
	defaultNATSPort          = 4222
	defaultTokenTTLMinutes   = 24 * 60
	defaultDeviceName        = "default"
	defaultPairingTimeout    = 30 * time.Second
	defaultDownloadTimeout   = 2 * time.Minute
	defaultSettleTimeout     = 10 * time.Second
	defaultInviteTTL         = 24 * time.Hour
	defaultHeartbeatInterval = 15 * time.Second
	databaseFileName         = "peerchat.db"
)

// AppConfig captures runtime configuration for a peerchat node.
type AppConfig struct {
	HTTPAddress       string
	DataDir           string
	LogLevel          string
	NATSURL           string
	NATSEmbedded      bool
	NATSPort          int
	NATSStoreDir      string
	SigningSecret     string
	TokenTTL          time.Duration
	DeviceName        string
	PairingTimeout    time.Duration
	DownloadTimeout   time.Duration
	SettleTimeout     time.Duration
	InviteTTL         time.Duration
	HeartbeatInterval time.Duration
}

// DatabasePath is the registry database inside the data directory.
func (c AppConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, databaseFileName)
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("data.dir", defaultDataDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("nats.url", defaultNATSURL)
	configViper.SetDefault("nats.embedded", true)
	configViper.SetDefault("nats.port", defaultNATSPort)
	configViper.SetDefault("nats.store_dir", "")
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("device.name", defaultDeviceName)
	configViper.SetDefault("pairing.timeout", defaultPairingTimeout)
	configViper.SetDefault("download.timeout", defaultDownloadTimeout)
	configViper.SetDefault("swarm.settle_timeout", defaultSettleTimeout)
	configViper.SetDefault("invite.ttl", defaultInviteTTL)
	configViper.SetDefault("events.heartbeat", defaultHeartbeatInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       strings.TrimSpace(configViper.GetString("http.address")),
		DataDir:           strings.TrimSpace(configViper.GetString("data.dir")),
		LogLevel:          configViper.GetString("log.level"),
		NATSURL:           strings.TrimSpace(configViper.GetString("nats.url")),
		NATSEmbedded:      configViper.GetBool("nats.embedded"),
		NATSPort:          configViper.GetInt("nats.port"),
		NATSStoreDir:      strings.TrimSpace(configViper.GetString("nats.store_dir")),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		DeviceName:        strings.TrimSpace(configViper.GetString("device.name")),
		PairingTimeout:    configViper.GetDuration("pairing.timeout"),
		DownloadTimeout:   configViper.GetDuration("download.timeout"),
		SettleTimeout:     configViper.GetDuration("swarm.settle_timeout"),
		InviteTTL:         configViper.GetDuration("invite.ttl"),
		HeartbeatInterval: configViper.GetDuration("events.heartbeat"),
	}
	if cfg.NATSStoreDir == "" && cfg.DataDir != "" {
		cfg.NATSStoreDir = filepath.Join(cfg.DataDir, "jetstream")
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data.dir is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if !c.NATSEmbedded && c.NATSURL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	if c.NATSEmbedded && (c.NATSPort < 0 || c.NATSPort > 65535) {
		return fmt.Errorf("nats.port %d is out of range", c.NATSPort)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	for key, value := range map[string]time.Duration{
		"pairing.timeout":      c.PairingTimeout,
		"download.timeout":     c.DownloadTimeout,
		"swarm.settle_timeout": c.SettleTimeout,
		"invite.ttl":           c.InviteTTL,
		"events.heartbeat":     c.HeartbeatInterval,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
