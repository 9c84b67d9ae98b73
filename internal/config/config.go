// Package config loads service configuration from environment variables and
// an optional yaml file via viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime configuration for the mail ingestion service.
type Config struct {
	HTTPAddr string
	DBPath   string
	NATSURL  string
	JWKSURL  string
	LogLevel string

	// Google OAuth client and push topic. Supplied externally; only checked
	// for presence.
	GoogleClientID     string
	GoogleClientSecret string
	// GoogleTokenURL overrides the token endpoint, used by tests.
	GoogleTokenURL string
	PushTopic      string
	WatchLabel     string

	PollInterval       time.Duration
	SweepInterval      time.Duration
	OutboxBatchSize    int
	PollWorkers        int
	ResyncLookbackDays int
	ResyncPageDelay    time.Duration

	// TrackingPrefix is the bracketed-token prefix embedded in outbound
	// subjects, e.g. CSP in [CSP-4821].
	TrackingPrefix string
	// TrackingHeader is the dedicated header checked before falling back to
	// subject scanning.
	TrackingHeader string
	// MinNameTokenLen is the minimum customer-name word length the heuristic
	// matcher considers, to avoid false positives on short words.
	MinNameTokenLen int
}

// Load reads configuration with sane defaults. Env vars use the MAILSYNC_
// prefix with underscores, e.g. MAILSYNC_GOOGLE_CLIENT_ID.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("db_path", "data/mailsync.db")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("jwks_url", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.token_url", "")
	v.SetDefault("push_topic", "")
	v.SetDefault("watch_label", "INBOX")

	v.SetDefault("poll_interval", 5*time.Minute)
	v.SetDefault("sweep_interval", time.Hour)
	v.SetDefault("outbox_batch_size", 100)
	v.SetDefault("poll_workers", 4)
	v.SetDefault("resync_lookback_days", 14)
	v.SetDefault("resync_page_delay", 500*time.Millisecond)

	v.SetDefault("tracking_prefix", "CSP")
	v.SetDefault("tracking_header", "X-CSP-Ref")
	v.SetDefault("min_name_token_len", 4)

	v.SetConfigName("mailsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/boltfreight")
	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return &Config{
		HTTPAddr:           v.GetString("http_addr"),
		DBPath:             v.GetString("db_path"),
		NATSURL:            v.GetString("nats_url"),
		JWKSURL:            v.GetString("jwks_url"),
		LogLevel:           v.GetString("log_level"),
		GoogleClientID:     v.GetString("google.client_id"),
		GoogleClientSecret: v.GetString("google.client_secret"),
		GoogleTokenURL:     v.GetString("google.token_url"),
		PushTopic:          v.GetString("push_topic"),
		WatchLabel:         v.GetString("watch_label"),
		PollInterval:       v.GetDuration("poll_interval"),
		SweepInterval:      v.GetDuration("sweep_interval"),
		OutboxBatchSize:    v.GetInt("outbox_batch_size"),
		PollWorkers:        v.GetInt("poll_workers"),
		ResyncLookbackDays: v.GetInt("resync_lookback_days"),
		ResyncPageDelay:    v.GetDuration("resync_page_delay"),
		TrackingPrefix:     v.GetString("tracking_prefix"),
		TrackingHeader:     v.GetString("tracking_header"),
		MinNameTokenLen:    v.GetInt("min_name_token_len"),
	}, nil
}
