package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment overrides for secrets, usually kept in the session's .env file.
const (
	EnvStorageSecretKey     = "CHATSYNC_STORAGE_SECRET_KEY"
	EnvIndexerToken         = "CHATSYNC_INDEXER_TOKEN"
	EnvIndexerSigningSecret = "CHATSYNC_INDEXER_SIGNING_SECRET"
)

// Config is the per-session chatsync.toml.
type Config struct {
	User         User         `toml:"user"`
	Connectivity Connectivity `toml:"connectivity"`
	Remote       Remote       `toml:"remote"`
	Presence     Presence     `toml:"presence"`
	Storage      Storage      `toml:"storage"`
	Indexer      Indexer      `toml:"indexer"`
	Sync         Sync         `toml:"sync"`
}

type User struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
}

type Connectivity struct {
	ProbeURLs           []string `toml:"probe_urls"`
	ProbeTimeout        Duration `toml:"probe_timeout"`
	OfflinePollInterval Duration `toml:"offline_poll_interval"`
	// OnlineCheckInterval re-probes while online. Zero disables it.
	OnlineCheckInterval Duration `toml:"online_check_interval"`
}

type Remote struct {
	MongoURI string `toml:"mongo_uri"`
	Database string `toml:"database"`
	PageSize int    `toml:"page_size"`
}

type Presence struct {
	RedisURL           string   `toml:"redis_url"`
	HeartbeatInterval  Duration `toml:"heartbeat_interval"`
	StalenessThreshold Duration `toml:"staleness_threshold"`
	TypingTimeout      Duration `toml:"typing_timeout"`
}

type Storage struct {
	Bucket        string `toml:"bucket"`
	Region        string `toml:"region"`
	Endpoint      string `toml:"endpoint"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	PublicBaseURL string `toml:"public_base_url"`
	Category      string `toml:"category"`
}

// Indexer selects the outbound indexing sink. Kind is "", "webhook", "nats" or "kafka".
type Indexer struct {
	Kind          string   `toml:"kind"`
	Endpoint      string   `toml:"endpoint"`
	Token         string   `toml:"token"`
	SigningSecret string   `toml:"signing_secret"`
	Timeout       Duration `toml:"timeout"`
	NATSURL       string   `toml:"nats_url"`
	Subject       string   `toml:"subject"`
	KafkaBrokers  []string `toml:"kafka_brokers"`
	Topic         string   `toml:"topic"`
}

type Sync struct {
	MaxAutoRetries    int      `toml:"max_auto_retries"`
	MaxUploadAttempts int      `toml:"max_upload_attempts"`
	SweepInterval     Duration `toml:"sweep_interval"`
}

// DefaultProbeURLs are independent, well-known endpoints raced by the connectivity monitor.
var DefaultProbeURLs = []string{
	"https://www.google.com/generate_204",
	"https://www.cloudflare.com/cdn-cgi/trace",
	"https://www.apple.com/library/test/success.html",
}

// ApplyDefaults fills every unset value with its default.
func (c *Config) ApplyDefaults() {
	if len(c.Connectivity.ProbeURLs) == 0 {
		c.Connectivity.ProbeURLs = append([]string(nil), DefaultProbeURLs...)
	}
	setDuration(&c.Connectivity.ProbeTimeout, 2*time.Second)
	setDuration(&c.Connectivity.OfflinePollInterval, time.Second)
	setDuration(&c.Connectivity.OnlineCheckInterval, 15*time.Second)

	if c.Remote.Database == "" {
		c.Remote.Database = "chatsync"
	}
	if c.Remote.PageSize <= 0 {
		c.Remote.PageSize = 50
	}

	setDuration(&c.Presence.HeartbeatInterval, 30*time.Second)
	setDuration(&c.Presence.StalenessThreshold, 120*time.Second)
	setDuration(&c.Presence.TypingTimeout, 3*time.Second)

	if c.Storage.Category == "" {
		c.Storage.Category = "chat_media"
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}

	setDuration(&c.Indexer.Timeout, 10*time.Second)
	if c.Indexer.Subject == "" {
		c.Indexer.Subject = "chatsync.messages"
	}
	if c.Indexer.Topic == "" {
		c.Indexer.Topic = "chatsync.messages"
	}

	if c.Sync.MaxAutoRetries <= 0 {
		c.Sync.MaxAutoRetries = 2
	}
	if c.Sync.MaxUploadAttempts <= 0 {
		c.Sync.MaxUploadAttempts = 3
	}
	setDuration(&c.Sync.SweepInterval, time.Minute)
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

// Validate reports every missing required value at once.
func (c *Config) Validate() error {
	var errs []error
	if c.User.ID == "" {
		errs = append(errs, errors.New("user.id is required"))
	}
	if c.Remote.MongoURI == "" {
		errs = append(errs, errors.New("remote.mongo_uri is required"))
	}
	if c.Presence.RedisURL == "" {
		errs = append(errs, errors.New("presence.redis_url is required"))
	}
	if c.Storage.Bucket == "" {
		errs = append(errs, errors.New("storage.bucket is required"))
	}
	if c.Sync.MaxAutoRetries >= c.Sync.MaxUploadAttempts {
		errs = append(errs, fmt.Errorf("sync.max_auto_retries (%d) must be below sync.max_upload_attempts (%d)",
			c.Sync.MaxAutoRetries, c.Sync.MaxUploadAttempts))
	}
	switch c.Indexer.Kind {
	case "":
	case "webhook":
		if c.Indexer.Endpoint == "" {
			errs = append(errs, errors.New("indexer.endpoint is required for the webhook indexer"))
		}
	case "nats":
		if c.Indexer.NATSURL == "" {
			errs = append(errs, errors.New("indexer.nats_url is required for the nats indexer"))
		}
	case "kafka":
		if len(c.Indexer.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("indexer.kafka_brokers is required for the kafka indexer"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown indexer.kind %q", c.Indexer.Kind))
	}
	return errors.Join(errs...)
}

// LoadSession reads <dir>/chatsync.toml, applies <dir>/.env overrides and defaults.
// A missing .env is not an error; a missing chatsync.toml is.
func LoadSession(dir string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(filepath.Join(dir, "chatsync.toml"), &cfg); err != nil {
		return nil, fmt.Errorf("read session config: %w", err)
	}

	env, err := godotenv.Read(filepath.Join(dir, ".env"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read session env: %w", err)
	}
	lookup := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return env[key]
	}
	if v := lookup(EnvStorageSecretKey); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := lookup(EnvIndexerToken); v != "" {
		cfg.Indexer.Token = v
	}
	if v := lookup(EnvIndexerSigningSecret); v != "" {
		cfg.Indexer.SigningSecret = v
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}
