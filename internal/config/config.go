package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory    = "memory"
	BackendFile      = "file"
	BackendPostgres  = "postgres"
	BackendMongo     = "mongo"
	BackendCouchbase = "couchbase"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Clinical   ClinicalConfig   `mapstructure:"clinical"`
	Migrations MigrationsConfig `mapstructure:"migrations"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	TLS            struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	// EncryptionKey enables at-rest encryption of every stored value when set.
	EncryptionKey string          `mapstructure:"encryption_key"`
	Postgres      PostgresConfig  `mapstructure:"postgres"`
	Mongo         MongoConfig     `mapstructure:"mongo"`
	Couchbase     CouchbaseConfig `mapstructure:"couchbase"`
}

type PostgresConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Database    string        `mapstructure:"database"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	SSLMode     string        `mapstructure:"sslmode"`
	MaxPoolSize int32         `mapstructure:"max_pool_size"`
	ConnTimeout time.Duration `mapstructure:"conn_timeout"`
	Table       string        `mapstructure:"table"`
}

type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	Collection     string        `mapstructure:"collection"`
	MaxPoolSize    uint64        `mapstructure:"max_pool_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type CouchbaseConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	Bucket           string        `mapstructure:"bucket"`
	ReadyTimeout     time.Duration `mapstructure:"ready_timeout"`
}

type ClinicalConfig struct {
	// ThresholdsFile overrides the built-in threshold table when set.
	ThresholdsFile string `mapstructure:"thresholds_file"`
	// TrendWindow limits trend analysis to the most recent N values; 0 means all.
	TrendWindow int `mapstructure:"trend_window"`
}

type MigrationsConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

type AuditConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	ElasticsearchURL string `mapstructure:"elasticsearch_url"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	IndexPrefix      string `mapstructure:"index_prefix"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.timeout", 15*time.Second)
	v.SetDefault("server.rate_limit_rps", 30)
	v.SetDefault("server.rate_limit_burst", 60)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")

	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.dir", "./data")
	v.SetDefault("storage.encryption_key", "")

	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.database", "postop")
	v.SetDefault("storage.postgres.user", "postgres")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.max_pool_size", 4)
	v.SetDefault("storage.postgres.conn_timeout", 5*time.Second)
	v.SetDefault("storage.postgres.table", "kv_store")

	v.SetDefault("storage.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("storage.mongo.database", "postop")
	v.SetDefault("storage.mongo.collection", "kv_store")
	v.SetDefault("storage.mongo.max_pool_size", 4)
	v.SetDefault("storage.mongo.connect_timeout", 10*time.Second)

	v.SetDefault("storage.couchbase.connection_string", "couchbase://localhost")
	v.SetDefault("storage.couchbase.username", "")
	v.SetDefault("storage.couchbase.password", "")
	v.SetDefault("storage.couchbase.bucket", "postop")
	v.SetDefault("storage.couchbase.ready_timeout", 30*time.Second)

	v.SetDefault("clinical.thresholds_file", "")
	v.SetDefault("clinical.trend_window", 0)

	v.SetDefault("migrations.max_attempts", 3)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.elasticsearch_url", "")
	v.SetDefault("audit.username", "")
	v.SetDefault("audit.password", "")
	v.SetDefault("audit.index_prefix", "postop_audit")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration from path, or from config.yaml in the usual
// locations when path is empty. Environment variables prefixed with
// POSTOP_ override file values (storage.backend -> POSTOP_STORAGE_BACKEND).
// A missing config file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POSTOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("/etc/postop-tracker")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can be used to open a store.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendPostgres, BackendMongo, BackendCouchbase:
	case BackendFile:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the file backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, file, postgres, mongo, couchbase; got %q", c.Storage.Backend)
	}

	if c.Migrations.MaxAttempts < 1 {
		return fmt.Errorf("migrations.max_attempts must be at least 1, got %d", c.Migrations.MaxAttempts)
	}
	if c.Clinical.TrendWindow < 0 {
		return fmt.Errorf("clinical.trend_window cannot be negative")
	}
	if c.Audit.Enabled && c.Audit.ElasticsearchURL == "" {
		return fmt.Errorf("audit.elasticsearch_url is required when audit is enabled")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
