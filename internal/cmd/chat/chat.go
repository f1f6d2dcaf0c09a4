// Package chat parses chat command flags and composes transport entrypoints.
package chat

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/wayfarer/internal/platform/cmd"
	"github.com/louisbranch/wayfarer/internal/platform/discovery"
	server "github.com/louisbranch/wayfarer/internal/services/chat/app"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr string `env:"WAYFARER_CHAT_HTTP_ADDR" envDefault:":8086"`

	StoreDriver string `env:"WAYFARER_CHAT_STORE"        envDefault:"sqlite"`
	SQLitePath  string `env:"WAYFARER_CHAT_SQLITE_PATH"  envDefault:"data/chat.db"`
	RedisURL    string `env:"WAYFARER_CHAT_REDIS_URL"`
	RedisPrefix string `env:"WAYFARER_CHAT_REDIS_PREFIX" envDefault:"wayfarer:chat"`
	PostgresURL string `env:"WAYFARER_CHAT_POSTGRES_URL"`

	DirectoryFile string `env:"WAYFARER_CHAT_DIRECTORY_FILE"`
	DirectoryAddr string `env:"WAYFARER_DIRECTORY_ADDR"`

	AuthBaseURL        string `env:"WAYFARER_AUTH_BASE_URL"`
	AuthResourceSecret string `env:"WAYFARER_AUTH_RESOURCE_SECRET"`
	GrantSecret        string `env:"WAYFARER_CHAT_GRANT_SECRET"`
	GrantIssuer        string `env:"WAYFARER_CHAT_GRANT_ISSUER"  envDefault:"wayfarer-identity"`
	InsecureAuth       bool   `env:"WAYFARER_CHAT_INSECURE_AUTH"`

	HistoryPageSize    int           `env:"WAYFARER_CHAT_HISTORY_PAGE_SIZE"     envDefault:"50"`
	HistoryMaxPageSize int           `env:"WAYFARER_CHAT_HISTORY_MAX_PAGE_SIZE" envDefault:"200"`
	ReplayLimit        int           `env:"WAYFARER_CHAT_REPLAY_LIMIT"          envDefault:"500"`
	LivenessTimeout    time.Duration `env:"WAYFARER_CHAT_LIVENESS_TIMEOUT"      envDefault:"45s"`
	MetricsEnabled     bool          `env:"WAYFARER_CHAT_METRICS"               envDefault:"true"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "message store driver: sqlite, postgres, redis or memory")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "sqlite message store path")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis message store URL")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "redis key prefix")
	fs.StringVar(&cfg.PostgresURL, "postgres-url", cfg.PostgresURL, "postgres message store URL")
	fs.StringVar(&cfg.DirectoryFile, "directory-file", cfg.DirectoryFile, "YAML file listing trips and experiences")
	fs.StringVar(&cfg.DirectoryAddr, "directory-addr", cfg.DirectoryAddr, "directory service gRPC address")
	fs.StringVar(&cfg.AuthBaseURL, "auth-base-url", cfg.AuthBaseURL, "identity service base URL")
	fs.StringVar(&cfg.AuthResourceSecret, "auth-resource-secret", cfg.AuthResourceSecret, "identity introspection resource secret")
	fs.StringVar(&cfg.GrantSecret, "grant-secret", cfg.GrantSecret, "HMAC secret for signed room grants")
	fs.StringVar(&cfg.GrantIssuer, "grant-issuer", cfg.GrantIssuer, "expected room grant issuer")
	fs.BoolVar(&cfg.InsecureAuth, "insecure-auth", cfg.InsecureAuth, "trust bearer tokens as user ids (development only)")
	fs.IntVar(&cfg.HistoryPageSize, "history-page-size", cfg.HistoryPageSize, "default history page size")
	fs.IntVar(&cfg.HistoryMaxPageSize, "history-max-page-size", cfg.HistoryMaxPageSize, "maximum history page size")
	fs.IntVar(&cfg.ReplayLimit, "replay-limit", cfg.ReplayLimit, "maximum messages replayed on join")
	fs.DurationVar(&cfg.LivenessTimeout, "liveness-timeout", cfg.LivenessTimeout, "idle time before a connection is closed")
	fs.BoolVar(&cfg.MetricsEnabled, "metrics", cfg.MetricsEnabled, "serve prometheus metrics on /metrics")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(ctx context.Context) error {
		if err := server.Run(ctx, cfg.serverConfig()); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}

func (cfg Config) serverConfig() server.Config {
	return server.Config{
		HTTPAddr:           cfg.HTTPAddr,
		StoreDriver:        cfg.StoreDriver,
		SQLitePath:         cfg.SQLitePath,
		RedisURL:           cfg.RedisURL,
		RedisPrefix:        cfg.RedisPrefix,
		PostgresURL:        cfg.PostgresURL,
		DirectoryFile:      cfg.DirectoryFile,
		DirectoryAddr:      cfg.DirectoryAddr,
		AuthBaseURL:        discovery.OrDefaultHTTPBaseURL(cfg.AuthBaseURL, discovery.ServiceIdentity),
		AuthResourceSecret: cfg.AuthResourceSecret,
		GrantSecret:        cfg.GrantSecret,
		GrantIssuer:        cfg.GrantIssuer,
		InsecureAuth:       cfg.InsecureAuth,
		HistoryPageSize:    cfg.HistoryPageSize,
		HistoryMaxPageSize: cfg.HistoryMaxPageSize,
		ReplayLimit:        cfg.ReplayLimit,
		LivenessTimeout:    cfg.LivenessTimeout,
		MetricsEnabled:     cfg.MetricsEnabled,
	}
}
