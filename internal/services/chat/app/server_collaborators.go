package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/louisbranch/wayfarer/internal/services/chat/directory"
	"github.com/louisbranch/wayfarer/internal/services/chat/identity"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage/memory"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage/postgres"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage/redis"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage/sqlite"
)

// Store drivers accepted by Config.StoreDriver.
const (
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

func openStore(ctx context.Context, config Config) (storage.MessageStore, error) {
	driver := strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if driver == "" {
		driver = StoreSQLite
	}
	switch driver {
	case StoreSQLite:
		path := strings.TrimSpace(config.SQLitePath)
		if path == "" {
			return nil, errors.New("sqlite path is required")
		}
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Printf("chat: message store sqlite path=%q", path)
		return store, nil
	case StoreMemory:
		log.Printf("chat: message store memory; messages are lost on restart")
		return memory.New(), nil
	case StoreRedis:
		store, err := redis.Open(ctx, config.RedisURL, config.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		log.Printf("chat: message store redis")
		return store, nil
	case StorePostgres:
		store, err := postgres.Open(ctx, config.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Printf("chat: message store postgres")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", config.StoreDriver)
	}
}

// openDirectory prefers a remote directory, then a static file, then the
// derived development directory. The returned close func may be nil.
func openDirectory(ctx context.Context, config Config) (directory.Directory, func() error, error) {
	if addr := strings.TrimSpace(config.DirectoryAddr); addr != "" {
		logf := func(format string, args ...any) {
			log.Printf("directory %s", fmt.Sprintf(format, args...))
		}
		client, err := directory.Dial(ctx, addr, logf)
		if err != nil {
			return nil, nil, fmt.Errorf("dial directory %s: %w", addr, err)
		}
		return client, client.Close, nil
	}
	if path := strings.TrimSpace(config.DirectoryFile); path != "" {
		static, err := directory.LoadStatic(path)
		if err != nil {
			return nil, nil, err
		}
		return static, nil, nil
	}
	log.Printf("chat: no directory configured; every room id resolves")
	return directory.Derived{}, nil, nil
}

// newIdentity prefers signed room grants, then token introspection. The
// insecure provider is only used when explicitly enabled.
func newIdentity(config Config) (identity.Provider, error) {
	if secret := strings.TrimSpace(config.GrantSecret); secret != "" {
		verifier, err := identity.NewGrantVerifier(identity.GrantConfig{
			Secret: []byte(secret),
			Issuer: config.GrantIssuer,
		})
		if err != nil {
			return nil, fmt.Errorf("init grant verifier: %w", err)
		}
		return verifier, nil
	}
	if introspector := identity.NewIntrospector(config.AuthBaseURL, config.AuthResourceSecret); introspector != nil {
		return introspector, nil
	}
	if config.InsecureAuth {
		log.Printf("chat: insecure auth enabled; credentials are trusted as user ids")
		return identity.Insecure{}, nil
	}
	return nil, errors.New("identity is not configured: set a grant secret, an auth base URL and resource secret, or enable insecure auth")
}
