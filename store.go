package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-authgate/api-client/tokenstore"
)

const redisPingTimeout = 3 * time.Second

// openedStore is the token store selected by configuration plus a
// human-readable location and a release func for any connection it holds.
type openedStore struct {
	tokenstore.Store
	location string
	release  func() error
}

// openTokenStore builds the backend named by TOKEN_STORE, sealed with
// TOKEN_STORE_KEY when one is configured.
func openTokenStore(ctx context.Context, cfg *cliConfig, stderr io.Writer) (*openedStore, error) {
	namespace := or(cfg.ClientID, "default")
	opened := &openedStore{release: func() error { return nil }}

	switch cfg.TokenStore {
	case "keyring":
		k := tokenstore.NewKeyring("", namespace)
		if !k.Available() {
			fmt.Fprintln(stderr, "⚠️  OS keyring unavailable, falling back to "+cfg.TokenFile)
			opened.Store = tokenstore.NewFile(cfg.TokenFile, namespace)
			opened.location = cfg.TokenFile
			break
		}
		opened.Store = k
		opened.location = "OS keyring"

	case "file":
		opened.Store = tokenstore.NewFile(cfg.TokenFile, namespace)
		opened.location = cfg.TokenFile

	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		opened.Store = tokenstore.NewRedis(rdb, tokenstore.DefaultService+":"+namespace)
		opened.location = "redis://" + cfg.RedisAddr
		opened.release = rdb.Close

	case "memory":
		opened.Store = tokenstore.NewMemory()
		opened.location = "memory"

	default:
		return nil, fmt.Errorf("unknown TOKEN_STORE %q (want keyring, file, redis or memory)", cfg.TokenStore)
	}

	if cfg.TokenStoreKey != "" {
		key, err := tokenstore.DeriveKey(cfg.TokenStoreKey, nil, tokenstore.DefaultService+"/"+namespace)
		if err != nil {
			_ = opened.release()
			return nil, err
		}
		sealed, err := tokenstore.NewSealed(opened.Store, key)
		if err != nil {
			_ = opened.release()
			return nil, err
		}
		opened.Store = sealed
		opened.location += " (sealed)"
	}

	return opened, nil
}
