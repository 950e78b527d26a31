// Package tokenstore persists the access and refresh token slots used by
// the api package. Every backend stores opaque strings under fixed keys;
// a missing value is reported as ok=false, never as an error.
package tokenstore

import (
	"context"
	"errors"
)

// Fixed slot names shared by every backend.
const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
)

// ErrEmptyKey is returned when a caller passes an empty key.
var ErrEmptyKey = errors.New("tokenstore: key cannot be empty")

// Store is a secure key-value store for token strings. Writes to one key
// replace the previous value atomically.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Batcher is implemented by backends that can replace or remove several
// keys in one atomic write.
type Batcher interface {
	SetMany(ctx context.Context, values map[string]string) error
	DeleteMany(ctx context.Context, keys ...string) error
}

// SavePair stores both tokens, in one write when s implements Batcher.
func SavePair(ctx context.Context, s Store, accessToken, refreshToken string) error {
	if b, ok := s.(Batcher); ok {
		return b.SetMany(ctx, map[string]string{
			AccessTokenKey:  accessToken,
			RefreshTokenKey: refreshToken,
		})
	}
	if err := s.Set(ctx, AccessTokenKey, accessToken); err != nil {
		return err
	}
	return s.Set(ctx, RefreshTokenKey, refreshToken)
}

// ClearPair removes both tokens.
func ClearPair(ctx context.Context, s Store) error {
	if b, ok := s.(Batcher); ok {
		return b.DeleteMany(ctx, AccessTokenKey, RefreshTokenKey)
	}
	return errors.Join(
		s.Delete(ctx, AccessTokenKey),
		s.Delete(ctx, RefreshTokenKey),
	)
}

// LoadPair reads both slots. Missing slots come back empty.
func LoadPair(ctx context.Context, s Store) (accessToken, refreshToken string, err error) {
	accessToken, _, err = s.Get(ctx, AccessTokenKey)
	if err != nil {
		return "", "", err
	}
	refreshToken, _, err = s.Get(ctx, RefreshTokenKey)
	if err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

func checkKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}
