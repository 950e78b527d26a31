package tokenstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrSealedValue is returned when a stored value cannot be opened with the
// configured key (wrong passphrase or tampered data).
var ErrSealedValue = errors.New("tokenstore: cannot open sealed value")

// Sealed encrypts values with XChaCha20-Poly1305 before handing them to the
// wrapped store. The slot name is bound as additional data so a value cannot
// be moved between slots.
type Sealed struct {
	inner Store
	aead  cipher.AEAD
}

// DeriveKey stretches a passphrase into a 32-byte key with HKDF-SHA256.
// salt may be nil; info separates keys for different stores.
func DeriveKey(passphrase string, salt []byte, info string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("tokenstore: empty passphrase")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(passphrase), salt, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// NewSealed wraps inner. key must be chacha20poly1305.KeySize bytes.
func NewSealed(inner Store, key []byte) (*Sealed, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: %w", err)
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

func (s *Sealed) seal(key, value string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *Sealed) open(key, stored string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(stored)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return "", ErrSealedValue
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return "", ErrSealedValue
	}
	return string(plain), nil
}

func (s *Sealed) Get(ctx context.Context, key string) (string, bool, error) {
	stored, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	v, err := s.open(key, stored)
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", key, err)
	}
	return v, true, nil
}

func (s *Sealed) Set(ctx context.Context, key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// SetMany seals every value and forwards them as one batch when the wrapped
// store supports it.
func (s *Sealed) SetMany(ctx context.Context, values map[string]string) error {
	sealed := make(map[string]string, len(values))
	for k, v := range values {
		if err := checkKey(k); err != nil {
			return err
		}
		sv, err := s.seal(k, v)
		if err != nil {
			return err
		}
		sealed[k] = sv
	}
	if b, ok := s.inner.(Batcher); ok {
		return b.SetMany(ctx, sealed)
	}
	for k, v := range sealed {
		if err := s.inner.Set(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sealed) DeleteMany(ctx context.Context, keys ...string) error {
	if b, ok := s.inner.(Batcher); ok {
		return b.DeleteMany(ctx, keys...)
	}
	var errs []error
	for _, k := range keys {
		errs = append(errs, s.inner.Delete(ctx, k))
	}
	return errors.Join(errs...)
}
