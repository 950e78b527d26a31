package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keyring service name used when none is given.
const DefaultService = "api-client"

// Keyring stores tokens in the OS credential store (macOS Keychain, Secret
// Service on Linux, Windows Credential Manager). Entries are scoped to the
// current user and encrypted by the OS.
type Keyring struct {
	service string
	account string
}

// NewKeyring returns a store writing entries under service. account
// namespaces the slots so several profiles can share one service.
func NewKeyring(service, account string) *Keyring {
	if service == "" {
		service = DefaultService
	}
	return &Keyring{service: service, account: account}
}

// Available reports whether the keyring can be read. It only looks up the
// access token slot and never writes.
func (k *Keyring) Available() bool {
	_, err := keyring.Get(k.service, k.user(AccessTokenKey))
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

// user returns the keyring user for a slot.
func (k *Keyring) user(key string) string {
	if k.account == "" {
		return key
	}
	return fmt.Sprintf("%s::%s", k.account, key)
}

func (k *Keyring) Get(_ context.Context, key string) (string, bool, error) {
	if err := checkKey(key); err != nil {
		return "", false, err
	}
	v, err := keyring.Get(k.service, k.user(key))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("keyring get %s: %w", key, err)
	}
	return v, true, nil
}

func (k *Keyring) Set(_ context.Context, key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := keyring.Set(k.service, k.user(key), value); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

func (k *Keyring) Delete(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := keyring.Delete(k.service, k.user(key))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}
