// SPDX-License-Identifier: GPL-3.0-or-later
package credential

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/99designs/keyring"
)

const (
	// Prefix marks a configuration value as a reference into the keyring.
	Prefix = "keyring:"

	serviceName = "go-imap-notifier"
)

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/go-imap-notifier/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("go-imap-notifier-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open keyring: %w", err)
	}
	return ring, nil
}

// Resolver replaces keyring references with the stored secret. The keyring
// is only opened when the first reference is resolved.
type Resolver struct {
	mu   sync.Mutex
	ring keyring.Keyring
	open func() (keyring.Keyring, error)
}

func NewResolver() *Resolver {
	return &Resolver{open: openKeyring}
}

func NewResolverWithKeyring(ring keyring.Keyring) *Resolver {
	return &Resolver{ring: ring}
}

func IsReference(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

func (r *Resolver) keyring() (keyring.Keyring, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ring == nil {
		ring, err := r.open()
		if err != nil {
			return nil, err
		}
		r.ring = ring
	}
	return r.ring, nil
}

// Resolve returns value unchanged unless it is a keyring reference.
func (r *Resolver) Resolve(value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}

	name := strings.TrimSpace(strings.TrimPrefix(value, Prefix))
	if len(name) == 0 {
		return "", fmt.Errorf("keyring reference %q has no name", value)
	}

	ring, err := r.keyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("secret %q not found in keyring", name)
	}
	if err != nil {
		return "", fmt.Errorf("could not get secret %q: %w", name, err)
	}

	return string(item.Data), nil
}

// Set stores a secret that can then be referenced as keyring:<name>.
func (r *Resolver) Set(name, value string) error {
	ring, err := r.keyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   name,
		Label: fmt.Sprintf("%s %s", serviceName, name),
		Data:  []byte(value),
	})
	if err != nil {
		return fmt.Errorf("could not set secret %q: %w", name, err)
	}
	return nil
}

func (r *Resolver) Delete(name string) error {
	ring, err := r.keyring()
	if err != nil {
		return err
	}

	err = ring.Remove(name)
	if err != nil {
		return fmt.Errorf("could not delete secret %q: %w", name, err)
	}
	return nil
}
