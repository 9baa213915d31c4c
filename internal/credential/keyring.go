// Package credential stores AgentMail API keys in the operating system keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "mailbridge"

// ErrNotFound is returned when no credential is stored under the requested name.
var ErrNotFound = errors.New("credential not found")

// FileDir is where the encrypted file backend keeps credentials when no
// native keyring is available (headless Linux servers).
var FileDir = "~/.mailbridge/credentials"

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
		FileDir:                  FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailbridge-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Key returns the keyring item name used for an account's API key.
func Key(accountID string) string {
	return "agentmail/" + accountID
}

// Get retrieves a credential value by name.
func Get(name string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("credential %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", name, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by name.
func Set(name, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:         name,
		Data:        []byte(value),
		Label:       "mailbridge " + name,
		Description: "AgentMail API key",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", name, err)
	}

	return nil
}

// Delete removes a credential by name.
func Delete(name string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Remove(name); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("credential %q: %w", name, ErrNotFound)
		}
		return fmt.Errorf("deleting credential %q: %w", name, err)
	}

	return nil
}
