// Package config – keyring.go stores credentials in the operating system's
// native keyring (Linux: Secret Service, macOS: Keychain, Windows:
// Credential Manager).
//
// Secrets resolve in this order:
//  1. Encrypted vault (.malachi.vault, requires master password)
//  2. OS keyring
//  3. Environment variable (MALACHI_API_KEY, OPENAI_API_KEY)
//  4. config.yaml value (plaintext on disk, least preferred)
package config

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	keyringService = "malachi"

	// KeyringAPIKey is the keyring entry name for the completion API key.
	KeyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, empty if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks that the OS keyring accepts writes.
func KeyringAvailable() bool {
	const testKey = "__malachi_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveAPIKey fills cfg.LLM.APIKey from the resolution chain and returns
// the unlocked vault when one was used, so callers can reuse it.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}

	vault := NewVault(VaultFile)
	if vault.Exists() {
		if envPass := os.Getenv("MALACHI_VAULT_PASSWORD"); envPass != "" {
			if err := vault.Unlock(envPass); err != nil {
				logger.Warn("failed to unlock vault with MALACHI_VAULT_PASSWORD", "error", err)
			}
		}
		if !vault.IsUnlocked() && term.IsTerminal(int(os.Stdin.Fd())) {
			password, err := ReadPassword("Vault password: ")
			if err == nil {
				if err := vault.Unlock(password); err != nil {
					logger.Warn("failed to unlock vault", "error", err)
				}
			}
		}
		if vault.IsUnlocked() {
			if key, err := vault.Get(KeyringAPIKey); err == nil && key != "" {
				cfg.LLM.APIKey = key
				logger.Debug("API key resolved from vault")
				return vault
			}
		}
	}

	if key := GetKeyring(KeyringAPIKey); key != "" {
		cfg.LLM.APIKey = key
		logger.Debug("API key resolved from OS keyring")
		return nil
	}

	for _, env := range []string{"MALACHI_API_KEY", "OPENAI_API_KEY"} {
		if key := os.Getenv(env); key != "" {
			cfg.LLM.APIKey = key
			logger.Debug("API key resolved from environment", "var", env)
			return nil
		}
	}

	// Whatever the config file had stays in place.
	return nil
}
