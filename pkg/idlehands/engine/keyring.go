// keyring.go provides secure credential storage using the
// operating system's native keyring (Linux: Secret Service/GNOME Keyring,
// macOS: Keychain, Windows: Credential Manager).
//
// Priority for resolving secrets:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (IDLEHANDS_API_KEY, OPENAI_API_KEY, etc.)
//  3. .env file (loaded by godotenv)
//  4. config.yaml value (least secure — plaintext on disk)
package engine

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "idlehands"

	// keyringAPIKey is the key name for the LLM API key.
	keyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
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

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	// Try a write+delete cycle with a test key.
	testKey := "__idlehands_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveAPIKey resolves the API key using the priority chain:
// OS keyring → env var → config value. Updates the config in-place with
// the resolved value.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) {
	// 1. Try OS keyring (encrypted by the OS).
	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.API.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return
	}

	// 2. Provider-specific env var, e.g. OPENAI_API_KEY.
	if keyName := GetProviderKeyName(cfg.API.Provider); keyName != "" {
		if val := os.Getenv(keyName); val != "" {
			cfg.API.APIKey = val
			logger.Debug("API key loaded from environment", "var", keyName)
			return
		}
	}

	// 3. If config already has a resolved value, keep it.
	if cfg.API.APIKey != "" {
		logger.Debug("API key loaded from config")
		return
	}

	logger.Warn("no API key found; set one via OS keyring, a provider env var, or config.yaml")
}

// CredentialStatus reports which tier resolved the active API key, without
// exposing the key value itself. Intended for the vault_context prompt
// section (see prompt_layers.go) so the agent can reason about whether it
// has usable credentials.
func CredentialStatus(cfg *Config) string {
	if cfg.API.APIKey == "" {
		return fmt.Sprintf("No API key configured for provider %q.", cfg.API.Provider)
	}
	if GetKeyring(keyringAPIKey) == cfg.API.APIKey {
		return fmt.Sprintf("API key for provider %q resolved from the OS keyring.", cfg.API.Provider)
	}
	keyName := GetProviderKeyName(cfg.API.Provider)
	if os.Getenv(keyName) == cfg.API.APIKey {
		return fmt.Sprintf("API key for provider %q resolved from environment variable %s.", cfg.API.Provider, keyName)
	}
	return fmt.Sprintf("API key for provider %q resolved from config.", cfg.API.Provider)
}

// ReadSecret prompts on stdout and reads a line from stdin without echoing
// it back, for interactive `config vault-set` calls that omit the key as an
// argument. Falls back to a plain (echoed) read when stdin isn't a terminal
// (piped input, non-interactive CI).
func ReadSecret(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return string(secret), nil
	}

	var buf [1024]byte
	n, err := os.Stdin.Read(buf[:])
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	s := string(buf[:n])
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s, nil
}

// MigrateKeyToKeyring moves an API key from config/env to the OS keyring
// and clears it from the original location.
func MigrateKeyToKeyring(apiKey string, logger *slog.Logger) error {
	if err := StoreKeyring(keyringAPIKey, apiKey); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("API key stored in OS keyring",
		"service", keyringService,
		"hint", "You can now remove it from .env and config.yaml")
	return nil
}
