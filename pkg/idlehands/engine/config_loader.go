// config_loader.go loads the YAML configuration file with secure credential
// handling: .env files (godotenv), ${VAR}/$VAR expansion, and env-based
// secret resolution.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} or $VAR_NAME in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// Automatically loads .env files and expands environment variables.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveConfigSecrets(cfg)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, starting from DefaultConfig
// and overlaying values present in the document.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveConfigToFile writes a Config as YAML, replacing any literal secret
// with an environment variable reference when one matches.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.API.APIKey = sanitizeConfigSecret(cfg.API.APIKey, GetProviderKeyName(cfg.API.Provider))

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches standard locations for a config file.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"idlehands.yaml",
		"idlehands.yml",
		"configs/config.yaml",
		"configs/idlehands.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditConfigSecrets warns when a real-looking API key is committed to the
// config file instead of being referenced via environment variable.
func AuditConfigSecrets(cfg *Config, logger *slog.Logger) {
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) && looksLikeRealKey(cfg.API.APIKey) {
		logger.Warn("API key appears to be hardcoded in config; prefer an environment variable",
			"hint", fmt.Sprintf("set 'api_key: ${%s}' in config.yaml", GetProviderKeyName(cfg.API.Provider)))
	}
}

// IsEnvReference reports whether s is an unexpanded ${VAR} / $VAR reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f) // does not overwrite already-set env vars
	}
}

func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

func resolveConfigSecrets(cfg *Config) {
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		return
	}
	if keyName := GetProviderKeyName(cfg.API.Provider); keyName != "" {
		if val := os.Getenv(keyName); val != "" {
			cfg.API.APIKey = val
			return
		}
	}
	if val := os.Getenv("IDLEHANDS_API_KEY"); val != "" {
		cfg.API.APIKey = val
	}
}

func sanitizeConfigSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if envVar != "" && os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

func looksLikeRealKey(s string) bool {
	if IsEnvReference(s) {
		return false
	}
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}

func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path, "current", fmt.Sprintf("%04o", mode), "recommended", "0600")
	}
}
