package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultServerURL  = "http://localhost:8080"
	defaultTokenStore = "keyring"
	defaultTokenFile  = ".api-client-tokens.json"
	defaultRedisAddr  = "localhost:6379"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath  string
	serverURL   string
	clientID    string
	tokenStore  string
	tokenFile   string
	redisAddr   string
	logRequests bool
	autoLogout  bool
}

// profile is the optional YAML file selected with --config.
type profile struct {
	ServerURL     string            `yaml:"server_url"`
	ClientID      string            `yaml:"client_id"`
	Scopes        []string          `yaml:"scopes"`
	TokenStore    string            `yaml:"token_store"`
	TokenFile     string            `yaml:"token_file"`
	RedisAddr     string            `yaml:"redis_addr"`
	TokenStoreKey string            `yaml:"token_store_key"`
	LogRequests   bool              `yaml:"log_requests"`
	AutoLogout    bool              `yaml:"auto_logout"`
	Headers       map[string]string `yaml:"headers"`
}

// cliConfig is the resolved configuration for one invocation.
type cliConfig struct {
	ServerURL     string
	ClientID      string
	Scopes        []string
	TokenStore    string
	TokenFile     string
	RedisAddr     string
	TokenStoreKey string
	LogRequests   bool
	AutoLogout    bool
	Headers       map[string]string
}

// loadConfig resolves every setting.
// Priority: flag > env > .env file > profile > default.
func loadConfig(flags globalFlags, stderr io.Writer) (*cliConfig, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	p, err := loadProfile(getEnvOr(flags.configPath, "API_CLIENT_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg := &cliConfig{
		ServerURL:     getConfig(flags.serverURL, "SERVER_URL", or(p.ServerURL, defaultServerURL)),
		ClientID:      getConfig(flags.clientID, "CLIENT_ID", p.ClientID),
		Scopes:        p.Scopes,
		TokenStore:    getConfig(flags.tokenStore, "TOKEN_STORE", or(p.TokenStore, defaultTokenStore)),
		TokenFile:     getConfig(flags.tokenFile, "TOKEN_FILE", or(p.TokenFile, defaultTokenFile)),
		RedisAddr:     getConfig(flags.redisAddr, "REDIS_ADDR", or(p.RedisAddr, defaultRedisAddr)),
		TokenStoreKey: getEnv("TOKEN_STORE_KEY", p.TokenStoreKey),
		LogRequests:   flags.logRequests || getEnvBool("LOG_REQUESTS", p.LogRequests),
		AutoLogout:    flags.autoLogout || getEnvBool("AUTO_LOGOUT", p.AutoLogout),
		Headers:       p.Headers,
	}
	if scopes := os.Getenv("SCOPES"); scopes != "" {
		cfg.Scopes = strings.Fields(scopes)
	}

	// Validate SERVER_URL format
	if err := validateServerURL(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(cfg.ServerURL), "http://") {
		fmt.Fprintln(
			stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(stderr)
	}

	// Validate CLIENT_ID format (should be UUID)
	if cfg.ClientID != "" {
		if _, err := uuid.Parse(cfg.ClientID); err != nil {
			fmt.Fprintf(
				stderr,
				"⚠️  Warning: CLIENT_ID doesn't appear to be a valid UUID: %s\n",
				cfg.ClientID,
			)
			fmt.Fprintln(stderr)
		}
	}

	return cfg, nil
}

// requireClientID reports how to supply CLIENT_ID when it is missing.
func (c *cliConfig) requireClientID() error {
	if c.ClientID != "" {
		return nil
	}
	return errors.New(`CLIENT_ID not set. Please provide it via:
  1. Command line flag: --client-id=<your-client-id>
  2. Environment variable: CLIENT_ID=<your-client-id>
  3. .env file: CLIENT_ID=<your-client-id>
  4. Profile (--config): client_id: <your-client-id>`)
}

// loadProfile reads a YAML profile. An empty path yields an empty profile.
func loadProfile(path string) (profile, error) {
	var p profile
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return p, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOr(value, key string) string {
	return getConfig(value, key, "")
}

func getEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func or(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
