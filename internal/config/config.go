// Package config loads the knightbot configuration from a JSON5 file with
// KNIGHTBOT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Config is the root configuration.
type Config struct {
	Bot       BotConfig       `json:"bot"`
	Session   SessionConfig   `json:"session"`
	Gateway   GatewayConfig   `json:"gateway"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Storage   StorageConfig   `json:"storage"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// BotConfig holds identity strings used in replies.
type BotConfig struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Owner        string `json:"owner"`
	OwnerNumber  string `json:"ownerNumber,omitempty"`
	PublicDomain string `json:"publicDomain,omitempty"`
}

// SessionConfig configures the session lifecycle manager.
type SessionConfig struct {
	CredentialsDialect string `json:"credentialsDialect"` // "sqlite" (default) or "postgres"
	CredentialsDSN     string `json:"credentialsDsn,omitempty"`
	ReconnectDelaySec  int    `json:"reconnectDelaySec"`
	RetryDelaySec      int    `json:"retryDelaySec"`
	PairingNumber      string `json:"pairingNumber,omitempty"` // request a pairing code at startup
	DefaultCountryCode string `json:"defaultCountryCode"`      // replaces a leading 0
	DeviceName         string `json:"deviceName"`
	Welcome            bool   `json:"welcome"`
	PrintQR            bool   `json:"printQr"`
}

// GatewayConfig configures the dashboard HTTP/WebSocket server.
type GatewayConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Token             string `json:"token,omitempty"`
	UnhealthyAfterSec int    `json:"unhealthyAfterSec"`
	PairingRPM        int    `json:"pairingRpm"`
	PairingBurst      int    `json:"pairingBurst"`
}

// DispatchConfig configures the inbound message pipeline.
type DispatchConfig struct {
	Workers         int     `json:"workers"`
	QueueCap        int     `json:"queueCap"`
	AutoReplyChance float64 `json:"autoReplyChance"`
	CommandPrefixes string  `json:"commandPrefixes"`
	SelfIDPattern   string  `json:"selfIdPattern"`
	DedupeTTLSec    int     `json:"dedupeTtlSec"`
	DedupeSize      int     `json:"dedupeSize"`
	RepliesFile     string  `json:"repliesFile,omitempty"` // YAML override for built-in reply texts
}

// StorageConfig selects where user records live.
type StorageConfig struct {
	DataDir      string `json:"dataDir"`
	UsersBackend string `json:"usersBackend"` // "file" (default), "sqlite", "postgres", "redis"
	UsersPath    string `json:"usersPath,omitempty"`
	UsersDSN     string `json:"usersDsn,omitempty"`
	RedisURL     string `json:"redisUrl,omitempty"`
}

// TelemetryConfig configures OTLP trace export (binary built with -tags otel).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bot: BotConfig{
			Name:    "KNIGHT BOT",
			Version: "3.0.0",
			Owner:   "MR UNIQUE HACKER",
		},
		Session: SessionConfig{
			CredentialsDialect: "sqlite",
			ReconnectDelaySec:  10,
			RetryDelaySec:      15,
			DefaultCountryCode: "62",
			DeviceName:         "Knight Bot",
			Welcome:            true,
			PrintQR:            true,
		},
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              3000,
			UnhealthyAfterSec: 300,
			PairingRPM:        6,
			PairingBurst:      3,
		},
		Dispatch: DispatchConfig{
			Workers:         8,
			QueueCap:        32,
			AutoReplyChance: 0.3,
			CommandPrefixes: "!./",
			SelfIDPattern:   `^BAE5[0-9A-F]{12}$`,
			DedupeTTLSec:    20 * 60,
			DedupeSize:      5000,
		},
		Storage: StorageConfig{
			DataDir:      "~/.knightbot",
			UsersBackend: "file",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "knightbot",
		},
	}
}

// Load reads the config file at path. A missing file is not an error: the
// defaults plus environment overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.Session.CredentialsDialect {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("session.credentialsDialect: unsupported %q", c.Session.CredentialsDialect)
	}
	if c.Session.CredentialsDialect == "postgres" && c.Session.CredentialsDSN == "" {
		return fmt.Errorf("session.credentialsDsn is required for postgres")
	}
	switch c.Storage.UsersBackend {
	case "file", "sqlite":
	case "postgres":
		if c.Storage.UsersDSN == "" {
			return fmt.Errorf("storage.usersDsn is required for the postgres backend")
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redisUrl is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.usersBackend: unsupported %q", c.Storage.UsersBackend)
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port: out of range (%d)", c.Gateway.Port)
	}
	return nil
}

func (c *Config) applyEnv() {
	envStr("KNIGHTBOT_HOST", &c.Gateway.Host)
	envInt("PORT", &c.Gateway.Port)
	envInt("KNIGHTBOT_PORT", &c.Gateway.Port)
	envStr("KNIGHTBOT_TOKEN", &c.Gateway.Token)
	envStr("PAIRING_NUMBER", &c.Session.PairingNumber)
	envStr("KNIGHTBOT_PAIRING_NUMBER", &c.Session.PairingNumber)
	envStr("KNIGHTBOT_CREDENTIALS_DIALECT", &c.Session.CredentialsDialect)
	envStr("KNIGHTBOT_CREDENTIALS_DSN", &c.Session.CredentialsDSN)
	envStr("KNIGHTBOT_DATA_DIR", &c.Storage.DataDir)
	envStr("KNIGHTBOT_USERS_BACKEND", &c.Storage.UsersBackend)
	envStr("KNIGHTBOT_USERS_DSN", &c.Storage.UsersDSN)
	envStr("KNIGHTBOT_REDIS_URL", &c.Storage.RedisURL)
	envStr("KNIGHTBOT_PUBLIC_DOMAIN", &c.Bot.PublicDomain)
	envStr("KNIGHTBOT_OWNER_NUMBER", &c.Bot.OwnerNumber)
	envStr("KNIGHTBOT_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint != "" && os.Getenv("KNIGHTBOT_OTLP_ENDPOINT") != "" {
		c.Telemetry.Enabled = true
	}
}

func envStr(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// ReconnectDelay is the wait before rebuilding a transport after a close.
func (c SessionConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySec) * time.Second
}

// RetryDelay is the wait after a transport failed to initialize.
func (c SessionConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySec) * time.Second
}

// UnhealthyAfter is how long the session may stay disconnected before the
// liveness probe fails.
func (c GatewayConfig) UnhealthyAfter() time.Duration {
	return time.Duration(c.UnhealthyAfterSec) * time.Second
}

// Addr is the listen address.
func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DedupeTTL is how long a message id is remembered.
func (c DispatchConfig) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLSec) * time.Second
}

// ResolvedDataDir returns DataDir with ~ expanded.
func (c StorageConfig) ResolvedDataDir() string {
	return ExpandHome(c.DataDir)
}

// ResolvedUsersPath returns the users file (or sqlite database) path.
func (c StorageConfig) ResolvedUsersPath() string {
	if c.UsersPath != "" {
		return ExpandHome(c.UsersPath)
	}
	if c.UsersBackend == "sqlite" {
		return filepath.Join(c.ResolvedDataDir(), "users.db")
	}
	return filepath.Join(c.ResolvedDataDir(), "users.json")
}

// CredentialsAddress returns the database address for the credential
// container, defaulting to a sqlite file in the data directory.
func (c *Config) CredentialsAddress() string {
	if c.Session.CredentialsDSN != "" {
		return c.Session.CredentialsDSN
	}
	path := filepath.Join(c.Storage.ResolvedDataDir(), "session.db")
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
