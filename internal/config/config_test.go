package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.ReconnectDelay() != 10*time.Second {
		t.Errorf("reconnect delay = %v, want 10s", cfg.Session.ReconnectDelay())
	}
	if cfg.Session.RetryDelay() != 15*time.Second {
		t.Errorf("retry delay = %v, want 15s", cfg.Session.RetryDelay())
	}
	if cfg.Gateway.UnhealthyAfter() != 5*time.Minute {
		t.Errorf("unhealthy after = %v, want 5m", cfg.Gateway.UnhealthyAfter())
	}
	if cfg.Dispatch.AutoReplyChance != 0.3 {
		t.Errorf("auto reply chance = %v, want 0.3", cfg.Dispatch.AutoReplyChance)
	}
}

func TestLoad_JSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
  // comments and trailing commas are fine
  session: { reconnectDelaySec: 3, defaultCountryCode: "+44", },
  gateway: { port: 8080, },
  dispatch: { commandPrefixes: "! !#", autoReplyChance: 4 },
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.ReconnectDelaySec != 3 {
		t.Errorf("reconnectDelaySec = %d", cfg.Session.ReconnectDelaySec)
	}
	if cfg.Session.RetryDelaySec != 15 {
		t.Errorf("retryDelaySec should keep default, got %d", cfg.Session.RetryDelaySec)
	}
	if cfg.Session.DefaultCountryCode != "44" {
		t.Errorf("country code = %q, want 44", cfg.Session.DefaultCountryCode)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Dispatch.CommandPrefixes != "!#" {
		t.Errorf("prefixes = %q, want %q", cfg.Dispatch.CommandPrefixes, "!#")
	}
	if cfg.Dispatch.AutoReplyChance != 1 {
		t.Errorf("chance should be clamped to 1, got %v", cfg.Dispatch.AutoReplyChance)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KNIGHTBOT_PORT", "9090")
	t.Setenv("PAIRING_NUMBER", "628123456789")
	t.Setenv("KNIGHTBOT_USERS_BACKEND", "SQLite")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Gateway.Port)
	}
	if cfg.Session.PairingNumber != "628123456789" {
		t.Errorf("pairing number = %q", cfg.Session.PairingNumber)
	}
	if cfg.Storage.UsersBackend != "sqlite" {
		t.Errorf("users backend = %q", cfg.Storage.UsersBackend)
	}
	if !strings.HasSuffix(cfg.Storage.ResolvedUsersPath(), "users.db") {
		t.Errorf("users path = %q", cfg.Storage.ResolvedUsersPath())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad dialect", func(c *Config) { c.Session.CredentialsDialect = "mysql" }, "credentialsDialect"},
		{"postgres without dsn", func(c *Config) { c.Session.CredentialsDialect = "postgres" }, "credentialsDsn"},
		{"redis without url", func(c *Config) { c.Storage.UsersBackend = "redis" }, "redisUrl"},
		{"bad backend", func(c *Config) { c.Storage.UsersBackend = "mongo" }, "usersBackend"},
		{"bad port", func(c *Config) { c.Gateway.Port = 70000 }, "gateway.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCredentialsAddress(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = "/data"
	addr := cfg.CredentialsAddress()
	if !strings.HasPrefix(addr, "file:/data/session.db?") {
		t.Errorf("address = %q", addr)
	}

	cfg.Session.CredentialsDSN = "postgres://x"
	if got := cfg.CredentialsAddress(); got != "postgres://x" {
		t.Errorf("address = %q", got)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	if err := os.WriteFile(path, []byte(`{dispatch: {autoReplyChance: 0.1}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 10 * time.Millisecond

	got := make(chan float64, 4)
	w.OnChange(func(cfg *Config) { got <- cfg.Dispatch.AutoReplyChance })
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(`{dispatch: {autoReplyChance: 0.75}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case chance := <-got:
		if chance != 0.75 {
			t.Errorf("reloaded chance = %v, want 0.75", chance)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "secret"
	cfg.Storage.UsersDSN = "postgres://bot:hunter2@db:5432/bot"
	cfg.Storage.RedisURL = "redis://localhost:6379/0"
	cfg.Session.CredentialsDSN = "host=db password=hunter2"
	cfg.Telemetry.Headers = map[string]string{"authorization": "Bearer x"}

	m := cfg.MaskedCopy()
	if m.Gateway.Token != "***" {
		t.Errorf("token = %q", m.Gateway.Token)
	}
	if strings.Contains(m.Storage.UsersDSN, "hunter2") || !strings.Contains(m.Storage.UsersDSN, "bot:") {
		t.Errorf("users dsn = %q", m.Storage.UsersDSN)
	}
	if m.Storage.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("redis url = %q", m.Storage.RedisURL)
	}
	if m.Session.CredentialsDSN != "***" {
		t.Errorf("credentials dsn = %q", m.Session.CredentialsDSN)
	}
	if m.Telemetry.Headers["authorization"] != "***" || cfg.Telemetry.Headers["authorization"] != "Bearer x" {
		t.Error("headers not masked on the copy only")
	}
	if cfg.Gateway.Token != "secret" {
		t.Error("original modified")
	}
}
