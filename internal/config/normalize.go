package config

import (
	"regexp"
	"strings"
)

var nonDigits = regexp.MustCompile(`[^0-9]+`)

// Normalize fills zero values with defaults and cleans user-provided
// strings. Load calls it; callers building a Config by hand should too.
func (c *Config) Normalize() {
	def := Default()

	c.Session.CredentialsDialect = strings.ToLower(strings.TrimSpace(c.Session.CredentialsDialect))
	if c.Session.CredentialsDialect == "" || c.Session.CredentialsDialect == "sqlite3" {
		c.Session.CredentialsDialect = "sqlite"
	}
	if c.Session.ReconnectDelaySec <= 0 {
		c.Session.ReconnectDelaySec = def.Session.ReconnectDelaySec
	}
	if c.Session.RetryDelaySec <= 0 {
		c.Session.RetryDelaySec = def.Session.RetryDelaySec
	}
	c.Session.DefaultCountryCode = nonDigits.ReplaceAllString(c.Session.DefaultCountryCode, "")
	if c.Session.DefaultCountryCode == "" {
		c.Session.DefaultCountryCode = def.Session.DefaultCountryCode
	}
	if c.Session.DeviceName == "" {
		c.Session.DeviceName = def.Session.DeviceName
	}

	if c.Gateway.UnhealthyAfterSec <= 0 {
		c.Gateway.UnhealthyAfterSec = def.Gateway.UnhealthyAfterSec
	}
	if c.Gateway.PairingBurst <= 0 {
		c.Gateway.PairingBurst = def.Gateway.PairingBurst
	}

	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = def.Dispatch.Workers
	}
	if c.Dispatch.QueueCap <= 0 {
		c.Dispatch.QueueCap = def.Dispatch.QueueCap
	}
	c.Dispatch.AutoReplyChance = ClampChance(c.Dispatch.AutoReplyChance)
	c.Dispatch.CommandPrefixes = NormalizePrefixes(c.Dispatch.CommandPrefixes)
	if c.Dispatch.SelfIDPattern == "" {
		c.Dispatch.SelfIDPattern = def.Dispatch.SelfIDPattern
	}
	if c.Dispatch.DedupeTTLSec <= 0 {
		c.Dispatch.DedupeTTLSec = def.Dispatch.DedupeTTLSec
	}
	if c.Dispatch.DedupeSize <= 0 {
		c.Dispatch.DedupeSize = def.Dispatch.DedupeSize
	}

	c.Storage.UsersBackend = strings.ToLower(strings.TrimSpace(c.Storage.UsersBackend))
	if c.Storage.UsersBackend == "" {
		c.Storage.UsersBackend = def.Storage.UsersBackend
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = def.Storage.DataDir
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
}

// NormalizePrefixes removes whitespace and duplicate characters from a
// command prefix set, keeping first-seen order.
func NormalizePrefixes(prefixes string) string {
	var b strings.Builder
	seen := make(map[rune]bool)
	for _, r := range prefixes {
		if r == ' ' || r == '\t' || r == '\n' || seen[r] {
			continue
		}
		seen[r] = true
		b.WriteRune(r)
	}
	return b.String()
}

// ClampChance limits a probability to [0, 1].
func ClampChance(p float64) float64 {
	if p < 0 || p != p {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
