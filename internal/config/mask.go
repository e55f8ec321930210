package config

import (
	"net/url"
	"strings"
)

const maskedValue = "***"

// MaskedCopy returns a copy with tokens, DSNs and header values hidden,
// for display in the CLI and on the dashboard.
func (c *Config) MaskedCopy() *Config {
	cp := *c
	cp.Gateway.Token = maskNonEmpty(cp.Gateway.Token)
	cp.Session.CredentialsDSN = maskDSN(cp.Session.CredentialsDSN)
	cp.Storage.UsersDSN = maskDSN(cp.Storage.UsersDSN)
	cp.Storage.RedisURL = maskDSN(cp.Storage.RedisURL)
	if len(c.Telemetry.Headers) > 0 {
		cp.Telemetry.Headers = make(map[string]string, len(c.Telemetry.Headers))
		for k := range c.Telemetry.Headers {
			cp.Telemetry.Headers[k] = maskedValue
		}
	}
	return &cp
}

func maskNonEmpty(s string) string {
	if s == "" {
		return ""
	}
	return maskedValue
}

// maskDSN hides the password of a URL-style DSN. Anything it cannot parse
// is masked entirely.
func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || !strings.Contains(dsn, "://") {
		return maskedValue
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), maskedValue)
	}
	return u.String()
}
