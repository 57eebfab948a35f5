// Package models contains the data structures used throughout pgdump-relay.
package models

import "time"

// RelayConfig holds the complete configuration for the relay.
// It is built once at startup and never mutated afterwards.
type RelayConfig struct {
	Server           ServerSettings
	Access           AccessConfig
	Postgres         PostgresConfig
	Guards           GuardSettings
	AllowedDatabases []string
	Telegram         *TelegramConfig // nil if not configured
}

// ServerSettings holds listener settings.
type ServerSettings struct {
	ListenAddr      string
	MetricsAddr     string // empty disables the metrics listener
	ShutdownTimeout time.Duration
}

// AccessConfig holds the credentials and policy used by the access gate.
type AccessConfig struct {
	Token       string   // optional shared secret
	User        string   // optional basic username
	Password    string   // optional basic password, plain or bcrypt hash
	RequireBoth bool     // require-all instead of require-any-configured
	AllowIPs    []string // IPs or CIDRs, empty = unrestricted
}

// TokenConfigured reports whether the shared secret method is configured.
func (a AccessConfig) TokenConfigured() bool {
	return a.Token != ""
}

// BasicConfigured reports whether the username/password method is configured.
func (a AccessConfig) BasicConfigured() bool {
	return a.User != "" && a.Password != ""
}

// GuardSettings holds optional launch guards.
type GuardSettings struct {
	RatePerMinute  float64 // 0 disables rate limiting
	RateBurst      int
	ExclusiveDumps bool // one running dump per database
}
