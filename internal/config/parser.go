// Package config loads the relay configuration from the environment and an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/fgeck/pgdump-relay/internal/services/auth"
	"github.com/fgeck/pgdump-relay/internal/services/postgres"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Configuration keys. The environment variable for a key is its upper case
// form, and the same lower case names are used in the YAML file.
const (
	keyPGHost          = "pghost"
	keyPGPort          = "pgport"
	keyPGUser          = "pguser"
	keyPGPassword      = "pgpassword"
	keyPGDumpBin       = "pgdump_bin"
	keyPGDumpFormat    = "pgdump_format"
	keyPGDumpCompress  = "pgdump_compress"
	keyAllowedDBs      = "allowed_dbs"
	keyBackupToken     = "backup_token"
	keyBackupUser      = "backup_user"
	keyBackupPass      = "backup_pass"
	keyRequireBoth     = "require_both"
	keyAllowIPs        = "allow_ips"
	keyListenAddr      = "listen_addr"
	keyMetricsAddr     = "metrics_addr"
	keyShutdownTimeout = "shutdown_timeout"
	keyRatePerMinute   = "backup_rate_per_minute"
	keyRateBurst       = "backup_rate_burst"
	keyExclusiveDumps  = "exclusive_dumps"
	keyTelegramToken   = "telegram_bot_token"
	keyTelegramChatID  = "telegram_chat_id"
)

var keys = []string{
	keyPGHost, keyPGPort, keyPGUser, keyPGPassword,
	keyPGDumpBin, keyPGDumpFormat, keyPGDumpCompress,
	keyAllowedDBs,
	keyBackupToken, keyBackupUser, keyBackupPass, keyRequireBoth, keyAllowIPs,
	keyListenAddr, keyMetricsAddr, keyShutdownTimeout,
	keyRatePerMinute, keyRateBurst, keyExclusiveDumps,
	keyTelegramToken, keyTelegramChatID,
}

// Parser handles configuration parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser with defaults applied and
// every key bound to its environment variable.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault(keyPGHost, "localhost")
	v.SetDefault(keyPGPort, 5432)
	v.SetDefault(keyPGUser, "postgres")
	v.SetDefault(keyPGDumpBin, postgres.DefaultBinary)
	v.SetDefault(keyPGDumpFormat, postgres.FormatCustom)
	v.SetDefault(keyPGDumpCompress, 6)
	v.SetDefault(keyRequireBoth, false)
	v.SetDefault(keyListenAddr, ":8080")
	v.SetDefault(keyShutdownTimeout, 15*time.Second)
	v.SetDefault(keyRatePerMinute, 0)
	v.SetDefault(keyRateBurst, 1)
	v.SetDefault(keyExclusiveDumps, false)

	v.AutomaticEnv()
	for _, key := range keys {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	return &Parser{v: v}
}

// LoadEnv loads configuration from the environment only.
func (p *Parser) LoadEnv() (*models.RelayConfig, error) {
	return p.parse()
}

// LoadFile loads configuration from a file path. Environment variables
// override values from the file.
func (p *Parser) LoadFile(path string) (*models.RelayConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.RelayConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.RelayConfig, error) {
	cfg := &models.RelayConfig{}

	port, err := p.intValue(keyPGPort)
	if err != nil {
		return nil, err
	}
	compression, err := p.intValue(keyPGDumpCompress)
	if err != nil {
		return nil, err
	}

	cfg.Postgres = models.PostgresConfig{
		Host:        p.stringValue(keyPGHost),
		Port:        port,
		Username:    p.stringValue(keyPGUser),
		Password:    p.stringValue(keyPGPassword),
		Binary:      p.stringValue(keyPGDumpBin),
		Format:      strings.ToLower(p.stringValue(keyPGDumpFormat)),
		Compression: compression,
	}

	cfg.AllowedDatabases = p.listValue(keyAllowedDBs)

	requireBoth, err := cast.ToBoolE(p.v.Get(keyRequireBoth))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", strings.ToUpper(keyRequireBoth), err)
	}

	cfg.Access = models.AccessConfig{
		Token:       p.stringValue(keyBackupToken),
		User:        p.stringValue(keyBackupUser),
		Password:    p.stringValue(keyBackupPass),
		RequireBoth: requireBoth,
		AllowIPs:    p.listValue(keyAllowIPs),
	}

	shutdownTimeout, err := cast.ToDurationE(p.v.Get(keyShutdownTimeout))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", strings.ToUpper(keyShutdownTimeout), err)
	}

	cfg.Server = models.ServerSettings{
		ListenAddr:      p.stringValue(keyListenAddr),
		MetricsAddr:     p.stringValue(keyMetricsAddr),
		ShutdownTimeout: shutdownTimeout,
	}

	ratePerMinute, err := cast.ToFloat64E(p.v.Get(keyRatePerMinute))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", strings.ToUpper(keyRatePerMinute), err)
	}
	burst, err := p.intValue(keyRateBurst)
	if err != nil {
		return nil, err
	}
	exclusive, err := cast.ToBoolE(p.v.Get(keyExclusiveDumps))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", strings.ToUpper(keyExclusiveDumps), err)
	}

	cfg.Guards = models.GuardSettings{
		RatePerMinute:  ratePerMinute,
		RateBurst:      burst,
		ExclusiveDumps: exclusive,
	}

	// Parse optional Telegram config.
	botToken := p.stringValue(keyTelegramToken)
	chatID := p.stringValue(keyTelegramChatID)
	if botToken != "" || chatID != "" {
		if botToken == "" {
			return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required when TELEGRAM_CHAT_ID is set")
		}
		if chatID == "" {
			return nil, fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
		}
		cfg.Telegram = &models.TelegramConfig{
			BotToken: botToken,
			ChatID:   chatID,
		}
	}

	return cfg, nil
}

// stringValue returns the trimmed value of key. Values taken from the
// environment are never expanded. Values from the config file may reference
// environment variables as ${VAR}; a bare $ is kept so bcrypt hashes and
// tokens containing $ survive.
func (p *Parser) stringValue(key string) string {
	if val, ok := os.LookupEnv(strings.ToUpper(key)); ok && val != "" {
		return strings.TrimSpace(val)
	}
	return strings.TrimSpace(expandEnv(p.v.GetString(key)))
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with the value of VAR.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

func (p *Parser) intValue(key string) (int, error) {
	n, err := cast.ToIntE(p.v.Get(key))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", strings.ToUpper(key), err)
	}
	return n, nil
}

// listValue accepts a comma-separated string (as set in the environment)
// or a YAML sequence. Entries are trimmed and blanks are dropped.
func (p *Parser) listValue(key string) []string {
	var raw []string
	switch val := p.v.Get(key).(type) {
	case nil:
		return nil
	case string:
		raw = strings.Split(val, ",")
	default:
		raw = cast.ToStringSlice(val)
	}
	return SplitList(raw)
}

// SplitList trims each entry, splits entries that still contain commas and
// drops blanks.
func SplitList(entries []string) []string {
	var out []string
	for _, entry := range entries {
		for _, item := range strings.Split(entry, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

// Validate performs validation on the loaded configuration.
// A configuration without any auth method is valid: the gate denies every
// request in that case.
func Validate(cfg *models.RelayConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Postgres.Port < 1 || cfg.Postgres.Port > 65535 {
		return fmt.Errorf("PGPORT must be between 1 and 65535, got %d", cfg.Postgres.Port)
	}
	if cfg.Postgres.Host == "" {
		return fmt.Errorf("PGHOST must not be empty")
	}
	if cfg.Postgres.Binary == "" {
		return fmt.Errorf("PGDUMP_BIN must not be empty")
	}

	validFormats := map[string]bool{
		postgres.FormatCustom: true,
		postgres.FormatPlain:  true,
		postgres.FormatTar:    true,
	}
	if !validFormats[cfg.Postgres.Format] {
		return fmt.Errorf("PGDUMP_FORMAT must be one of: custom, plain, tar")
	}
	if cfg.Postgres.Compression < 0 || cfg.Postgres.Compression > 9 {
		return fmt.Errorf("PGDUMP_COMPRESS must be between 0 and 9, got %d", cfg.Postgres.Compression)
	}

	if _, err := auth.ParseAllowList(cfg.Access.AllowIPs); err != nil {
		return fmt.Errorf("ALLOW_IPS: %w", err)
	}

	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}

	if cfg.Guards.RatePerMinute < 0 {
		return fmt.Errorf("BACKUP_RATE_PER_MINUTE must not be negative")
	}
	if cfg.Guards.RateBurst < 1 {
		return fmt.Errorf("BACKUP_RATE_BURST must be at least 1")
	}

	return nil
}
