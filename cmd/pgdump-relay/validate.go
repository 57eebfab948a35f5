package main

import (
	"fmt"

	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the configuration from the environment and the optional config file without starting the server.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Server:")
	fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Metrics: %s\n", orDisabled(cfg.Server.MetricsAddr))
	fmt.Printf("  Shutdown Timeout: %s\n", cfg.Server.ShutdownTimeout)
	fmt.Println()
	fmt.Println("PostgreSQL:")
	fmt.Printf("  Host: %s\n", cfg.Postgres.Host)
	fmt.Printf("  Port: %d\n", cfg.Postgres.Port)
	fmt.Printf("  Username: %s\n", cfg.Postgres.Username)
	fmt.Printf("  Password: %s\n", secret(cfg.Postgres.Password))
	fmt.Printf("  Binary: %s\n", cfg.Postgres.Binary)
	fmt.Printf("  Format: %s\n", cfg.Postgres.Format)
	fmt.Printf("  Compression: %d\n", cfg.Postgres.Compression)
	fmt.Printf("  Allowed Databases: %v\n", cfg.AllowedDatabases)
	fmt.Println()
	fmt.Println("Access:")
	fmt.Printf("  Token: %s\n", secret(cfg.Access.Token))
	fmt.Printf("  Basic User: %s\n", orDisabled(cfg.Access.User))
	fmt.Printf("  Basic Password: %s\n", secret(cfg.Access.Password))
	fmt.Printf("  Policy: %s\n", policy(cfg.Access))
	fmt.Printf("  Allowed IPs: %v\n", cfg.Access.AllowIPs)
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Rate Limit: %v\n", cfg.Guards.RatePerMinute > 0)
	fmt.Printf("  Exclusive Dumps: %v\n", cfg.Guards.ExclusiveDumps)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)

	if cfg.Guards.RatePerMinute > 0 {
		fmt.Println()
		fmt.Println("Rate Limit Configuration:")
		fmt.Printf("  Per Minute: %g\n", cfg.Guards.RatePerMinute)
		fmt.Printf("  Burst: %d\n", cfg.Guards.RateBurst)
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	return nil
}

func secret(s string) string {
	if s == "" {
		return "(not set)"
	}
	return "(configured)"
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}

func policy(a models.AccessConfig) string {
	switch {
	case !a.TokenConfigured() && !a.BasicConfigured():
		return "deny all (no auth configured)"
	case a.RequireBoth:
		return "require all"
	default:
		return "require any configured"
	}
}
