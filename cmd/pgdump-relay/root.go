package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fgeck/pgdump-relay/internal/config"
	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "pgdump-relay",
	Short: "An authenticated HTTP relay for pg_dump",
	Long: `pgdump-relay streams pg_dump output to authenticated HTTP callers:
  - Source IP allow-list, shared token and basic auth
  - Database allow-list
  - Chunked streaming of custom, tar or plain dumps
  - Prometheus metrics and Telegram failure notifications

Configuration comes from environment variables and an optional YAML file.
Call it from a scheduler on the backup host, e.g.
  curl -H "X-Backup-Token: $TOKEN" "http://db-host:8080/backup?db=app" -o app.dump`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "optional YAML config file, environment variables take precedence")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// Set output format
	if jsonOutput {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadConfig reads the environment and, if --config is set, the YAML file,
// then validates the result.
func loadConfig() (*models.RelayConfig, error) {
	parser := config.NewParser()

	var (
		cfg *models.RelayConfig
		err error
	)
	if configFile != "" {
		if _, statErr := os.Stat(configFile); os.IsNotExist(statErr) {
			log.Error().Str("file", configFile).Msg("config file not found")
			return nil, fmt.Errorf("config file not found: %s", configFile)
		}
		cfg, err = parser.LoadFile(configFile)
	} else {
		cfg, err = parser.LoadEnv()
	}
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}

	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
