// Command pdfbudget recompresses and splits PDFs so every output fits a
// byte budget.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wudi/pdfbudget/config"
	"github.com/wudi/pdfbudget/observability"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errFailedDocuments makes the process exit with status 1 after the batch
// report has been printed.
var errFailedDocuments = errors.New("one or more documents failed")

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "pdfbudget",
	Short:         "Shrink and split PDFs to fit a per-file size budget",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json)")
}

// loadConfig layers flags that were set explicitly over file and env.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	return cfg, nil
}

func newLogger(cfg config.Config) observability.Logger {
	l := observability.NewLogrusLogger(cfg.LogLevel, cfg.LogFormat)
	l.SetOutput(os.Stderr)
	return observability.NewLogrus(l)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errFailedDocuments) {
			fmt.Fprintln(os.Stderr, "pdfbudget:", err)
		}
		os.Exit(1)
	}
}
