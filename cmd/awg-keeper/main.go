package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"awg-keeper/pkg/app"
	"awg-keeper/pkg/config"
	applog "awg-keeper/pkg/log"
	"awg-keeper/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "awg-keeper",
	Short: "Provision AmneziaWG peers and keep the server in sync with the record store",
	Long: `awg-keeper issues client configs for an AmneziaWG server, records them,
and periodically reconciles the record store with the running interface and
the companion app's client list.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(version.String() + "\n")
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file (env and .env override it)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupMetadataCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(configsCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

// loadSettings reads and validates settings and initializes logging.
func loadSettings(cmd *cobra.Command) (config.Settings, io.Closer, error) {
	file, _ := cmd.Flags().GetString("config")
	s, err := config.Load(file)
	if err != nil {
		return s, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		s.Log.Level = lvl
	}
	var closer io.Closer = nopCloser{}
	var out io.Writer = os.Stderr
	if s.Log.File != "" {
		f, err := os.OpenFile(s.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return s, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = io.MultiWriter(os.Stderr, f), f
	}
	applog.Init(applog.Config{Level: s.Log.Level, JSONOutput: s.Log.JSON, Output: out})
	if err := s.Validate(); err != nil {
		closer.Close()
		return s, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return s, closer, nil
}

// withApp loads settings, builds the engine and runs fn with it.
func withApp(cmd *cobra.Command, fn func(a *app.App, log zerolog.Logger) error) error {
	s, closer, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()
	log := applog.WithComponent(cmd.Name())
	a, err := app.New(s, applog.Logger, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a, log)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
