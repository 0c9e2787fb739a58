package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AharonR/downloader/internal/config"
	"github.com/AharonR/downloader/internal/logger"
)

var (
	flagConfig  string
	flagVerbose bool

	exitCode int
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "downloader",
		Short: "Batch downloader for citation references",
		Long: `downloader turns batches of citation references (URLs, DOIs,
bibliographic reference lines) into organized local files, with a
resumable persistent queue, per-domain rate limiting, retry with
backoff, and encrypted cookie-based authentication.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default: $XDG_CONFIG_HOME/downloader/config.toml)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd())
	root.AddCommand(newCookiesCmd())
	root.AddCommand(newStatusCmd())

	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() (int, error) {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		return exitCode, err
	}
	return exitCode, nil
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	log, err := logger.New(os.Stderr, "", level)
	if err != nil {
		return logger.Discard()
	}
	return log
}

// loadSettings merges defaults, the config file and nothing else;
// command flags overlay afterwards.
func loadSettings(log *slog.Logger) (config.Settings, error) {
	settings := config.Default()

	var file *config.File
	var err error
	if flagConfig != "" {
		file, err = config.Load(flagConfig)
		if err != nil {
			return settings, err
		}
	} else {
		var path string
		file, path, err = config.LoadDefault()
		if err != nil {
			return settings, err
		}
		if file != nil {
			log.Debug("Loaded config file", "path", path)
		}
	}
	file.Apply(&settings)
	return settings, nil
}
