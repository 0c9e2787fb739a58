package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AharonR/downloader/internal/queue"
	"github.com/AharonR/downloader/internal/storage"
)

func newStatusCmd() *cobra.Command {
	var flagOutputDir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts for an output directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := buildLogger()
			settings, err := loadSettings(log)
			if err != nil {
				return err
			}
			if flagOutputDir != "" {
				settings.OutputDir = flagOutputDir
			}

			q, err := queue.Open(
				filepath.Join(settings.OutputDir, ".downloader", "queue.db"),
				storage.Options{
					MaxConnections: settings.DBMaxConnections,
					BusyTimeoutMs:  settings.DBBusyTimeoutMs,
				})
			if err != nil {
				return err
			}
			defer q.Close()

			out := cmd.OutOrStdout()
			for _, status := range []string{
				storage.StatusPending, storage.StatusInProgress,
				storage.StatusCompleted, storage.StatusFailed,
			} {
				count, err := q.CountByStatus(status)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-12s %d\n", status, count)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flagOutputDir, "output-dir", "o", "", "output directory whose queue to inspect")
	return cmd
}
