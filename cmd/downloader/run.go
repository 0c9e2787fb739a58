package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AharonR/downloader/internal/api"
	"github.com/AharonR/downloader/internal/auth"
	"github.com/AharonR/downloader/internal/config"
	"github.com/AharonR/downloader/internal/download"
	"github.com/AharonR/downloader/internal/engine"
	"github.com/AharonR/downloader/internal/queue"
	"github.com/AharonR/downloader/internal/ratelimit"
	"github.com/AharonR/downloader/internal/retry"
	"github.com/AharonR/downloader/internal/robots"
	"github.com/AharonR/downloader/internal/storage"
)

func newRunCmd() *cobra.Command {
	var (
		flagOutputDir   string
		flagConcurrency int
		flagRateLimit   int
		flagJitter      int
		flagMaxRetries  int
		flagCheckRobots bool
		flagSidecar     bool
		flagCookies     string
		flagSaveCookies bool
		flagInput       string
		flagProject     string
		flagStatusPort  int
	)

	cmd := &cobra.Command{
		Use:   "run [url]...",
		Short: "Download the given URLs (or an input file of URLs)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := buildLogger()

			settings, err := loadSettings(log)
			if err != nil {
				return err
			}
			overlayFlags(cmd, &settings, flagOutputDir, flagConcurrency,
				flagRateLimit, flagJitter, flagMaxRetries, flagCheckRobots, flagSidecar)

			urls, err := collectInputs(args, flagInput)
			if err != nil {
				return err
			}
			if len(urls) == 0 {
				return fmt.Errorf("nothing to download: pass URLs as arguments or use --input")
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
			defer func() {
				_ = q.Checkpoint()
				_ = q.Close()
			}()

			for _, u := range urls {
				active, err := q.HasActiveURL(u)
				if err != nil {
					return err
				}
				if active {
					log.Info("Skipping duplicate of an active item", "url", u)
					continue
				}
				if _, err := q.Enqueue(queue.EnqueueRequest{URL: u, SourceType: "url", OriginalInput: u}); err != nil {
					return err
				}
			}

			cookieStore, err := auth.NewStore(log)
			if err != nil {
				log.Warn("Cookie store unavailable", "error", err)
			}
			jar, err := auth.LoadRuntimeJar(log, cookieStore, flagCookies, flagSaveCookies)
			if err != nil {
				return err
			}

			client := download.NewClient(log, download.Options{
				ConnectTimeout: time.Duration(settings.DownloadConnectTimeoutSecs) * time.Second,
				ReadTimeout:    time.Duration(settings.DownloadReadTimeoutSecs) * time.Second,
				Jar:            jar,
			})

			limiter := ratelimit.New(log,
				time.Duration(settings.RateLimitMs)*time.Millisecond,
				time.Duration(settings.RateLimitJitter)*time.Millisecond)
			policy := retry.NewPolicy(settings.MaxRetries)

			eng := engine.New(log, settings.Concurrency, policy, limiter)
			eng.SetProject(flagProject)

			opts := engine.Options{
				GenerateSidecars: settings.Sidecar,
				CheckRobots:      settings.CheckRobots,
			}
			if settings.CheckRobots {
				opts.Robots = robots.NewCache(log)
			}

			if flagStatusPort >= 0 {
				if _, err := api.NewStatusServer(log, q).Start(flagStatusPort); err != nil {
					log.Warn("Could not start status server", "error", err)
				}
			}

			var cancel atomic.Bool
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Warn("Interrupt received, finishing current items")
				cancel.Store(true)
			}()

			stats, err := eng.ProcessQueueInterruptibleWithOptions(
				context.Background(), q, client, settings.OutputDir, &cancel, opts)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"Done: %d completed, %d failed, %d retried (of %d)\n",
				stats.Completed, stats.Failed, stats.Retried, stats.Total)
			printFailureSummary(cmd, q)

			exitCode = stats.ExitCode()
			return nil
		},
	}

	cmd.Flags().StringVarP(&flagOutputDir, "output-dir", "o", "", "directory for downloaded files")
	cmd.Flags().IntVarP(&flagConcurrency, "concurrency", "c", 0, "number of concurrent downloads (1-100)")
	cmd.Flags().IntVar(&flagRateLimit, "rate-limit", -1, "per-domain delay between requests in ms (0-60000)")
	cmd.Flags().IntVar(&flagJitter, "rate-limit-jitter", -1, "max extra random delay per request in ms")
	cmd.Flags().IntVar(&flagMaxRetries, "max-retries", 0, "maximum attempts per item")
	cmd.Flags().BoolVar(&flagCheckRobots, "check-robots", false, "honor robots.txt before downloading")
	cmd.Flags().BoolVar(&flagSidecar, "sidecar", false, "write JSON-LD sidecar files next to downloads")
	cmd.Flags().StringVar(&flagCookies, "cookies", "", "cookie file (Netscape or JSON; '-' reads stdin)")
	cmd.Flags().BoolVar(&flagSaveCookies, "save-cookies", false, "persist imported cookies to the encrypted store")
	cmd.Flags().StringVarP(&flagInput, "input", "i", "", "file with one URL per line")
	cmd.Flags().StringVar(&flagProject, "project", "", "project key recorded on history rows")
	cmd.Flags().IntVar(&flagStatusPort, "status-port", -1, "serve a loopback status API on this port (0 = ephemeral)")

	return cmd
}

func overlayFlags(cmd *cobra.Command, s *config.Settings, outputDir string, concurrency, rateLimit, jitter, maxRetries int, checkRobots, sidecar bool) {
	if outputDir != "" {
		s.OutputDir = outputDir
	}
	if concurrency > 0 {
		s.Concurrency = concurrency
	}
	if rateLimit >= 0 {
		s.RateLimitMs = rateLimit
	}
	if jitter >= 0 {
		s.RateLimitJitter = jitter
	}
	if maxRetries > 0 {
		s.MaxRetries = maxRetries
	}
	if cmd.Flags().Changed("check-robots") {
		s.CheckRobots = checkRobots
	}
	if cmd.Flags().Changed("sidecar") {
		s.Sidecar = sidecar
	}
}

func collectInputs(args []string, inputPath string) ([]string, error) {
	urls := append([]string{}, args...)
	if inputPath == "" {
		return urls, nil
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open input file %q: %w", inputPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	return urls, nil
}

// printFailureSummary renders what/why/fix lines for recent failures.
func printFailureSummary(cmd *cobra.Command, q *queue.Queue) {
	attempts, err := q.QueryAttempts(queue.AttemptQuery{Status: storage.AttemptFailed, Limit: 10})
	if err != nil || len(attempts) == 0 {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nFailures:")
	for _, attempt := range attempts {
		d := engine.DescribeAttempt(&attempt)
		fmt.Fprintf(out, "  [%s] %s\n    %s\n    Why: %s\n    Fix: %s\n",
			d.Category.Label(), attempt.URL, d.What, d.Why, d.Fix)
	}
}
