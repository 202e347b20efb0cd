package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/giorgosg1an/go-scrape-superleague/config"
	"github.com/giorgosg1an/go-scrape-superleague/models"
	"github.com/giorgosg1an/go-scrape-superleague/pipeline"
	"github.com/giorgosg1an/go-scrape-superleague/scraper"
)

const (
	ExitSuccess   = 0
	ExitError     = 1
	ExitNoRecords = 2
)

// errNoRecords marks a run where a requested season produced nothing.
var errNoRecords = errors.New("no records produced")

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(ExitError)
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		if errors.Is(err, errNoRecords) {
			os.Exit(ExitNoRecords)
		}
		os.Exit(ExitError)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slscrape",
		Short: "Scrape Super League seasonal team statistics into CSV tables",
		Long: `Scrapes the league site's teams index for historical seasons, each
season's roster for teams, and each team's statistics pages, then writes
one table per season plus a combined table under the output root.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Site base URL")
	flags.StringVar(&cfg.OutputRoot, "output-root", cfg.OutputRoot, "Root directory for season tables")
	flags.StringVar(&cfg.OutputFormat, "format", cfg.OutputFormat, "Output format: csv, json, or dual")
	flags.StringSliceVar(&cfg.Seasons, "seasons", cfg.Seasons, "Season labels to scrape (default: all but the current one)")
	flags.BoolVar(&cfg.IncludeCurrent, "include-current", cfg.IncludeCurrent, "Include the in-progress season")
	flags.BoolVar(&cfg.SkipCombine, "skip-combine", cfg.SkipCombine, "Skip merging season tables into the combined table")
	flags.BoolVar(&cfg.DiscoverOnly, "discover-only", cfg.DiscoverOnly, "List seasons and teams without scraping stats")
	flags.IntVar(&cfg.Parallelism, "parallel", cfg.Parallelism, "Number of concurrent requests")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	flags.DurationVar(&cfg.Delay, "delay", cfg.Delay, "Delay between requests")
	flags.DurationVar(&cfg.RandomDelay, "random-delay", cfg.RandomDelay, "Random jitter added to delay")
	flags.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Maximum retry attempts per URL (0 = single attempt)")
	flags.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Initial retry backoff")
	flags.DurationVar(&cfg.RetryBackoffMax, "retry-backoff-max", cfg.RetryBackoffMax, "Maximum retry backoff")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose logging")

	return cmd
}

func run(cfg *config.Config) error {
	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("starting scrape",
		slog.String("base_url", cfg.BaseURL),
		slog.String("output_root", cfg.OutputRoot),
		slog.Int("workers", cfg.Parallelism),
	)

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		return fmt.Errorf("initialising scraper: %w", err)
	}

	writer, err := pipeline.NewTableWriter(cfg.OutputFormat)
	if err != nil {
		return fmt.Errorf("creating writer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && s.Metrics != nil {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	p := pipeline.NewPipeline(ctx, writer, cfg)
	p.Start(cfg.Parallelism)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	startTime := time.Now()
	result, err := s.Run(ctx, p)
	if err != nil {
		p.Close()
		return fmt.Errorf("scraping failed: %w", err)
	}

	if err := p.Close(); err != nil {
		return fmt.Errorf("pipeline shutdown failed: %w", err)
	}
	s.FinishResult(result, p.SeasonCounts())

	var paths []string
	if !cfg.DiscoverOnly {
		paths, err = p.Flush()
		if err != nil {
			return fmt.Errorf("writing season tables: %w", err)
		}
	}

	combinedPath := ""
	combinedRows := 0
	if !cfg.DiscoverOnly && !cfg.SkipCombine && len(paths) > 0 {
		if cfg.OutputFormat == "json" {
			slog.Warn("combine skipped: combined table requires csv season tables, use --format dual")
		} else {
			combinedPath, combinedRows, err = pipeline.Combine(paths, cfg.OutputRoot)
			if err != nil {
				return fmt.Errorf("combining season tables: %w", err)
			}
			slog.Info("wrote combined table",
				slog.String("path", combinedPath),
				slog.Int("rows", combinedRows),
			)
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(result, time.Since(startTime), cfg.OutputRoot, combinedPath, p.GetMetrics())

	if len(result.EmptySeasons) > 0 {
		return fmt.Errorf("%w for seasons: %s", errNoRecords, strings.Join(result.EmptySeasons, ", "))
	}
	return nil
}

func printSummary(result *models.ScrapeResult, duration time.Duration, outputRoot, combinedPath string, pipelineMetrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")

	fmt.Printf("  Seasons:       %d\n", len(result.RecordsBySeason))
	fmt.Printf("  Total records: %d\n", result.TotalCount)
	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.RequestCount-result.ErrorCount) / float64(result.RequestCount) * 100
	}
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Failed URLs:   %d\n", len(result.FailedURLs))
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	if dropped, ok := pipelineMetrics["dropped"].(map[string]int); ok && len(dropped) > 0 {
		fmt.Printf("  Dropped rows:  %v\n", dropped)
	}
	if len(result.EmptySeasons) > 0 {
		fmt.Printf("  Empty seasons: %v\n", result.EmptySeasons)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Output root:   %s\n", outputRoot)
	if combinedPath != "" {
		fmt.Printf("  Combined file: %s\n", combinedPath)
	}
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
