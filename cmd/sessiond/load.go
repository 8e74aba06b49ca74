package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/kvsessions/internal/httpsession"
	"github.com/whisper/kvsessions/internal/loadgen"
	"github.com/whisper/kvsessions/internal/logging"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Drive a running sessiond with simulated users",
	Long: `load opens sessions against one context of a running sessiond, writes and
reads an attribute in each round, optionally renews the id, and invalidates
the session at the end. Server metrics are scraped while it runs.`,
	RunE: runLoad,
}

func init() {
	f := loadCmd.Flags()
	f.String("url", "http://localhost:8080/app", "session context URL")
	f.String("metrics", "http://localhost:8080/metrics", "server metrics URL (empty disables scraping)")
	f.String("cookie", httpsession.DefaultCookieName, "session cookie name")
	f.Int("users", 100, "number of simulated users")
	f.Int("concurrency", 20, "users running at the same time")
	f.Int("iterations", 10, "write/read rounds per user")
	f.Int("renew-every", 0, "renew the session id every n rounds (0 disables)")
	f.Duration("pause", 0, "pause between rounds")
	f.Bool("keep", false, "leave sessions in the store")
	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	var opts loadgen.Options
	opts.BaseURL, _ = f.GetString("url")
	opts.CookieName, _ = f.GetString("cookie")
	opts.Users, _ = f.GetInt("users")
	opts.Concurrency, _ = f.GetInt("concurrency")
	opts.Iterations, _ = f.GetInt("iterations")
	opts.RenewEvery, _ = f.GetInt("renew-every")
	opts.Pause, _ = f.GetDuration("pause")
	opts.KeepSessions, _ = f.GetBool("keep")
	opts.Logger = logging.New(logging.ParseLevel("warn"))
	metricsURL, _ := f.GetString("metrics")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session load: %d users x %d rounds against %s (concurrency=%d)\n",
		opts.Users, opts.Iterations, opts.BaseURL, opts.Concurrency)

	stats := loadgen.NewCollector()
	var scraper *loadgen.Scraper
	if metricsURL != "" {
		scraper = loadgen.NewScraper(metricsURL, time.Second)
		scraper.Start(ctx)
		stats.SetScraper(scraper)
	}

	failed := loadgen.Run(ctx, opts, stats)
	if scraper != nil {
		scraper.Stop()
	}
	stats.Report(out)

	if failed > 0 {
		return fmt.Errorf("%d of %d users failed", failed, opts.Users)
	}
	return nil
}
