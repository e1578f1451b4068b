// Command linkload publishes synthetic chat messages at a running guardian
// and reports publish latency alongside the guardian's own metrics.
//
// Usage:
//
//	linkload --nats nats://localhost:4222 --rate 50 --duration 1m
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	cli "github.com/urfave/cli/v2"

	"github.com/linkguard/guardian/internal/loadgen"
	"github.com/linkguard/guardian/internal/messaging"
)

func main() {
	app := cli.App{
		Name:  "linkload",
		Usage: "synthetic message load for the link guardian",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "nats", Value: "nats://localhost:4222", EnvVars: []string{"NATS_URL"}, Usage: "NATS server URL"},
			&cli.StringFlag{Name: "metrics", Value: "http://localhost:9102/metrics", Usage: "guardian metrics URL, empty to skip scraping"},
			&cli.Float64Flag{Name: "rate", Value: 20, Usage: "messages per second"},
			&cli.IntFlag{Name: "workers", Value: 4, Usage: "concurrent publishers"},
			&cli.DurationFlag{Name: "duration", Value: 30 * time.Second, Usage: "how long to publish"},
			&cli.IntFlag{Name: "communities", Value: 3, Usage: "synthetic communities"},
			&cli.IntFlag{Name: "users", Value: 100, Usage: "synthetic members per run"},
			&cli.Float64Flag{Name: "link-ratio", Value: 0.5, Usage: "share of messages carrying a link"},
			&cli.StringSliceFlag{Name: "url", Usage: "link to post, repeatable; defaults to a built-in mix"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cctx.String("nats")
	natsConfig.Name = "linkguard-linkload"
	nc, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		return err
	}
	defer nc.Close()

	collector := loadgen.NewCollector()
	var scraper *loadgen.Scraper
	if u := cctx.String("metrics"); u != "" {
		scraper = loadgen.NewScraper(u, 5*time.Second)
		scraper.Start(context.Background())
		collector.SetScraper(scraper)
	}

	gen := loadgen.NewGenerator(loadgen.Options{
		Communities: cctx.Int("communities"),
		Users:       cctx.Int("users"),
		Rate:        cctx.Float64("rate"),
		Workers:     cctx.Int("workers"),
		Duration:    cctx.Duration("duration"),
		LinkRatio:   cctx.Float64("link-ratio"),
		URLs:        cctx.StringSlice("url"),
	})

	fmt.Printf("Publishing %.1f msg/s for %s to %s\n",
		cctx.Float64("rate"), cctx.Duration("duration"), natsConfig.URL)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Printf("  published=%d errors=%d\n", collector.Published(), collector.Errors())
			}
		}
	}()

	gen.Run(ctx, nc, collector)
	stop()
	<-done

	if scraper != nil {
		fmt.Println("\nCollecting final metrics...")
		// Let the guardian drain what is in flight before the last scrape.
		time.Sleep(2 * time.Second)
		scraper.Stop()
	}
	collector.Report(os.Stdout)
	return nil
}
