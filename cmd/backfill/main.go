// backfill fetches closed bars from the configured market feed and writes
// them to a CSV file for later replay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"openrange/config"
	"openrange/internal/adapters/binancefeed"
	"openrange/internal/adapters/logger"
	"openrange/internal/adapters/ninjafeed"
	"openrange/internal/ports"
	"openrange/internal/utils"
)

func main() {
	instrument := flag.String("instrument", "", "instrument symbol to fetch (required)")
	startStr := flag.String("start", "", "range start, RFC3339 (required)")
	endStr := flag.String("end", "", "range end exclusive, RFC3339 (default: now)")
	out := flag.String("out", "", "output CSV path (default: data/<instrument>_<start>_to_<end>.csv)")
	flag.Parse()

	if *instrument == "" || *startStr == "" {
		flag.Usage()
		log.Fatal("FATAL: -instrument and -start are required")
	}
	start, err := time.Parse(time.RFC3339, *startStr)
	if err != nil {
		log.Fatalf("FATAL: invalid -start: %v", err)
	}
	end := time.Now().UTC()
	if *endStr != "" {
		end, err = time.Parse(time.RFC3339, *endStr)
		if err != nil {
			log.Fatalf("FATAL: invalid -end: %v", err)
		}
	}

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Market Feed Adapter
	var feed ports.MarketFeed
	switch cfg.Feed {
	case config.FeedBinance:
		feed, err = binancefeed.New(binancefeed.Config{
			APIKey:               cfg.BinanceAPIKey,
			SecretKey:            cfg.BinanceSecretKey,
			UseTestnet:           cfg.BinanceTestnet,
			Logger:               appLogger,
			ReconnectDelay:       cfg.ReconnectDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		})
	case config.FeedNinja:
		feed, err = ninjafeed.New(ninjafeed.Config{
			WebsocketURL:         cfg.BridgeWebsocketURL,
			HTTPURL:              cfg.BridgeHTTPURL,
			Logger:               appLogger,
			ReconnectDelay:       cfg.ReconnectDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		})
	}
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize market feed")
		log.Fatalf("FATAL: Failed to initialize market feed: %v", err)
	}

	fmt.Printf("Fetching bars for %s from %s to %s...\n", *instrument, start, end)
	bars, err := feed.GetHistoricalBars(context.Background(), *instrument, cfg.BarInterval, start, end)
	if err != nil {
		appLogger.Error(context.Background(), err, "Error fetching bars")
		log.Fatalf("Error fetching bars: %v", err)
	}
	appLogger.Info(context.Background(), "Fetched bars", map[string]interface{}{"count": len(bars)})

	filename := *out
	if filename == "" {
		filename = fmt.Sprintf("data/%s_%s_to_%s.csv", *instrument, start.Format("20060102"), end.Format("20060102"))
	}
	if err := utils.WriteBarsToCSV(bars, filename); err != nil {
		appLogger.Error(context.Background(), err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(context.Background(), "Saved to", map[string]interface{}{"filename": filename})
}
