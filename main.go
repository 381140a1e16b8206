package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"

	"openrange/config"
	"openrange/internal/adapters/binancefeed"
	"openrange/internal/adapters/logger"
	"openrange/internal/adapters/ninjafeed"
	"openrange/internal/adapters/sqlite"
	"openrange/internal/clock"
	"openrange/internal/engine"
	"openrange/internal/metrics"
	"openrange/internal/ports"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	if cfg.LogFormat == "json" {
		appLogger = logger.NewZerologLogger(cfg.LogLevel)
	} else {
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{
		"level":  cfg.LogLevel.String(),
		"format": cfg.LogFormat,
	})

	// 3. Load the trading timetable
	tt, err := config.LoadTimetable(cfg.TimetablePath)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to load timetable")
		log.Fatalf("FATAL: Failed to load timetable: %v", err)
	}
	cal, err := clock.NewCalendar(tt.Exchange.Timezone, tt.Exchange.CutoverHour)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to build exchange calendar")
		log.Fatalf("FATAL: Failed to build exchange calendar: %v", err)
	}
	appLogger.Info(context.Background(), "Timetable loaded", map[string]interface{}{
		"path":     cfg.TimetablePath,
		"streams":  len(tt.Streams),
		"timezone": tt.Exchange.Timezone,
	})

	// 4. Initialize Journal (Database Adapter)
	journal, err := sqlite.NewJournal(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize journal")
		log.Fatalf("FATAL: Failed to initialize journal: %v", err) // Also log to stderr
	}
	defer func() {
		if err := journal.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing journal")
		}
	}()
	appLogger.Info(context.Background(), "Journal initialized", map[string]interface{}{"dbPath": cfg.DBPath})

	// 5. Initialize Market Feed Adapter
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
	appLogger.Info(context.Background(), "Market feed initialized", map[string]interface{}{"feed": string(cfg.Feed)})

	// 6. Metrics listener (optional)
	m := metrics.New()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			appLogger.Info(context.Background(), "Metrics listener starting", map[string]interface{}{"addr": cfg.MetricsAddr})
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				appLogger.Error(context.Background(), err, "Metrics listener stopped")
			}
		}()
	}

	// 7. Initialize and run the engine
	eng, err := engine.New(engine.Options{
		Timetable:        tt,
		Calendar:         cal,
		Feed:             feed,
		Journal:          journal,
		Logger:           appLogger,
		Metrics:          m,
		BarInterval:      cfg.BarInterval,
		HydrationTimeout: cfg.HydrationTimeout,
		LiveMode:         cfg.LiveMode,
		AdminToken:       cfg.AdminToken,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize engine")
		log.Fatalf("FATAL: Failed to initialize engine: %v", err)
	}

	if err := eng.Run(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Engine exited with error")
		log.Fatalf("FATAL: Engine exited with error: %v", err)
	}
	appLogger.Info(context.Background(), "Engine shut down cleanly")
}
