package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/config"
	"github.com/market-analytics-engine/internal/marketdata"
	"github.com/market-analytics-engine/internal/storage"
	"github.com/market-analytics-engine/internal/timeseries"
	"github.com/market-analytics-engine/pkg/observability"
)

func main() {
	var (
		tickers = flag.String("tickers", "AAPL,MSFT,GOOG", "comma-separated equity tickers to download")
		start   = flag.String("start", "", "start date (YYYY-MM-DD)")
		end     = flag.String("end", "", "end date (YYYY-MM-DD), defaults to today")
		years   = flag.Int("years", 2, "years of history when -start is not given")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability)
	ctx := context.Background()

	endDate := time.Now().UTC()
	if *end != "" {
		endDate, err = time.Parse("2006-01-02", *end)
		if err != nil {
			log.Fatalf("Invalid end date %q: %v", *end, err)
		}
	}
	startDate := endDate.AddDate(-*years, 0, 0)
	if *start != "" {
		startDate, err = time.Parse("2006-01-02", *start)
		if err != nil {
			log.Fatalf("Invalid start date %q: %v", *start, err)
		}
	}
	dateRange := timeseries.NewDateRange(startDate, endDate)

	var assets []asset.Key
	for _, ticker := range strings.Split(*tickers, ",") {
		ticker = strings.TrimSpace(ticker)
		if ticker == "" {
			continue
		}
		key, err := asset.NewEquity(ticker)
		if err != nil {
			log.Fatalf("Invalid ticker %q: %v", ticker, err)
		}
		assets = append(assets, key)
	}
	if len(assets) == 0 {
		log.Fatal("No tickers given")
	}

	store, err := storage.NewSqliteProvider(cfg.Database.Path, logger)
	if err != nil {
		logger.Error(ctx, "Failed to open database", err, map[string]interface{}{
			"path": cfg.Database.Path,
		})
		os.Exit(1)
	}
	defer store.Close()

	downloader := marketdata.NewDownloader(cfg.Downloader, logger)

	logger.Info(ctx, "Starting download", map[string]interface{}{
		"assets": len(assets),
		"start":  dateRange.Start.Format("2006-01-02"),
		"end":    dateRange.End.Format("2006-01-02"),
	})

	result, err := downloader.DownloadInto(ctx, store, assets, dateRange)
	if err != nil {
		logger.Error(ctx, "Download failed", err)
		os.Exit(1)
	}

	logger.Info(ctx, "Download complete", map[string]interface{}{
		"downloaded": result.Downloaded,
		"skipped":    result.Skipped,
		"failed":     result.Failed,
	})

	if result.Failed > 0 {
		os.Exit(1)
	}
}
