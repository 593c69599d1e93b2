// Package marketdata downloads historical quotes from a Yahoo-Finance
// compatible endpoint into the local store.
package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/config"
	"github.com/market-analytics-engine/internal/timeseries"
	"github.com/market-analytics-engine/pkg/observability"
)

// Download error kinds.
var (
	// ErrSymbolNotFound means the remote endpoint does not know the symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrRateLimited means the remote endpoint rejected the request rate.
	ErrRateLimited = errors.New("rate limited by remote endpoint")
)

// RequestError wraps a transport or decoding failure.
type RequestError struct {
	Symbol string
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("download failed for %s: %v", e.Symbol, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Result summarizes a download run across multiple assets.
type Result struct {
	Downloaded int
	Skipped    int
	Failed     int
}

// Downloader fetches daily close prices over HTTP with retry and
// client-side rate limiting.
type Downloader struct {
	config  config.DownloaderConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *observability.Logger
}

// NewDownloader creates a downloader from configuration.
func NewDownloader(cfg config.DownloaderConfig, logger *observability.Logger) *Downloader {
	return &Downloader{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
	}
}

// SymbolFor maps an asset key onto the remote endpoint's symbol format.
// Equities map to their ticker; futures series map to the continuous
// contract symbol ("ES" -> "ES=F").
func (d *Downloader) SymbolFor(key asset.Key) string {
	if key.Type() == asset.TypeFuture {
		return key.Series() + "=F"
	}
	return key.Ticker()
}

// DownloadRange fetches daily close prices for an asset over a date range.
func (d *Downloader) DownloadRange(ctx context.Context, key asset.Key, dateRange timeseries.DateRange) ([]timeseries.Point, error) {
	symbol := d.SymbolFor(key)

	var lastErr error
	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.config.RetryDelay):
			}
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		points, err := d.fetch(ctx, symbol, dateRange)
		if err == nil {
			return points, nil
		}
		lastErr = err

		// Not-found is permanent; everything else retries.
		if errors.Is(err, ErrSymbolNotFound) {
			return nil, err
		}

		d.logger.Warn(ctx, "Download attempt failed", map[string]interface{}{
			"symbol":  symbol,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}

	return nil, lastErr
}

func (d *Downloader) fetch(ctx context.Context, symbol string, dateRange timeseries.DateRange) ([]timeseries.Point, error) {
	url := fmt.Sprintf("%s/v7/finance/download/%s?period1=%d&period2=%d&interval=1d&events=history",
		d.config.BaseURL, symbol,
		dateRange.Start.Unix(),
		dateRange.End.AddDate(0, 0, 1).Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RequestError{Symbol: symbol, Err: err}
	}
	req.Header.Set("User-Agent", "market-analytics-engine/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &RequestError{Symbol: symbol, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, &RequestError{Symbol: symbol, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	return parseCSV(resp.Body, symbol)
}

// parseCSV decodes the endpoint's daily CSV (Date,Open,High,Low,Close,...).
// Prices are parsed as exact decimals and converted to float64 at the core
// boundary. Rows with "null" closes are skipped.
func parseCSV(r io.Reader, symbol string) ([]timeseries.Point, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, &RequestError{Symbol: symbol, Err: err}
	}
	if len(records) < 1 {
		return []timeseries.Point{}, nil
	}

	header := records[0]
	dateCol, closeCol := -1, -1
	for i, name := range header {
		switch name {
		case "Date":
			dateCol = i
		case "Close":
			closeCol = i
		}
	}
	if dateCol < 0 || closeCol < 0 {
		return nil, &RequestError{Symbol: symbol, Err: fmt.Errorf("unexpected CSV header %v", header)}
	}

	points := make([]timeseries.Point, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) <= dateCol || len(record) <= closeCol {
			continue
		}
		if record[closeCol] == "null" || record[closeCol] == "" {
			continue
		}

		date, err := time.Parse("2006-01-02", record[dateCol])
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(record[closeCol])
		if err != nil {
			continue
		}

		// Quotes are stamped at 16:00 UTC, matching daily close convention.
		timestamp := time.Date(date.Year(), date.Month(), date.Day(), 16, 0, 0, 0, time.UTC)
		points = append(points, timeseries.NewPoint(timestamp, price.InexactFloat64()))
	}

	return points, nil
}

// Store is the subset of the storage layer the downloader writes through.
type Store interface {
	SaveAsset(ctx context.Context, key asset.Key, metadata asset.Metadata) error
	SavePoints(ctx context.Context, key asset.Key, points []timeseries.Point) error
}

// DownloadInto fetches history for each asset and persists it through the
// store. Per-asset failures are counted, not fatal.
func (d *Downloader) DownloadInto(ctx context.Context, store Store, assets []asset.Key, dateRange timeseries.DateRange) (Result, error) {
	var result Result

	for _, key := range assets {
		points, err := d.DownloadRange(ctx, key, dateRange)
		if err != nil {
			result.Failed++
			d.logger.Error(ctx, "Failed to download asset", err, map[string]interface{}{
				"asset": key.String(),
			})
			continue
		}
		if len(points) == 0 {
			result.Skipped++
			continue
		}

		if err := store.SaveAsset(ctx, key, asset.Metadata{Name: key.String()}); err != nil {
			result.Failed++
			d.logger.Error(ctx, "Failed to save asset", err, map[string]interface{}{
				"asset": key.String(),
			})
			continue
		}
		if err := store.SavePoints(ctx, key, points); err != nil {
			result.Failed++
			d.logger.Error(ctx, "Failed to save points", err, map[string]interface{}{
				"asset": key.String(),
			})
			continue
		}

		result.Downloaded++
		d.logger.Info(ctx, "Downloaded asset history", map[string]interface{}{
			"asset":  key.String(),
			"points": len(points),
		})
	}

	return result, nil
}
