// Package storage provides the SQLite-backed data provider and the
// persistence layer for downloaded market data.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/timeseries"
	"github.com/market-analytics-engine/pkg/observability"
)

// AssetRecord is the persisted metadata for one asset.
type AssetRecord struct {
	Key      string         `json:"key"`
	Type     asset.Type     `json:"type"`
	Metadata asset.Metadata `json:"metadata"`
}

// SqliteProvider implements timeseries.Provider over a SQLite database.
//
// Schema: assets(asset_key PRIMARY KEY, asset_data TEXT) and
// time_series_data(asset_key, timestamp, close_price,
// PRIMARY KEY(asset_key, timestamp)). Timestamps are stored as RFC3339
// strings in UTC; range filtering compares the day component only.
type SqliteProvider struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewSqliteProvider opens (or creates) the database at path and ensures the
// schema exists.
func NewSqliteProvider(path string, logger *observability.Logger) (*SqliteProvider, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	provider := &SqliteProvider{db: db, logger: logger}
	if err := provider.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return provider, nil
}

// NewInMemorySqliteProvider creates a provider backed by an in-memory
// database, for tests.
func NewInMemorySqliteProvider(logger *observability.Logger) (*SqliteProvider, error) {
	return NewSqliteProvider(":memory:", logger)
}

// ensureSchema creates tables and indexes if they don't exist. The DDL is
// idempotent.
func (p *SqliteProvider) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS assets (
			asset_key TEXT PRIMARY KEY,
			asset_data TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS time_series_data (
			asset_key TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			close_price REAL NOT NULL,
			PRIMARY KEY (asset_key, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_time_series_asset_key ON time_series_data(asset_key)`,
		`CREATE INDEX IF NOT EXISTS idx_time_series_timestamp ON time_series_data(timestamp)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (p *SqliteProvider) Close() error {
	return p.db.Close()
}

// DB exposes the underlying handle for migrations and tooling.
func (p *SqliteProvider) DB() *sql.DB {
	return p.db
}

// GetTimeSeries implements timeseries.Provider.
func (p *SqliteProvider) GetTimeSeries(key asset.Key, dateRange timeseries.DateRange) ([]timeseries.Point, error) {
	if !dateRange.Valid() {
		return nil, timeseries.ErrInvalidDateRange
	}

	exists, err := p.assetExists(key)
	if err != nil {
		return nil, &timeseries.ProviderError{Msg: "asset lookup failed", Err: err}
	}
	if !exists {
		return nil, timeseries.ErrAssetNotFound
	}

	rows, err := p.db.Query(
		`SELECT timestamp, close_price FROM time_series_data
		 WHERE asset_key = ? AND date(timestamp) >= date(?) AND date(timestamp) <= date(?)
		 ORDER BY timestamp ASC`,
		key.String(),
		dateRange.Start.Format(time.RFC3339),
		dateRange.End.Format(time.RFC3339),
	)
	if err != nil {
		return nil, &timeseries.ProviderError{Msg: "time series query failed", Err: err}
	}
	defer rows.Close()

	var points []timeseries.Point
	for rows.Next() {
		var rawTimestamp string
		var closePrice float64
		if err := rows.Scan(&rawTimestamp, &closePrice); err != nil {
			return nil, &timeseries.ProviderError{Msg: "row scan failed", Err: err}
		}
		timestamp, err := time.Parse(time.RFC3339, rawTimestamp)
		if err != nil {
			return nil, &timeseries.ProviderError{Msg: "invalid stored timestamp", Err: err}
		}
		points = append(points, timeseries.NewPoint(timestamp, closePrice))
	}
	if err := rows.Err(); err != nil {
		return nil, &timeseries.ProviderError{Msg: "row iteration failed", Err: err}
	}

	return points, nil
}

func (p *SqliteProvider) assetExists(key asset.Key) (bool, error) {
	var one int
	err := p.db.QueryRow(`SELECT 1 FROM assets WHERE asset_key = ?`, key.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveAsset persists asset metadata, replacing any existing record.
func (p *SqliteProvider) SaveAsset(ctx context.Context, key asset.Key, metadata asset.Metadata) error {
	record := AssetRecord{
		Key:      key.String(),
		Type:     key.Type(),
		Metadata: metadata,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal asset record: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO assets (asset_key, asset_data) VALUES (?, ?)
		 ON CONFLICT(asset_key) DO UPDATE SET asset_data = excluded.asset_data`,
		key.String(), string(data))
	if err != nil {
		return fmt.Errorf("failed to save asset %s: %w", key, err)
	}

	p.logger.Debug(ctx, "Saved asset", map[string]interface{}{
		"asset": key.String(),
	})
	return nil
}

// SavePoints persists time-series points for an asset, replacing points at
// duplicate timestamps.
func (p *SqliteProvider) SavePoints(ctx context.Context, key asset.Key, points []timeseries.Point) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO time_series_data (asset_key, timestamp, close_price) VALUES (?, ?, ?)
		 ON CONFLICT(asset_key, timestamp) DO UPDATE SET close_price = excluded.close_price`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, point := range points {
		if _, err := stmt.Exec(key.String(), point.Timestamp.UTC().Format(time.RFC3339), point.ClosePrice); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert point for %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit points: %w", err)
	}

	p.logger.Debug(ctx, "Saved time series points", map[string]interface{}{
		"asset":  key.String(),
		"points": len(points),
	})
	return nil
}

// AssetListing is one asset plus the span of data available for it.
type AssetListing struct {
	Record            AssetRecord
	DataAvailableFrom *time.Time
	DataAvailableTo   *time.Time
}

// ListAssets returns all persisted assets with their data availability.
func (p *SqliteProvider) ListAssets(ctx context.Context) ([]AssetListing, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT a.asset_key, a.asset_data, MIN(t.timestamp), MAX(t.timestamp)
		 FROM assets a
		 LEFT JOIN time_series_data t ON t.asset_key = a.asset_key
		 GROUP BY a.asset_key
		 ORDER BY a.asset_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var listings []AssetListing
	for rows.Next() {
		var key, data string
		var minTS, maxTS sql.NullString
		if err := rows.Scan(&key, &data, &minTS, &maxTS); err != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", err)
		}

		var record AssetRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			record = AssetRecord{Key: key, Type: asset.TypeEquity}
		}

		listing := AssetListing{Record: record}
		if minTS.Valid {
			if ts, err := time.Parse(time.RFC3339, minTS.String); err == nil {
				listing.DataAvailableFrom = &ts
			}
		}
		if maxTS.Valid {
			if ts, err := time.Parse(time.RFC3339, maxTS.String); err == nil {
				listing.DataAvailableTo = &ts
			}
		}
		listings = append(listings, listing)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate asset rows: %w", err)
	}

	return listings, nil
}
