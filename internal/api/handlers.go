package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/market-analytics-engine/internal/analytics"
	"github.com/market-analytics-engine/internal/asset"
	"github.com/market-analytics-engine/internal/timeseries"
)

// parseAssetKey parses a path asset into a key: "AAPL" for equities,
// "ES-2024-12-20" for futures.
func parseAssetKey(raw string) (asset.Key, error) {
	if idx := strings.IndexByte(raw, '-'); idx > 0 {
		if expiry, err := time.Parse("2006-01-02", raw[idx+1:]); err == nil {
			return asset.NewFuture(raw[:idx], expiry)
		}
	}
	return asset.NewEquity(raw)
}

// parseDateParams reads start/end query parameters as YYYY-MM-DD.
func parseDateParams(r *http.Request) (timeseries.DateRange, *APIError) {
	startRaw := r.URL.Query().Get("start")
	endRaw := r.URL.Query().Get("end")
	if startRaw == "" || endRaw == "" {
		return timeseries.DateRange{}, invalidParameter("start and end query parameters are required")
	}

	start, err := time.Parse("2006-01-02", startRaw)
	if err != nil {
		return timeseries.DateRange{}, invalidDateRange("invalid start date: " + startRaw)
	}
	end, err := time.Parse("2006-01-02", endRaw)
	if err != nil {
		return timeseries.DateRange{}, invalidDateRange("invalid end date: " + endRaw)
	}

	dateRange := timeseries.NewDateRange(start, end)
	if !dateRange.Valid() {
		return timeseries.DateRange{}, invalidDateRange("start date must not be after end date")
	}
	return dateRange, nil
}

// jsonValue renders a float for JSON output, mapping NaN onto null.
func jsonValue(value float64) *float64 {
	if math.IsNaN(value) {
		return nil
	}
	return &value
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AssetInfo describes one listed asset.
type AssetInfo struct {
	Key               string  `json:"key"`
	Type              string  `json:"type"`
	Name              string  `json:"name"`
	DataAvailableFrom *string `json:"data_available_from"`
	DataAvailableTo   *string `json:"data_available_to"`
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	listings, err := s.store.ListAssets(r.Context())
	if err != nil {
		writeError(w, internalError(err.Error()))
		return
	}

	assets := make([]AssetInfo, 0, len(listings))
	for _, listing := range listings {
		info := AssetInfo{
			Key:  listing.Record.Key,
			Type: string(listing.Record.Type),
			Name: listing.Record.Metadata.Name,
		}
		if info.Name == "" {
			info.Name = listing.Record.Key
		}
		if listing.DataAvailableFrom != nil {
			from := listing.DataAvailableFrom.Format("2006-01-02")
			info.DataAvailableFrom = &from
		}
		if listing.DataAvailableTo != nil {
			to := listing.DataAvailableTo.Format("2006-01-02")
			info.DataAvailableTo = &to
		}
		assets = append(assets, info)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"assets": assets})
}

// DataPoint is one raw quote in an asset-data response.
type DataPoint struct {
	Timestamp string  `json:"timestamp"`
	Close     float64 `json:"close"`
}

func (s *Server) handleAssetData(w http.ResponseWriter, r *http.Request) {
	rawAsset := mux.Vars(r)["asset"]

	key, err := parseAssetKey(rawAsset)
	if err != nil {
		writeError(w, invalidParameter("invalid asset key: "+rawAsset))
		return
	}

	dateRange, apiErr := parseDateParams(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	series, err := s.store.GetTimeSeries(key, dateRange)
	if err != nil {
		writeError(w, mapError(err, rawAsset))
		return
	}

	data := make([]DataPoint, 0, len(series))
	for _, point := range series {
		data = append(data, DataPoint{
			Timestamp: point.Timestamp.Format(time.RFC3339),
			Close:     point.ClosePrice,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":      rawAsset,
		"start_date": dateRange.Start.Format("2006-01-02"),
		"end_date":   dateRange.End.Format("2006-01-02"),
		"data":       data,
	})
}

// AnalyticPoint is one computed value; NaN renders as null.
type AnalyticPoint struct {
	Timestamp string   `json:"timestamp"`
	Value     *float64 `json:"value"`
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rawAsset := vars["asset"]
	analyticType := vars["type"]

	key, err := parseAssetKey(rawAsset)
	if err != nil {
		writeError(w, invalidParameter("invalid asset key: "+rawAsset))
		return
	}

	dateRange, apiErr := parseDateParams(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	series, apiErr := s.computeAnalytic(key, analyticType, dateRange, r.URL.Query().Get("window"))
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	data := make([]AnalyticPoint, 0, len(series))
	for _, point := range series {
		data = append(data, AnalyticPoint{
			Timestamp: point.Timestamp.Format(time.RFC3339),
			Value:     jsonValue(point.ClosePrice),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":      rawAsset,
		"analytic":   analyticType,
		"start_date": dateRange.Start.Format("2006-01-02"),
		"end_date":   dateRange.End.Format("2006-01-02"),
		"data":       data,
	})
}

func (s *Server) computeAnalytic(key asset.Key, analyticType string, dateRange timeseries.DateRange, windowRaw string) ([]timeseries.Point, *APIError) {
	query := analytics.NewQuery(s.store)

	switch analyticType {
	case "returns":
		series, err := query.Returns(key, dateRange, analytics.OutputTimeSeries)
		if err != nil {
			return nil, mapError(err, key.String())
		}
		s.metrics.PullExecutions.Inc()
		return series, nil
	case "volatility":
		windowSize := 10
		if windowRaw != "" {
			parsed, err := strconv.Atoi(windowRaw)
			if err != nil || parsed < 1 {
				return nil, invalidParameter("invalid window: " + windowRaw)
			}
			windowSize = parsed
		}
		series, err := query.Volatility(key, windowSize, dateRange, analytics.OutputTimeSeries)
		if err != nil {
			return nil, mapError(err, key.String())
		}
		s.metrics.PullExecutions.Inc()
		return series, nil
	default:
		return nil, invalidParameter("unknown analytic type: " + analyticType)
	}
}

// BatchQuery is one entry in a batch analytics request.
type BatchQuery struct {
	Asset      string            `json:"asset"`
	Analytic   string            `json:"analytic"`
	StartDate  string            `json:"start_date"`
	EndDate    string            `json:"end_date"`
	Parameters map[string]string `json:"parameters"`
}

// BatchResult is one successful batch entry.
type BatchResult struct {
	Asset    string          `json:"asset"`
	Analytic string          `json:"analytic"`
	Data     []AnalyticPoint `json:"data"`
}

// BatchError is one failed batch entry.
type BatchError struct {
	Asset    string `json:"asset"`
	Analytic string `json:"analytic"`
	Error    string `json:"error"`
}

func (s *Server) handleBatchAnalytics(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Queries []BatchQuery `json:"queries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, invalidParameter("invalid request body: "+err.Error()))
		return
	}

	results := make([]BatchResult, 0, len(request.Queries))
	batchErrors := make([]BatchError, 0)

	for _, query := range request.Queries {
		series, err := s.executeBatchQuery(query)
		if err != nil {
			batchErrors = append(batchErrors, BatchError{
				Asset:    query.Asset,
				Analytic: query.Analytic,
				Error:    err.Message,
			})
			continue
		}

		data := make([]AnalyticPoint, 0, len(series))
		for _, point := range series {
			data = append(data, AnalyticPoint{
				Timestamp: point.Timestamp.Format(time.RFC3339),
				Value:     jsonValue(point.ClosePrice),
			})
		}
		results = append(results, BatchResult{
			Asset:    query.Asset,
			Analytic: query.Analytic,
			Data:     data,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"errors":  batchErrors,
	})
}

func (s *Server) executeBatchQuery(query BatchQuery) ([]timeseries.Point, *APIError) {
	key, err := parseAssetKey(query.Asset)
	if err != nil {
		return nil, invalidParameter("invalid asset key: " + query.Asset)
	}

	start, err := time.Parse("2006-01-02", query.StartDate)
	if err != nil {
		return nil, invalidDateRange("invalid start date: " + query.StartDate)
	}
	end, err := time.Parse("2006-01-02", query.EndDate)
	if err != nil {
		return nil, invalidDateRange("invalid end date: " + query.EndDate)
	}
	dateRange := timeseries.NewDateRange(start, end)
	if !dateRange.Valid() {
		return nil, invalidDateRange("start date must not be after end date")
	}

	return s.computeAnalytic(key, query.Analytic, dateRange, query.Parameters["window_size"])
}

// AnalyticCatalogEntry describes one available analytic type.
type AnalyticCatalogEntry struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Parameters  []string `json:"parameters"`
	BurnInDays  string   `json:"burnin_days"`
}

func (s *Server) handleListAnalytics(w http.ResponseWriter, _ *http.Request) {
	catalog := []AnalyticCatalogEntry{
		{Type: "returns", Description: "Log returns calculation", Parameters: []string{}, BurnInDays: "1"},
		{Type: "volatility", Description: "Rolling population standard deviation of returns", Parameters: []string{"window_size"}, BurnInDays: "window_size + 1"},
		{Type: "std_dev", Description: "Rolling population standard deviation", Parameters: []string{"window_size"}, BurnInDays: "window_size + 1"},
		{Type: "ema", Description: "Exponential moving average of prices", Parameters: []string{"ema_lambda", "ema_lookback"}, BurnInDays: "ema_lookback"},
		{Type: "lag", Description: "Series shifted by a fixed number of points", Parameters: []string{"lag"}, BurnInDays: "lag"},
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"analytics": catalog})
}
