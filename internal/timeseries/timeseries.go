package timeseries

import (
	"sort"
	"time"

	"github.com/market-analytics-engine/internal/asset"
)

// Point is a single time-series observation: a UTC timestamp and a close price.
//
// A NaN close price means "undefined at this timestamp" (e.g. the first
// return, or volatility during warmup). Series produced by the engine have
// strictly increasing timestamps.
type Point struct {
	Timestamp  time.Time `json:"timestamp"`
	ClosePrice float64   `json:"close_price"`
}

// NewPoint creates a new Point with the timestamp normalized to UTC.
func NewPoint(timestamp time.Time, closePrice float64) Point {
	return Point{
		Timestamp:  timestamp.UTC(),
		ClosePrice: closePrice,
	}
}

// DateRange is an inclusive day-granularity date range. Start and End carry
// only the day component; callers must keep Start <= End.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange creates a DateRange, truncating both bounds to day granularity in UTC.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{
		Start: Day(start),
		End:   Day(end),
	}
}

// ExtendBack returns a copy of the range with Start moved back by the given
// number of days. Zero days returns the range unchanged.
func (r DateRange) ExtendBack(days int) DateRange {
	if days == 0 {
		return r
	}
	return DateRange{
		Start: r.Start.AddDate(0, 0, -days),
		End:   r.End,
	}
}

// Contains reports whether the day component of ts falls inside the range.
func (r DateRange) Contains(ts time.Time) bool {
	day := Day(ts)
	return !day.Before(r.Start) && !day.After(r.End)
}

// Valid reports whether Start <= End.
func (r DateRange) Valid() bool {
	return !r.Start.After(r.End)
}

// Day truncates a timestamp to midnight UTC of its day.
func Day(ts time.Time) time.Time {
	t := ts.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Provider abstracts a source of historical time-series data.
//
// Implementations can be an in-memory map (tests), a SQLite database, or a
// remote market-data API. Returned series must be sorted ascending by
// timestamp and contain only points whose day lies inside the range.
type Provider interface {
	GetTimeSeries(key asset.Key, dateRange DateRange) ([]Point, error)
}

// InMemoryProvider stores time-series data in a map keyed by asset.
// It exists for tests and demos that don't want a database connection.
type InMemoryProvider struct {
	data map[string][]Point
}

// NewInMemoryProvider creates a new empty in-memory provider.
func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{
		data: make(map[string][]Point),
	}
}

// AddData stores points for an asset. Points should be sorted by timestamp.
func (p *InMemoryProvider) AddData(key asset.Key, points []Point) {
	p.data[key.String()] = points
}

// Clear removes all stored data.
func (p *InMemoryProvider) Clear() {
	p.data = make(map[string][]Point)
}

// GetTimeSeries implements Provider.
func (p *InMemoryProvider) GetTimeSeries(key asset.Key, dateRange DateRange) ([]Point, error) {
	if !dateRange.Valid() {
		return nil, ErrInvalidDateRange
	}

	allPoints, ok := p.data[key.String()]
	if !ok {
		return nil, ErrAssetNotFound
	}

	filtered := make([]Point, 0, len(allPoints))
	for _, point := range allPoints {
		if dateRange.Contains(point.Timestamp) {
			filtered = append(filtered, point)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})

	return filtered, nil
}
