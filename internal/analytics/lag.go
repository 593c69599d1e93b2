package analytics

// LagAnalytic describes a lag analytic: it shifts a series by a fixed
// number of points so "circular" feedback can be staged as X(t) from
// Y(t-lag).
type LagAnalytic interface {
	// Lag is the lag distance (e.g. 5 for a 5-day lag).
	Lag() int
}

// RequiredPoints returns the number of points a lag analytic needs
// (lag + 1).
func RequiredPoints(l LagAnalytic) int {
	return l.Lag() + 1
}

// ComputeLagged returns the value lag positions before the end of the
// slice, or false when the history is too short.
func ComputeLagged(l LagAnalytic, values []float64) (float64, bool) {
	idx := len(values) - 1 - l.Lag()
	if idx < 0 {
		return 0, false
	}
	return values[idx], true
}

// FixedLag is a lag analytic with a static distance.
type FixedLag struct {
	lag int
}

// NewFixedLag creates a fixed lag. Distances below 1 are clamped to 1.
func NewFixedLag(lag int) FixedLag {
	if lag < 1 {
		lag = 1
	}
	return FixedLag{lag: lag}
}

// Lag implements LagAnalytic.
func (l FixedLag) Lag() int {
	return l.lag
}
