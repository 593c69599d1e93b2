package asset

import (
	"time"
)

// ExpiryCalendar describes when a futures contract should be rolled relative
// to its expiry.
type ExpiryCalendar struct {
	CalendarID   string `json:"calendar_id"`
	RolloverDays int    `json:"rollover_days"`
}

// NewExpiryCalendar creates an expiry calendar.
func NewExpiryCalendar(calendarID string, rolloverDays int) ExpiryCalendar {
	return ExpiryCalendar{
		CalendarID:   calendarID,
		RolloverDays: rolloverDays,
	}
}

// RolloverDate returns the date on which a contract expiring on expiry
// should be rolled to the next contract.
func (c ExpiryCalendar) RolloverDate(expiry time.Time) time.Time {
	return expiry.AddDate(0, 0, -c.RolloverDays)
}

// Future is a futures contract with metadata and its expiry calendar.
type Future struct {
	key      Key
	metadata Metadata
	calendar ExpiryCalendar
}

// NewFutureAsset creates a future from its key, metadata, and calendar.
func NewFutureAsset(key Key, metadata Metadata, calendar ExpiryCalendar) *Future {
	return &Future{key: key, metadata: metadata, calendar: calendar}
}

// Key returns the asset key.
func (f *Future) Key() Key {
	return f.key
}

// Metadata returns the display metadata.
func (f *Future) Metadata() Metadata {
	return f.metadata
}

// ExpiryCalendar returns the contract's expiry calendar.
func (f *Future) ExpiryCalendar() ExpiryCalendar {
	return f.calendar
}

// RolloverDate returns the roll date for this contract.
func (f *Future) RolloverDate() time.Time {
	return f.calendar.RolloverDate(f.key.Expiry())
}

// ContractMonth returns the contract month code ("2024-12" style).
func (f *Future) ContractMonth() string {
	return f.key.Expiry().Format("2006-01")
}
