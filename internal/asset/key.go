package asset

import (
	"errors"
	"fmt"
	"time"
)

// Type distinguishes the supported asset classes.
type Type string

const (
	TypeEquity Type = "equity"
	TypeFuture Type = "future"
)

// Key uniquely identifies a market instrument.
//
// Two formats are supported:
//   - equity keys: a ticker symbol (e.g. "AAPL", "MSFT")
//   - futures keys: a series identifier plus contract expiry date
//     (e.g. "ES" expiring 2024-12-20)
//
// Keys are comparable and totally ordered by their canonical string, so they
// can be used directly as map keys via String().
type Key struct {
	assetType Type
	ticker    string
	series    string
	expiry    time.Time
}

// Key validation errors.
var (
	ErrEmptyKey          = errors.New("asset key cannot be empty")
	ErrInvalidCharacters = errors.New("asset key contains invalid characters")
)

// NewEquity creates an equity key from a ticker symbol.
func NewEquity(ticker string) (Key, error) {
	if err := validateSymbol(ticker); err != nil {
		return Key{}, err
	}
	return Key{assetType: TypeEquity, ticker: ticker}, nil
}

// NewFuture creates a futures key from a series identifier and expiry date.
func NewFuture(series string, expiry time.Time) (Key, error) {
	if err := validateSymbol(series); err != nil {
		return Key{}, err
	}
	t := expiry.UTC()
	return Key{
		assetType: TypeFuture,
		series:    series,
		expiry:    time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC),
	}, nil
}

// MustEquity is like NewEquity but panics on invalid input. Intended for
// tests and static initialization.
func MustEquity(ticker string) Key {
	key, err := NewEquity(ticker)
	if err != nil {
		panic(fmt.Sprintf("invalid equity key %q: %v", ticker, err))
	}
	return key
}

// validateSymbol rejects empty strings and strings containing characters
// outside alphanumerics, dots, hyphens, and underscores.
func validateSymbol(symbol string) error {
	if symbol == "" {
		return ErrEmptyKey
	}
	for _, c := range symbol {
		if !isSymbolChar(c) {
			return ErrInvalidCharacters
		}
	}
	return nil
}

func isSymbolChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '.' || c == '-' || c == '_':
		return true
	}
	return false
}

// Type returns the asset class of this key.
func (k Key) Type() Type {
	return k.assetType
}

// Ticker returns the ticker for equity keys, empty otherwise.
func (k Key) Ticker() string {
	return k.ticker
}

// Series returns the series identifier for futures keys, empty otherwise.
func (k Key) Series() string {
	return k.series
}

// Expiry returns the contract expiry for futures keys, zero otherwise.
func (k Key) Expiry() time.Time {
	return k.expiry
}

// IsZero reports whether the key is the zero value.
func (k Key) IsZero() bool {
	return k.assetType == ""
}

// String returns the canonical lookup form: the ticker for equities,
// "SERIES-YYYY-MM-DD" for futures.
func (k Key) String() string {
	if k.assetType == TypeFuture {
		return fmt.Sprintf("%s-%s", k.series, k.expiry.Format("2006-01-02"))
	}
	return k.ticker
}

// Less orders keys by canonical string.
func (k Key) Less(other Key) bool {
	return k.String() < other.String()
}
