package asset

import (
	"time"
)

// Metadata describes an instrument for listing and display purposes.
type Metadata struct {
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
	Sector   string `json:"sector,omitempty"`
}

// CorporateActionType enumerates supported corporate actions.
type CorporateActionType string

const (
	ActionSplit    CorporateActionType = "split"
	ActionDividend CorporateActionType = "dividend"
)

// CorporateAction is a price-affecting event on an equity.
//
// Splits carry a Ratio (2.0 for a 2-for-1 split); dividends carry an Amount
// in the equity's currency.
type CorporateAction struct {
	Type          CorporateActionType `json:"type"`
	EffectiveDate time.Time           `json:"effective_date"`
	Ratio         float64             `json:"ratio,omitempty"`
	Amount        float64             `json:"amount,omitempty"`
}

// Equity is an equity instrument with metadata and corporate-action history.
type Equity struct {
	key      Key
	metadata Metadata
	actions  []CorporateAction
}

// NewEquityAsset creates an equity from its key and metadata.
func NewEquityAsset(key Key, metadata Metadata) *Equity {
	return &Equity{key: key, metadata: metadata}
}

// WithCorporateActions attaches corporate actions and returns the equity.
func (e *Equity) WithCorporateActions(actions []CorporateAction) *Equity {
	e.actions = actions
	return e
}

// Key returns the asset key.
func (e *Equity) Key() Key {
	return e.key
}

// Metadata returns the display metadata.
func (e *Equity) Metadata() Metadata {
	return e.metadata
}

// CorporateActions returns the recorded corporate actions.
func (e *Equity) CorporateActions() []CorporateAction {
	return e.actions
}

// AdjustPrice applies all corporate actions effective after the given date
// to a raw price, producing a back-adjusted price comparable with current
// quotes. Splits divide by the ratio; dividends subtract the amount.
func (e *Equity) AdjustPrice(price float64, date time.Time) float64 {
	adjusted := price
	for _, action := range e.actions {
		if !action.EffectiveDate.After(date) {
			continue
		}
		switch action.Type {
		case ActionSplit:
			if action.Ratio > 0 {
				adjusted /= action.Ratio
			}
		case ActionDividend:
			adjusted -= action.Amount
		}
	}
	return adjusted
}
