package models

import (
	"fmt"
	"time"
)

// SeriesPoint is one observation of an indicator series.
type SeriesPoint struct {
	T     int64
	Value float64
}

// Time returns the point's timestamp in UTC.
func (p SeriesPoint) Time() time.Time {
	return time.Unix(p.T, 0).UTC()
}

// Series is ordered ascending by T with unique timestamps once merged.
type Series []SeriesPoint

// Last returns the most recent point.
func (s Series) Last() (SeriesPoint, bool) {
	if len(s) == 0 {
		return SeriesPoint{}, false
	}
	return s[len(s)-1], true
}

// Values returns the value column.
func (s Series) Values() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Value
	}
	return out
}

// IndicatorKind names a cached indicator family.
type IndicatorKind string

const (
	OpenInterest      IndicatorKind = "oi"
	GlobalLongShort   IndicatorKind = "g_ls"
	TopLongShort      IndicatorKind = "t_ls"
	TopTraderPosition IndicatorKind = "ttp"
	TakerSellLong     IndicatorKind = "tsl"
	TakerBuyLong      IndicatorKind = "tbl"
)

// Valid reports whether k is one of the supported kinds.
func (k IndicatorKind) Valid() bool {
	switch k {
	case OpenInterest, GlobalLongShort, TopLongShort, TopTraderPosition, TakerSellLong, TakerBuyLong:
		return true
	}
	return false
}

// SymbolInfo is exchange metadata for a tradable coin plus its fixed anchor price.
type SymbolInfo struct {
	Coin            string
	CoinFullName    string
	Unit            string
	UnitFullName    string
	Tradable        bool
	PricePrecision  int
	AmountPrecision int
	MinOrder        float64
	AnchorPrice     float64
}

// Validate checks symbol metadata constraints.
func (s *SymbolInfo) Validate() error {
	if s.Coin == "" {
		return fmt.Errorf("symbol coin must not be empty")
	}
	if s.AnchorPrice <= 0 {
		return fmt.Errorf("anchor price for %s must be positive", s.Coin)
	}
	if s.AmountPrecision < 0 || s.PricePrecision < 0 {
		return fmt.Errorf("precision for %s must not be negative", s.Coin)
	}
	return nil
}

// OrderOutcome records one submitted (or rejected) order.
type OrderOutcome struct {
	ID          string
	Symbol      string
	Pair        string
	Side        string
	Amount      float64
	Price       float64
	Status      string
	OrderID     int64
	Error       string
	SubmittedAt time.Time
	// Detail is the exchange's raw order payload, if any.
	Detail map[string]any
}

// Succeeded reports whether the exchange accepted the order.
func (o OrderOutcome) Succeeded() bool {
	return o.Error == ""
}
