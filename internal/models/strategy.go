// Package models defines the core domain entities: strategy identities, indicator series,
// symbol metadata, and the per-tick signal and amount mappings.
package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// StratKey identifies a strategy instance. It is comparable and used as the map key
// for every signal and target mapping.
type StratKey struct {
	ID        int
	Name      string
	Symbol    string
	Timeframe string
}

// String flattens the key into a single column name, e.g. "3_ttp_r_btc_BTC_1h".
func (k StratKey) String() string {
	return fmt.Sprintf("%d_%s_%s_%s", k.ID, k.Name, k.Symbol, k.Timeframe)
}

// Less orders keys by ID, then name, symbol and timeframe.
func (k StratKey) Less(o StratKey) bool {
	if k.ID != o.ID {
		return k.ID < o.ID
	}
	if k.Name != o.Name {
		return k.Name < o.Name
	}
	if k.Symbol != o.Symbol {
		return k.Symbol < o.Symbol
	}
	return k.Timeframe < o.Timeframe
}

// SortKeys returns the keys in stable StratKey order.
func SortKeys[V any](m map[StratKey]V) []StratKey {
	keys := make([]StratKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Strategy types derived from the table's direction column.
const (
	TypeReversal = "reversal"
	TypeMomentum = "momentum"
)

// ParamSet is one parameterisation of an alpha model.
type ParamSet struct {
	StrategyID string
	Model      string
	Params     []float64
}

// Label names the parameter set's signal column, e.g. "B_1-24-48-1.5".
func (p ParamSet) Label() string {
	parts := make([]string, len(p.Params))
	for i, v := range p.Params {
		parts[i] = formatParam(v)
	}
	return p.Model + "_" + strings.Join(parts, "-")
}

func formatParam(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

// StrategyConfig is an immutable strategy instance built once at startup.
type StrategyConfig struct {
	ID          int
	Name        string
	Family      string
	Type        string
	Symbol      string
	Timeframe   string
	Side        string
	FinalWeight float64
	ParamSets   []ParamSet
}

// Key returns the instance's identity.
func (c StrategyConfig) Key() StratKey {
	return StratKey{ID: c.ID, Name: c.Name, Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// Label is the human-readable instance name used for per-strategy files, e.g. "007-ttp_r_btc".
func (c StrategyConfig) Label() string {
	return fmt.Sprintf("%03d-%s", c.ID, c.Name)
}

// Validate checks strategy field constraints.
func (c *StrategyConfig) Validate() error {
	if c.ID <= 0 {
		return errors.New("strategy ID must be positive")
	}
	if c.Name == "" {
		return errors.New("strategy name must not be empty")
	}
	if c.Family == "" {
		return errors.New("strategy family must not be empty")
	}
	if c.Type != TypeReversal && c.Type != TypeMomentum {
		return fmt.Errorf("strategy type must be %q or %q", TypeReversal, TypeMomentum)
	}
	if c.Symbol == "" {
		return errors.New("strategy symbol must not be empty")
	}
	if c.Timeframe == "" {
		return errors.New("strategy timeframe must not be empty")
	}
	if c.FinalWeight < 0 {
		return errors.New("final weight must not be negative")
	}
	if len(c.ParamSets) == 0 {
		return errors.New("strategy must have at least one parameter set")
	}
	for i, p := range c.ParamSets {
		if p.Model == "" {
			return fmt.Errorf("parameter set %d has no model", i)
		}
	}
	return nil
}

// Signals maps each strategy instance to its aggregated score for the current tick.
type Signals map[StratKey]float64

// StrategyAmounts maps each strategy instance to its rounded target amount.
type StrategyAmounts map[StratKey]float64

// Amounts maps a symbol to a quantity (targets, positions, deltas) or a price.
type Amounts map[string]float64

// Symbols returns the map's keys sorted.
func (a Amounts) Symbols() []string {
	out := make([]string, 0, len(a))
	for s := range a {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// BaseSymbol strips a quote suffix: "BTC/USDT:USDT" -> "BTC".
func BaseSymbol(symbol string) string {
	if i := strings.IndexByte(symbol, '/'); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.TrimSpace(symbol)
}
