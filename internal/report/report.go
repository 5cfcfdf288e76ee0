// Package report builds the weighted signal summaries sent after each tick.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rewired-gh/quantpilot/internal/models"
	"github.com/rewired-gh/quantpilot/internal/notify"
)

// Titles of the two summaries.
const (
	TitleByStrategy = "Group by strategy"
	TitleBySymbol   = "Group by symbol"
)

const zeroEps = 1e-9

// Group is one weighted row: Numerator is Σ signal×weight, Denominator is Σ weight.
type Group struct {
	Name        string
	Numerator   float64
	Denominator float64
	Percent     float64
}

// WeightedByStrategy groups signals by strategy name.
func WeightedByStrategy(signals models.Signals, configs []models.StrategyConfig) []Group {
	return weighted(signals, configs, func(c models.StrategyConfig) string { return c.Name })
}

// WeightedBySymbol groups signals by traded symbol.
func WeightedBySymbol(signals models.Signals, configs []models.StrategyConfig) []Group {
	return weighted(signals, configs, func(c models.StrategyConfig) string { return c.Symbol })
}

func weighted(signals models.Signals, configs []models.StrategyConfig, groupBy func(models.StrategyConfig) string) []Group {
	var groups []Group
	index := make(map[string]int)
	for _, c := range configs {
		sig, ok := signals[c.Key()]
		if !ok {
			continue
		}
		name := groupBy(c)
		i, seen := index[name]
		if !seen {
			i = len(groups)
			index[name] = i
			groups = append(groups, Group{Name: name})
		}
		groups[i].Numerator += sig * c.FinalWeight
		groups[i].Denominator += c.FinalWeight
	}
	for i := range groups {
		if groups[i].Denominator != 0 {
			groups[i].Percent = groups[i].Numerator / groups[i].Denominator
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return math.Abs(groups[i].Percent) > math.Abs(groups[j].Percent)
	})
	return groups
}

// Format renders groups as a Telegram-friendly block with a net footer.
func Format(title string, groups []Group) string {
	lines := []string{title + ":"}
	net := 0.0
	for _, g := range groups {
		lines = append(lines, fmt.Sprintf("%s:%s%7.3f/%7.3f=%6.2f%%", g.Name, emoji(g.Numerator), g.Numerator, g.Denominator, g.Percent*100))
		net += g.Numerator
	}
	lines = append(lines, "-----------")
	lines = append(lines, fmt.Sprintf("Net: %s %7.3f", emoji(net), net))
	return strings.Join(lines, "\n")
}

// FormatWeights lists each strategy's share of the total weight in names order.
func FormatWeights(names []string, weights map[string]float64) string {
	var b strings.Builder
	b.WriteString("Strategy weights:")
	for _, name := range names {
		fmt.Fprintf(&b, "\n%s: %.4f", name, weights[name])
	}
	return b.String()
}

func emoji(v float64) string {
	switch {
	case math.Abs(v) < zeroEps:
		return "⚪️"
	case v > 0:
		return "🟢"
	default:
		return "🔴"
	}
}

// Send posts both summaries. Empty groupings are not sent.
func Send(n notify.Notifier, signals models.Signals, configs []models.StrategyConfig) {
	for _, r := range []struct {
		title  string
		groups []Group
	}{
		{TitleByStrategy, WeightedByStrategy(signals, configs)},
		{TitleBySymbol, WeightedBySymbol(signals, configs)},
	} {
		if len(r.groups) == 0 {
			continue
		}
		_ = n.Notify(Format(r.title, r.groups))
	}
}
