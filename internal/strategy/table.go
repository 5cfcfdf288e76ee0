package strategy

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/models"
)

// DefaultSide is the side every instance built from the table shares.
const DefaultSide = "long"

var requiredColumns = []string{"factor_id", "strategy", "weight", "dir", "sym", "res", "p", "m"}

type tableRow struct {
	factorID string
	strategy string
	family   string
	weight   float64
	dir      string
	symbol   string
	res      string
	params   []float64
	model    string
}

type group struct {
	id   string
	rows []tableRow
}

// LoadTable reads the strategy table and returns one config per factor group.
// Groups that fail validation are logged and skipped; IDs are assigned to the
// surviving groups in order of first appearance.
func LoadTable(path string, log *logger.Logger) ([]models.StrategyConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open strategy table: %w", err)
	}
	defer f.Close()
	return ParseTable(f, log)
}

// ParseTable is LoadTable over an arbitrary reader.
func ParseTable(r io.Reader, log *logger.Logger) ([]models.StrategyConfig, error) {
	groups, err := readGroups(r)
	if err != nil {
		return nil, err
	}
	total := totalWeight(groups)

	configs := make([]models.StrategyConfig, 0, len(groups))
	for _, g := range groups {
		cfg, err := buildConfig(g, total, len(configs)+1)
		if err != nil {
			log.Error("Failed to convert group %q to strategy config: %v", g.id, err)
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// Weights returns each instance's final weight keyed by name, in table order.
func Weights(configs []models.StrategyConfig) ([]string, map[string]float64) {
	names := make([]string, 0, len(configs))
	out := make(map[string]float64, len(configs))
	for _, c := range configs {
		if _, ok := out[c.Name]; !ok {
			names = append(names, c.Name)
		}
		out[c.Name] = c.FinalWeight
	}
	return names, out
}

func readGroups(r io.Reader) ([]*group, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy table header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%w: strategy table missing column %q", ErrInvalidConfig, name)
		}
	}
	familyCol, hasFamily := col["family"]

	var groups []*group
	byID := make(map[string]*group)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read strategy table: %w", err)
		}
		cell := func(name string) string {
			i := col[name]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		weight, err := strconv.ParseFloat(cell("weight"), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: bad weight %q", ErrInvalidConfig, line, cell("weight"))
		}
		row := tableRow{
			factorID: cell("factor_id"),
			strategy: cell("strategy"),
			weight:   weight,
			dir:      cell("dir"),
			symbol:   strings.ToUpper(cell("sym")),
			res:      cell("res"),
			params:   parseParams(cell("p")),
			model:    cell("m"),
		}
		row.family = strings.ToLower(row.strategy)
		if hasFamily && familyCol < len(rec) && strings.TrimSpace(rec[familyCol]) != "" {
			row.family = strings.ToLower(strings.TrimSpace(rec[familyCol]))
		}

		g, ok := byID[row.factorID]
		if !ok {
			g = &group{id: row.factorID}
			byID[row.factorID] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, row)
	}
	return groups, nil
}

// totalWeight sums each group's mean weight.
func totalWeight(groups []*group) float64 {
	var total float64
	for _, g := range groups {
		var sum float64
		for _, r := range g.rows {
			sum += r.weight
		}
		total += sum / float64(len(g.rows))
	}
	return total
}

func buildConfig(g *group, total float64, id int) (models.StrategyConfig, error) {
	if total == 0 {
		return models.StrategyConfig{}, errors.New("total weight is zero")
	}
	first := g.rows[0]
	final := first.weight / total
	for _, r := range g.rows[1:] {
		if r.weight/total != final {
			return models.StrategyConfig{}, fmt.Errorf("%w: final weights differ within group", ErrInvalidConfig)
		}
		if r.family != first.family {
			return models.StrategyConfig{}, fmt.Errorf("%w: mixed families %q and %q", ErrInvalidConfig, first.family, r.family)
		}
	}

	var typ string
	switch first.dir {
	case "R":
		typ = models.TypeReversal
	case "M":
		typ = models.TypeMomentum
	default:
		return models.StrategyConfig{}, fmt.Errorf("%w: invalid direction %q", ErrInvalidConfig, first.dir)
	}

	sets := make([]models.ParamSet, 0, len(g.rows))
	for _, r := range g.rows {
		sets = append(sets, models.ParamSet{StrategyID: r.strategy, Model: r.model, Params: r.params})
	}
	cfg := models.StrategyConfig{
		ID:          id,
		Name:        g.id,
		Family:      first.family,
		Type:        typ,
		Symbol:      first.symbol,
		Timeframe:   first.res,
		Side:        DefaultSide,
		FinalWeight: final,
		ParamSets:   sets,
	}
	if err := cfg.Validate(); err != nil {
		return models.StrategyConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// parseParams reads "[1, 24, 48, 1.5]" or "(1,24)". Unparseable items are dropped.
func parseParams(raw string) []float64 {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimLeft(raw, "[(")
	raw = strings.TrimRight(raw, "])")
	if raw == "" {
		return nil
	}
	var out []float64
	for _, item := range strings.Split(raw, ",") {
		v, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(item), `"'`), 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
