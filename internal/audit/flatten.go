package audit

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/rewired-gh/quantpilot/internal/models"
)

// Sep joins composite keys and nested paths into one column name.
const Sep = "_"

// FormatFloat renders a number cell losslessly. NaN renders empty.
func FormatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// FlattenKeyed turns a StratKey mapping into one column per instance.
func FlattenKeyed[M ~map[models.StratKey]float64](m M) Row {
	row := make(Row, len(m))
	for k, v := range m {
		row[k.String()] = FormatFloat(v)
	}
	return row
}

// FlattenAmounts turns a symbol mapping into one column per symbol.
func FlattenAmounts(m models.Amounts) Row {
	row := make(Row, len(m))
	for s, v := range m {
		row[s] = FormatFloat(v)
	}
	return row
}

// FlattenRecord flattens nested maps into Sep-joined paths and encodes
// slices as compact JSON.
func FlattenRecord(record map[string]any) Row {
	row := make(Row)
	flattenInto(row, "", record)
	return row
}

func flattenInto(row Row, parent string, record map[string]any) {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if parent != "" {
			key = parent + Sep + k
		}
		flattenValue(row, key, record[k])
	}
}

func flattenValue(row Row, key string, v any) {
	switch x := v.(type) {
	case nil:
		row[key] = ""
	case map[string]any:
		flattenInto(row, key, x)
	case models.Amounts:
		for s, f := range x {
			row[key+Sep+s] = FormatFloat(f)
		}
	case string:
		row[key] = x
	case float64:
		row[key] = FormatFloat(x)
	case float32:
		row[key] = FormatFloat(float64(x))
	case int:
		row[key] = strconv.Itoa(x)
	case int64:
		row[key] = strconv.FormatInt(x, 10)
	case bool:
		row[key] = strconv.FormatBool(x)
	case time.Time:
		row[key] = x.UTC().Format(IndexLayout)
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			b, err := json.Marshal(v)
			if err != nil {
				row[key] = fmt.Sprint(v)
				return
			}
			row[key] = string(b)
		case reflect.Map:
			nested := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				nested[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
			}
			flattenInto(row, key, nested)
		default:
			row[key] = fmt.Sprint(v)
		}
	}
}
