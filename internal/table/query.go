package table

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/Tripsy/dashboard/model"
)

// globalFilter is the filter name of the free-text search box; it is sent
// to find functions as "term".
const (
	globalFilter = "global"
	termParam    = "term"
)

// isoMillis is the timestamp layout of date-range bounds.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// BuildFindParams turns a table state into find query parameters. Empty
// filters are dropped, the global filter becomes "term", and date-range
// filters expand into <name>_start and <name>_end bounds at the start and
// end of their days. The page is 1-based.
func BuildFindParams(state model.TableState, columns []model.Column) (model.FindParams, error) {
	params := model.FindParams{
		OrderBy:   state.SortField,
		Direction: state.SortOrder.Direction(),
		Limit:     state.Rows,
		Page:      1,
	}
	if state.Rows > 0 {
		params.Page = state.First/state.Rows + 1
	}

	dateRanges := make(map[string]bool)
	for _, col := range columns {
		if col.Filter == model.FilterDateRange {
			dateRanges[col.Field] = true
		}
	}

	filter := make(map[string]any)
	for _, name := range slices.Sorted(maps.Keys(state.Filters)) {
		meta := state.Filters[name]
		if meta.IsEmpty() {
			continue
		}
		switch {
		case name == globalFilter:
			filter[termParam] = meta.Value
		case dateRanges[name]:
			start, end, err := dateRangeBounds(meta.Value)
			if err != nil {
				return model.FindParams{}, fmt.Errorf("filter %q: %w", name, err)
			}
			if start != "" {
				filter[name+"_start"] = start
			}
			if end != "" {
				filter[name+"_end"] = end
			}
		default:
			filter[name] = meta.Value
		}
	}

	if len(filter) > 0 {
		b, err := json.Marshal(filter)
		if err != nil {
			return model.FindParams{}, fmt.Errorf("encoding filter: %w", err)
		}
		params.Filter = string(b)
	}
	return params, nil
}

// dateRangeBounds reads a [start, end] pair. Either bound may be empty.
func dateRangeBounds(v any) (start, end string, err error) {
	var pair []any
	switch r := v.(type) {
	case []any:
		pair = r
	case []string:
		for _, s := range r {
			pair = append(pair, s)
		}
	case map[string]any:
		pair = []any{r["start"], r["end"]}
	default:
		return "", "", fmt.Errorf("date range must be a [start, end] pair, got %T", v)
	}
	if len(pair) == 0 || len(pair) > 2 {
		return "", "", fmt.Errorf("date range must have one or two bounds, got %d", len(pair))
	}

	if t, ok, err := parseDate(pair[0]); err != nil {
		return "", "", err
	} else if ok {
		start = startOfDay(t).UTC().Format(isoMillis)
	}
	if len(pair) == 2 {
		if t, ok, err := parseDate(pair[1]); err != nil {
			return "", "", err
		} else if ok {
			end = startOfDay(t).Add(24*time.Hour - time.Millisecond).UTC().Format(isoMillis)
		}
	}
	return start, end, nil
}

func parseDate(v any) (time.Time, bool, error) {
	switch d := v.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return d, !d.IsZero(), nil
	case string:
		if d == "" {
			return time.Time{}, false, nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
			if t, err := time.Parse(layout, d); err == nil {
				return t, true, nil
			}
		}
		return time.Time{}, false, fmt.Errorf("invalid date %q", d)
	default:
		return time.Time{}, false, fmt.Errorf("invalid date value %T", v)
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
