package model

import (
	"encoding/json"
	"maps"
)

// SortOrder is the table sort direction. Null and zero both decode to
// SortNone.
type SortOrder int

const (
	SortDesc SortOrder = -1
	SortNone SortOrder = 0
	SortAsc  SortOrder = 1
)

// Direction renders the order as the query parameter value expected by
// find functions. SortNone yields an empty string.
func (o SortOrder) Direction() string {
	switch o {
	case SortAsc:
		return "ASC"
	case SortDesc:
		return "DESC"
	default:
		return ""
	}
}

// UnmarshalJSON accepts 1, -1, 0 and null.
func (o *SortOrder) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = SortNone
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*o = normalizeSortOrder(n)
	return nil
}

func normalizeSortOrder(n int) SortOrder {
	switch {
	case n > 0:
		return SortAsc
	case n < 0:
		return SortDesc
	default:
		return SortNone
	}
}

// FilterMeta is the value and match mode of one table filter.
type FilterMeta struct {
	Value     any    `yaml:"value"      json:"value"`
	MatchMode string `yaml:"match_mode" json:"matchMode,omitempty"`
}

// IsEmpty reports whether the filter carries no constraint.
func (f FilterMeta) IsEmpty() bool {
	switch v := f.Value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		for _, item := range v {
			if !(FilterMeta{Value: item}).IsEmpty() {
				return false
			}
		}
		return true
	case []string:
		for _, item := range v {
			if item != "" {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range v {
			if !(FilterMeta{Value: item}).IsEmpty() {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Filters maps a filter name to its value.
type Filters map[string]FilterMeta

// Clone returns a shallow copy.
func (f Filters) Clone() Filters {
	if f == nil {
		return Filters{}
	}
	return maps.Clone(f)
}

// Equal reports whether both filter sets hold the same values.
func (f Filters) Equal(other Filters) bool {
	if len(f) != len(other) {
		return false
	}
	for k, a := range f {
		b, ok := other[k]
		if !ok || a.MatchMode != b.MatchMode {
			return false
		}
		aj, _ := json.Marshal(a.Value)
		bj, _ := json.Marshal(b.Value)
		if string(aj) != string(bj) {
			return false
		}
	}
	return true
}

// TableState is the pagination, sort and filter state of one table.
type TableState struct {
	ReloadTrigger int       `yaml:"-"          json:"reload_trigger"`
	First         int       `yaml:"first"      json:"first"`
	Rows          int       `yaml:"rows"       json:"rows"`
	SortField     string    `yaml:"sort_field" json:"sort_field,omitempty"`
	SortOrder     SortOrder `yaml:"sort_order" json:"sort_order"`
	Filters       Filters   `yaml:"filters"    json:"filters"`
}

// Clone returns a copy with its own filter map.
func (s TableState) Clone() TableState {
	out := s
	out.Filters = s.Filters.Clone()
	return out
}

// TableStatePatch is a partial update of TableState. Nil fields are left
// unchanged; a nil Filters map keeps the current filters.
type TableStatePatch struct {
	First     *int       `json:"first,omitempty"`
	Rows      *int       `json:"rows,omitempty"`
	SortField *string    `json:"sort_field,omitempty"`
	SortOrder *SortOrder `json:"sort_order,omitempty"`
	Filters   Filters    `json:"filters,omitempty"`
}

// PersistedTableState is the subset of a table's state that survives a
// reload of the screen.
type PersistedTableState struct {
	TableState      TableState `json:"table_state"`
	SelectedEntries []Entity   `json:"selected_entries"`
}

// FindParams are the query parameters handed to a find function.
type FindParams struct {
	OrderBy   string `json:"order_by,omitempty"`
	Direction string `json:"direction,omitempty"`
	Limit     int    `json:"limit"`
	Page      int    `json:"page"`
	Filter    string `json:"filter,omitempty"`
}

// Pagination describes the page a FindResult belongs to.
type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// FindResult is one page of entries.
type FindResult struct {
	Entries    []Entity   `json:"entries"`
	Pagination Pagination `json:"pagination"`
}
