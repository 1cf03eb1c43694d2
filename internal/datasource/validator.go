package datasource

import (
	"fmt"

	"github.com/Tripsy/dashboard/model"
)

// VError describes a single structural problem in a data-source config.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks the structural invariants of a config: enum values,
// a positive page size, unique column fields and bound form actions.
func Validate(cfg model.DataSourceConfig) []VError {
	var errs []VError

	if cfg.Key == "" {
		errs = append(errs, VError{Path: "key", Code: "REQUIRED", Message: "key is required"})
	}
	if cfg.DefaultTableState.Rows <= 0 {
		errs = append(errs, VError{Path: "table_state.rows", Code: "INVALID", Message: "rows must be positive"})
	}
	if cfg.DefaultTableState.First < 0 {
		errs = append(errs, VError{Path: "table_state.first", Code: "INVALID", Message: "first must not be negative"})
	}

	seen := make(map[string]bool, len(cfg.Columns))
	for i, col := range cfg.Columns {
		path := fmt.Sprintf("columns[%d]", i)
		if col.Field == "" {
			errs = append(errs, VError{Path: path + ".field", Code: "REQUIRED", Message: "field is required"})
			continue
		}
		if seen[col.Field] {
			errs = append(errs, VError{Path: path + ".field", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate column %q", col.Field)})
		}
		seen[col.Field] = true
		switch col.Filter {
		case "", model.FilterText, model.FilterSelect, model.FilterDateRange, model.FilterNumber:
		default:
			errs = append(errs, VError{Path: path + ".filter", Code: "INVALID", Message: fmt.Sprintf("unknown filter kind %q", col.Filter)})
		}
	}

	for name, action := range cfg.Actions {
		errs = append(errs, validateAction("actions."+name, name, action)...)
	}

	return errs
}

func validateAction(path, name string, a model.ActionDescriptor) []VError {
	var errs []VError

	switch a.Mode {
	case model.ModeForm, model.ModeAction, model.ModeOther:
	default:
		errs = append(errs, VError{Path: path + ".mode", Code: "INVALID", Message: fmt.Sprintf("unknown mode %q", a.Mode)})
	}
	switch a.AllowedEntries {
	case model.EntriesFree, model.EntriesSingle, model.EntriesMultiple:
	default:
		errs = append(errs, VError{Path: path + ".allowed_entries", Code: "INVALID", Message: fmt.Sprintf("unknown allowed_entries %q", a.AllowedEntries)})
	}
	switch a.Position {
	case model.PositionLeft, model.PositionRight, model.PositionHidden:
	default:
		errs = append(errs, VError{Path: path + ".position", Code: "INVALID", Message: fmt.Sprintf("unknown position %q", a.Position)})
	}

	if a.Mode == model.ModeForm && (name == model.ActionCreate || name == model.ActionUpdate) && a.Submit == nil {
		errs = append(errs, VError{Path: path + ".submit", Code: "REQUIRED", Message: "form action requires a submit function"})
	}
	if name == model.ActionUpdate && a.AllowedEntries != "" && a.AllowedEntries != model.EntriesSingle {
		errs = append(errs, VError{Path: path + ".allowed_entries", Code: "INVALID", Message: "update works on a single entry"})
	}

	return errs
}
