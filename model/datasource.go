package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Capability names used by the dispatcher and reported in
// MissingCapabilityError.
const (
	CapFind                 = "find"
	CapCreate               = "create"
	CapUpdate               = "update"
	CapGetFormValues        = "getFormValues"
	CapValidateForm         = "validateForm"
	CapSyncFormState        = "syncFormState"
	CapDisplayActionEntries = "displayActionEntries"
	CapOnRowSelect          = "onRowSelect"
	CapOnRowUnselect        = "onRowUnselect"
	CapFormState            = "formState"
)

// Action names with a fixed meaning for the form lifecycle.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
)

// ActionMode tells the UI how an action is carried out.
type ActionMode string

const (
	ModeForm   ActionMode = "form"
	ModeAction ActionMode = "action"
	ModeOther  ActionMode = "other"
)

// AllowedEntries is the selection cardinality an action accepts.
type AllowedEntries string

const (
	EntriesFree     AllowedEntries = "free"
	EntriesSingle   AllowedEntries = "single"
	EntriesMultiple AllowedEntries = "multiple"
)

// ActionPosition is where an action button is rendered.
type ActionPosition string

const (
	PositionLeft   ActionPosition = "left"
	PositionRight  ActionPosition = "right"
	PositionHidden ActionPosition = "hidden"
)

// Entity is a single row returned by a data source's find function. Rows
// are expected to carry a numeric "id".
type Entity map[string]any

// ID returns the entity's numeric id. JSON numbers, Go integers and numeric
// strings are accepted.
func (e Entity) ID() (int64, bool) {
	if e == nil {
		return 0, false
	}
	return toInt64(e["id"])
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// EntityIDs collects the ids of the given entities, skipping rows without one.
func EntityIDs(entries []Entity) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if id, ok := e.ID(); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// EntryLabel is a display projection of an entity used in confirmation
// dialogs.
type EntryLabel struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
}

// Column describes one table column.
type Column struct {
	Field    string `yaml:"field"    json:"field"`
	Header   string `yaml:"header"   json:"header"`
	Sortable bool   `yaml:"sortable" json:"sortable,omitempty"`
	Filter   string `yaml:"filter"   json:"filter,omitempty"`
	Body     string `yaml:"body"     json:"body,omitempty"`
	Hidden   bool   `yaml:"hidden"   json:"hidden,omitempty"`
}

// Column filter kinds.
const (
	FilterText      = "text"
	FilterSelect    = "select"
	FilterDateRange = "date_range"
	FilterNumber    = "number"
)

// FindFunc loads one page of entries.
type FindFunc func(ctx context.Context, params FindParams) (FindResult, error)

// GetFormValuesFunc extracts typed form values from a raw submission payload.
type GetFormValuesFunc func(payload map[string]any) Values

// ValidateFormFunc validates a full set of form values. A nil id means the
// values belong to a new entity.
type ValidateFormFunc func(values Values, id *int64) ValidationResult

// SyncFormStateFunc fills a form template from an existing entity.
type SyncFormStateFunc func(state FormState, entity Entity) FormState

// DisplayActionEntriesFunc projects entities into labels for confirmation.
type DisplayActionEntriesFunc func(entries []Entity) []EntryLabel

// RowHookFunc is notified about rows entering or leaving the selection.
type RowHookFunc func(entries []Entity)

// FormFunc creates (id == nil) or updates an entity.
type FormFunc func(ctx context.Context, values Values, id *int64) (SubmitResult, error)

// ActionFunc runs a named action against a set of entity ids.
type ActionFunc func(ctx context.Context, ids []int64) (SubmitResult, error)

// Functions is the optional capability bag of a data source. Any field may
// be nil; callers go through the dispatcher, which reports absent ones.
type Functions struct {
	Find                 FindFunc
	GetFormValues        GetFormValuesFunc
	ValidateForm         ValidateFormFunc
	SyncFormState        SyncFormStateFunc
	DisplayActionEntries DisplayActionEntriesFunc
	OnRowSelect          RowHookFunc
	OnRowUnselect        RowHookFunc
}

// Has reports whether the named capability is bound.
func (f Functions) Has(capability string) bool {
	switch capability {
	case CapFind:
		return f.Find != nil
	case CapGetFormValues:
		return f.GetFormValues != nil
	case CapValidateForm:
		return f.ValidateForm != nil
	case CapSyncFormState:
		return f.SyncFormState != nil
	case CapDisplayActionEntries:
		return f.DisplayActionEntries != nil
	case CapOnRowSelect:
		return f.OnRowSelect != nil
	case CapOnRowUnselect:
		return f.OnRowUnselect != nil
	default:
		return false
	}
}

// ActionDescriptor configures one named action of a data source.
type ActionDescriptor struct {
	Label          string         `yaml:"label"           json:"label,omitempty"`
	Mode           ActionMode     `yaml:"mode"            json:"mode"`
	AllowedEntries AllowedEntries `yaml:"allowed_entries" json:"allowed_entries"`
	Permission     string         `yaml:"permission"      json:"permission,omitempty"`
	Position       ActionPosition `yaml:"position"        json:"position"`
	Confirm        bool           `yaml:"confirm"         json:"confirm,omitempty"`

	// CustomEntryCheck decides whether the action applies to an entry.
	CustomEntryCheck func(entry Entity) bool `yaml:"-" json:"-"`
	// Submit backs form-mode actions (create and update).
	Submit FormFunc `yaml:"-" json:"-"`
	// Run backs action-mode actions.
	Run ActionFunc `yaml:"-" json:"-"`
}

// AcceptsEntry reports whether entry passes the action's custom check.
func (a ActionDescriptor) AcceptsEntry(entry Entity) bool {
	if a.CustomEntryCheck == nil {
		return true
	}
	return a.CustomEntryCheck(entry)
}

// DataSourceConfig is the full configuration of one data source. It is
// immutable once registered.
type DataSourceConfig struct {
	Key               string
	Columns           []Column
	DefaultTableState TableState
	Functions         Functions
	Actions           map[string]ActionDescriptor
	FormState         *FormState
	// SensitiveFields are form fields redacted from debug logs.
	SensitiveFields []string
}

// Action returns the named action descriptor.
func (c DataSourceConfig) Action(name string) (ActionDescriptor, bool) {
	a, ok := c.Actions[name]
	return a, ok
}

// String implements fmt.Stringer for log output.
func (c DataSourceConfig) String() string {
	return fmt.Sprintf("DataSource(%s, %d columns, %d actions)", c.Key, len(c.Columns), len(c.Actions))
}
