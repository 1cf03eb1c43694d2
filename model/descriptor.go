package model

// DataSourceSummary is an entry of the data-source listing.
type DataSourceSummary struct {
	Key   string `json:"key"`
	Title string `json:"title,omitempty"`
}

// DataSourceDescriptor is the UI-facing description of a data source for
// the current user.
type DataSourceDescriptor struct {
	Key               string         `json:"key"`
	Title             string         `json:"title,omitempty"`
	Columns           []Column       `json:"columns"`
	DefaultTableState TableState     `json:"default_table_state"`
	Actions           []ActionButton `json:"actions"`
	HasForm           bool           `json:"has_form"`
}

// ActionButton is a resolved action ready for rendering.
type ActionButton struct {
	Name           string         `json:"name"`
	Label          string         `json:"label,omitempty"`
	Mode           ActionMode     `json:"mode"`
	AllowedEntries AllowedEntries `json:"allowed_entries"`
	Position       ActionPosition `json:"position"`
	Confirm        bool           `json:"confirm,omitempty"`
	Enabled        bool           `json:"enabled"`
}

// ModalState is the modal/action part of a table's state.
type ModalState struct {
	IsOpen      bool   `json:"is_open"`
	ActionName  string `json:"action_name,omitempty"`
	ActionEntry Entity `json:"action_entry,omitempty"`
}

// TableSnapshot is a consistent copy of a table store's state.
type TableSnapshot struct {
	DataSource      string     `json:"data_source"`
	TableState      TableState `json:"table_state"`
	SelectedEntries []Entity   `json:"selected_entries"`
	Modal           ModalState `json:"modal"`
}

// ActionOutcome is the result of running a named action.
type ActionOutcome struct {
	Situation Situation `json:"situation"`
	Message   *string   `json:"message"`
	Data      any       `json:"data,omitempty"`
}
