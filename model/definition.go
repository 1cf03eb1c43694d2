package model

// DataSourceDefinition is the root structure of a data-source definition
// file. It carries everything about a data source that can be expressed
// declaratively; functions are bound in Go.
type DataSourceDefinition struct {
	Key        string                      `yaml:"data_source"  json:"data_source"`
	Title      string                      `yaml:"title"        json:"title"`
	Columns    []Column                    `yaml:"columns"      json:"columns"`
	TableState TableState                  `yaml:"table_state"  json:"table_state"`
	Actions    map[string]ActionDescriptor `yaml:"actions"      json:"actions,omitempty"`
	Form       *FormDefinition             `yaml:"form"         json:"form,omitempty"`
	Backend    *BackendDefinition          `yaml:"backend"      json:"backend,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// FormDefinition describes the create/update form of a data source.
type FormDefinition struct {
	// Values is the blank template of the form.
	Values Values `yaml:"values" json:"values"`
	// Schema is an OpenAPI 3 schema object the values are validated against.
	Schema map[string]any `yaml:"schema" json:"schema,omitempty"`
	// SensitiveFields are redacted from debug logs.
	SensitiveFields []string `yaml:"sensitive_fields" json:"-"`
}

// BackendDefinition binds a data source to a REST resource of a backend
// service.
type BackendDefinition struct {
	Service    string                             `yaml:"service"     json:"service"`
	Resource   string                             `yaml:"resource"    json:"resource"`
	LabelField string                             `yaml:"label_field" json:"label_field,omitempty"`
	Actions    map[string]BackendActionDefinition `yaml:"actions"     json:"actions,omitempty"`
}

// BackendActionDefinition maps a named action to an HTTP call that receives
// the selected ids as {"ids": [...]}.
type BackendActionDefinition struct {
	Method string `yaml:"method" json:"method"`
	Path   string `yaml:"path"   json:"path"`
}
