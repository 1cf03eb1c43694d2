package datasource

import (
	"fmt"
	"maps"

	"github.com/Tripsy/dashboard/model"
)

// defaultRows is the page size used when a definition does not set one.
const defaultRows = 10

// Bindings supplies the Go functions of a data source defined in YAML.
type Bindings struct {
	Functions model.Functions
	Actions   map[string]ActionBinding
}

// ActionBinding supplies the functions of one declared action.
type ActionBinding struct {
	CustomEntryCheck func(model.Entity) bool
	Submit           model.FormFunc
	Run              model.ActionFunc
}

// Bind merges a declarative definition with its Go bindings into a
// DataSourceConfig. Binding an action the definition does not declare is an
// error. When the definition has a form, missing getFormValues and
// syncFormState bindings default to copying the template's fields from the
// submitted payload and the edited entity.
func Bind(def model.DataSourceDefinition, b Bindings) (model.DataSourceConfig, error) {
	cfg := model.DataSourceConfig{
		Key:               def.Key,
		Columns:           append([]model.Column(nil), def.Columns...),
		DefaultTableState: def.TableState.Clone(),
		Functions:         b.Functions,
		Actions:           make(map[string]model.ActionDescriptor, len(def.Actions)),
	}
	if cfg.DefaultTableState.Rows == 0 {
		cfg.DefaultTableState.Rows = defaultRows
	}
	cfg.DefaultTableState.ReloadTrigger = 0

	for name, action := range def.Actions {
		cfg.Actions[name] = action
	}
	for name, ab := range b.Actions {
		action, ok := cfg.Actions[name]
		if !ok {
			return model.DataSourceConfig{}, fmt.Errorf("datasource %q: binding for undeclared action %q", def.Key, name)
		}
		action.CustomEntryCheck = ab.CustomEntryCheck
		action.Submit = ab.Submit
		action.Run = ab.Run
		cfg.Actions[name] = action
	}

	if def.Form != nil {
		cfg.FormState = &model.FormState{
			DataSource: def.Key,
			Values:     def.Form.Values.Clone(),
			Errors:     model.FieldErrors{},
		}
		cfg.SensitiveFields = append([]string(nil), def.Form.SensitiveFields...)
		if cfg.Functions.GetFormValues == nil {
			cfg.Functions.GetFormValues = PickTemplateValues(def.Form.Values)
		}
		if cfg.Functions.SyncFormState == nil {
			cfg.Functions.SyncFormState = SyncTemplateFields
		}
	}

	return cfg, nil
}

// PickTemplateValues returns a getFormValues function that keeps only the
// template's fields from a payload, falling back to the template value for
// fields the payload omits.
func PickTemplateValues(template model.Values) model.GetFormValuesFunc {
	tpl := maps.Clone(template)
	return func(payload map[string]any) model.Values {
		values := make(model.Values, len(tpl))
		for field, def := range tpl {
			if v, ok := payload[field]; ok {
				values[field] = v
			} else {
				values[field] = def
			}
		}
		return values
	}
}

// SyncTemplateFields fills the template's fields from entity and takes the
// entity's ID. Fields the entity lacks keep their template value.
func SyncTemplateFields(state model.FormState, entity model.Entity) model.FormState {
	values := state.Values.Clone()
	for field := range values {
		if v, ok := entity[field]; ok {
			values[field] = v
		}
	}
	state.Values = values
	if id, ok := entity.ID(); ok {
		state.ID = &id
	}
	return state
}
