package datasource

import (
	"strings"
	"testing"

	"github.com/Tripsy/dashboard/model"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*model.DataSourceConfig)
		wantPath string
	}{
		{"valid", func(*model.DataSourceConfig) {}, ""},
		{"rows", func(c *model.DataSourceConfig) { c.DefaultTableState.Rows = 0 }, "table_state.rows"},
		{"first", func(c *model.DataSourceConfig) { c.DefaultTableState.First = -1 }, "table_state.first"},
		{"duplicate column", func(c *model.DataSourceConfig) {
			c.Columns = append(c.Columns, model.Column{Field: "id"})
		}, "columns[2].field"},
		{"empty column", func(c *model.DataSourceConfig) {
			c.Columns = append(c.Columns, model.Column{})
		}, "columns[2].field"},
		{"filter kind", func(c *model.DataSourceConfig) { c.Columns[1].Filter = "fuzzy" }, "columns[1].filter"},
		{"mode", func(c *model.DataSourceConfig) {
			a := c.Actions["create"]
			a.Mode = "wizard"
			c.Actions["create"] = a
		}, "actions.create.mode"},
		{"position", func(c *model.DataSourceConfig) {
			a := c.Actions["create"]
			a.Position = "top"
			c.Actions["create"] = a
		}, "actions.create.position"},
		{"entries", func(c *model.DataSourceConfig) {
			a := c.Actions["create"]
			a.AllowedEntries = "some"
			c.Actions["create"] = a
		}, "actions.create.allowed_entries"},
		{"unbound create", func(c *model.DataSourceConfig) {
			a := c.Actions["create"]
			a.Submit = nil
			c.Actions["create"] = a
		}, "actions.create.submit"},
		{"multi update", func(c *model.DataSourceConfig) {
			a := c.Actions["create"]
			a.AllowedEntries = model.EntriesMultiple
			c.Actions["update"] = a
		}, "actions.update.allowed_entries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := templateConfig()
			tt.mutate(&cfg)
			errs := Validate(cfg)
			if tt.wantPath == "" {
				if len(errs) != 0 {
					t.Errorf("Validate() = %v, want no errors", errs)
				}
				return
			}
			for _, e := range errs {
				if e.Path == tt.wantPath {
					return
				}
			}
			t.Errorf("Validate() = %v, want error at %s", errs, tt.wantPath)
		})
	}
}

func TestVError_Error(t *testing.T) {
	e := VError{Path: "columns[0].field", Code: "REQUIRED", Message: "field is required"}
	if !strings.Contains(e.Error(), "columns[0].field") {
		t.Errorf("Error() = %q", e.Error())
	}
}
