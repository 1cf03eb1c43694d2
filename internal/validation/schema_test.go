package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Tripsy/dashboard/model"
)

const permissionSchema = `
type: object
required: [entity, operation]
properties:
  entity:
    type: string
    minLength: 1
  operation:
    type: string
    enum: [create, read, update, delete]
  priority:
    type: integer
    minimum: 0
`

func loadSchema(t *testing.T, src string) map[string]any {
	t.Helper()
	var schema map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(src), &schema))
	return schema
}

func TestSchemaValidator(t *testing.T) {
	validate, err := SchemaValidator(loadSchema(t, permissionSchema))
	require.NoError(t, err)

	tests := []struct {
		name       string
		values     model.Values
		wantOK     bool
		wantFields []string
	}{
		{
			name:   "valid",
			values: model.Values{"entity": "user", "operation": "read", "priority": 3},
			wantOK: true,
		},
		{
			name:       "empty entity",
			values:     model.Values{"entity": "", "operation": "read"},
			wantFields: []string{"entity"},
		},
		{
			name:       "missing required",
			values:     model.Values{"entity": "user"},
			wantFields: []string{"operation"},
		},
		{
			name:       "enum and minimum",
			values:     model.Values{"entity": "user", "operation": "fly", "priority": -1},
			wantFields: []string{"operation", "priority"},
		},
		{
			name:       "wrong type",
			values:     model.Values{"entity": 5, "operation": "read"},
			wantFields: []string{"entity"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := validate(tt.values, nil)
			assert.Equal(t, tt.wantOK, res.Success)
			if tt.wantOK {
				assert.Equal(t, tt.values, res.Data)
				return
			}
			assert.Len(t, res.Errors, len(tt.wantFields))
			for _, f := range tt.wantFields {
				assert.NotEmpty(t, res.Errors[f], "field %s", f)
			}
		})
	}
}

func TestSchemaValidator_invalidSchema(t *testing.T) {
	_, err := SchemaValidator(map[string]any{"type": "object", "properties": "nope"})
	assert.Error(t, err)
}
