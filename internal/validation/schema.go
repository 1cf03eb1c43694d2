package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/Tripsy/dashboard/model"
)

// SchemaValidator builds a validateForm capability from an OpenAPI 3 object
// schema given as a decoded YAML or JSON map. Missing required properties
// and property values violating their schema become field errors.
func SchemaValidator(schema map[string]any) (model.ValidateFormFunc, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("validation: encoding schema: %w", err)
	}
	s := &openapi3.Schema{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("validation: decoding schema: %w", err)
	}
	if err := s.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("validation: invalid schema: %w", err)
	}

	return func(values model.Values, _ *int64) model.ValidationResult {
		doc, err := jsonDocument(values)
		if err != nil {
			return model.ValidationResult{Errors: model.FieldErrors{"_form": {err.Error()}}}
		}

		errs := model.FieldErrors{}
		for _, field := range s.Required {
			if v, ok := doc[field]; !ok || v == nil {
				errs[field] = append(errs[field], "is required")
			}
		}

		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			ref := s.Properties[name]
			v, ok := doc[name]
			if !ok || v == nil || ref == nil || ref.Value == nil {
				continue
			}
			if err := ref.Value.VisitJSON(v); err != nil {
				errs[name] = append(errs[name], reason(err))
			}
		}

		if len(errs) > 0 {
			return model.ValidationResult{Errors: errs}
		}
		return model.ValidationResult{Success: true, Data: values.Clone()}
	}, nil
}

// jsonDocument converts values to the plain JSON types the schema visitor
// expects (float64 numbers, []any, map[string]any).
func jsonDocument(values model.Values) (map[string]any, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func reason(err error) string {
	var se *openapi3.SchemaError
	if errors.As(err, &se) && se.Reason != "" {
		return se.Reason
	}
	return err.Error()
}
