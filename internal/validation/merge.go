// Package validation runs form validators incrementally: before a submit
// attempt only fields the user has touched receive feedback, after it the
// full error map is shown.
package validation

import (
	"github.com/Tripsy/dashboard/model"
)

// Merge folds a validation result into the previous error map.
//
// When submitted is true the result replaces prev entirely. Otherwise each
// touched field takes the result's errors for that field, or loses its
// errors when the result has none; untouched fields keep whatever prev held
// and are never added.
func Merge(prev model.FieldErrors, result model.ValidationResult, touched []string, submitted bool) model.FieldErrors {
	fresh := result.Errors
	if result.Success {
		fresh = nil
	}

	if submitted {
		return fresh.Clone()
	}

	out := prev.Clone()
	for _, field := range touched {
		if msgs := fresh[field]; len(msgs) > 0 {
			out[field] = append([]string(nil), msgs...)
		} else {
			delete(out, field)
		}
	}
	return out
}
