package model

import (
	"encoding/json"
	"maps"
)

// Values holds typed form values keyed by field name.
type Values map[string]any

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	if v == nil {
		return Values{}
	}
	return maps.Clone(v)
}

// FieldErrors maps a field name to its validation messages.
type FieldErrors map[string][]string

// Clone returns a copy that shares no slices with the receiver.
func (fe FieldErrors) Clone() FieldErrors {
	out := make(FieldErrors, len(fe))
	for k, msgs := range fe {
		out[k] = append([]string(nil), msgs...)
	}
	return out
}

// ValidationResult is the outcome of validating a full set of form values.
type ValidationResult struct {
	Success bool        `json:"success"`
	Data    Values      `json:"data,omitempty"`
	Errors  FieldErrors `json:"errors,omitempty"`
}

// SubmitResult is what create, update and named actions return.
type SubmitResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Situation is the terminal tag of a form submission. The zero value means
// no submission has completed yet.
type Situation string

const (
	SituationNone    Situation = ""
	SituationSuccess Situation = "success"
	SituationError   Situation = "error"
)

// MarshalJSON encodes SituationNone as null.
func (s Situation) MarshalJSON() ([]byte, error) {
	if s == SituationNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON decodes null as SituationNone.
func (s *Situation) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = SituationNone
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	*s = Situation(str)
	return nil
}

// FormState is the state of one form instance. A non-nil ID means the form
// edits an existing entity.
type FormState struct {
	DataSource string      `yaml:"-"      json:"data_source"`
	ID         *int64      `yaml:"-"      json:"id"`
	Values     Values      `yaml:"values" json:"values"`
	Errors     FieldErrors `yaml:"-"      json:"errors"`
	Message    *string     `yaml:"-"      json:"message"`
	Situation  Situation   `yaml:"-"      json:"situation"`
	ResultData any         `yaml:"-"      json:"result_data,omitempty"`
}

// Clone returns a deep enough copy for the form machine to mutate freely.
func (s FormState) Clone() FormState {
	out := s
	out.Values = s.Values.Clone()
	out.Errors = s.Errors.Clone()
	if s.ID != nil {
		id := *s.ID
		out.ID = &id
	}
	if s.Message != nil {
		msg := *s.Message
		out.Message = &msg
	}
	return out
}

// IsUpdate reports whether the form edits an existing entity.
func (s FormState) IsUpdate() bool {
	return s.ID != nil
}
