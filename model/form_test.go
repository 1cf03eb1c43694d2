package model

import (
	"encoding/json"
	"testing"
)

func TestSituation_JSON(t *testing.T) {
	b, err := json.Marshal(FormState{})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if v, ok := raw["situation"]; !ok || v != nil {
		t.Errorf("situation = %v, want null", v)
	}

	var s Situation
	if err := json.Unmarshal([]byte(`"error"`), &s); err != nil || s != SituationError {
		t.Errorf("Unmarshal(error) = %q, %v", s, err)
	}
	if err := json.Unmarshal([]byte(`null`), &s); err != nil || s != SituationNone {
		t.Errorf("Unmarshal(null) = %q, %v", s, err)
	}
}

func TestFormState_Clone(t *testing.T) {
	id := int64(5)
	msg := "saved"
	s := FormState{
		ID:      &id,
		Message: &msg,
		Values:  Values{"label": "a"},
		Errors:  FieldErrors{"label": {"bad"}},
	}
	c := s.Clone()
	*c.ID = 6
	*c.Message = "changed"
	c.Values["label"] = "b"
	c.Errors["label"][0] = "worse"

	if *s.ID != 5 || *s.Message != "saved" || s.Values["label"] != "a" || s.Errors["label"][0] != "bad" {
		t.Errorf("Clone shares state with original: %+v", s)
	}
	if !s.IsUpdate() {
		t.Error("IsUpdate() = false with id set")
	}
	if (FormState{}).IsUpdate() {
		t.Error("IsUpdate() = true without id")
	}
}
