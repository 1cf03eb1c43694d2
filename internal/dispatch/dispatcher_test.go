package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Tripsy/dashboard/internal/datasource"
	"github.com/Tripsy/dashboard/model"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) OnDispatch(_ context.Context, e Event) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordingObserver) last() Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[len(o.events)-1]
}

var errBoom = errors.New("boom")

func permissionsConfig() model.DataSourceConfig {
	return model.DataSourceConfig{
		Key:               "permissions",
		DefaultTableState: model.TableState{Rows: 10},
		Functions: model.Functions{
			Find: func(_ context.Context, p model.FindParams) (model.FindResult, error) {
				return model.FindResult{
					Entries:    []model.Entity{{"id": 1}},
					Pagination: model.Pagination{Total: 1, Page: p.Page, Limit: p.Limit},
				}, nil
			},
			GetFormValues: func(payload map[string]any) model.Values {
				return model.Values{"entity": payload["entity"]}
			},
			ValidateForm: func(v model.Values, _ *int64) model.ValidationResult {
				if v["entity"] == "" {
					return model.ValidationResult{Errors: model.FieldErrors{"entity": {"required"}}}
				}
				return model.ValidationResult{Success: true, Data: v}
			},
			DisplayActionEntries: func(entries []model.Entity) []model.EntryLabel {
				return []model.EntryLabel{{ID: 1, Label: "one"}}
			},
		},
		Actions: map[string]model.ActionDescriptor{
			"update": {
				Mode: model.ModeForm, AllowedEntries: model.EntriesSingle, Position: model.PositionHidden,
				Submit: func(_ context.Context, v model.Values, id *int64) (model.SubmitResult, error) {
					return model.SubmitResult{Success: true, Data: *id}, nil
				},
			},
			"delete": {
				Mode: model.ModeAction, AllowedEntries: model.EntriesMultiple, Position: model.PositionLeft,
				Run: func(context.Context, []int64) (model.SubmitResult, error) {
					return model.SubmitResult{}, errBoom
				},
			},
			"export": {Mode: model.ModeOther, AllowedEntries: model.EntriesFree, Position: model.PositionRight},
		},
	}
}

func newDispatcher(t *testing.T) (*Dispatcher, *recordingObserver) {
	t.Helper()
	reg := datasource.NewRegistry()
	if err := reg.Register(permissionsConfig()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	obs := &recordingObserver{}
	return New(reg, WithObserver(obs)), obs
}

func assertMissing(t *testing.T, err error, key, capability string) {
	t.Helper()
	var mce *model.MissingCapabilityError
	if !errors.As(err, &mce) {
		t.Fatalf("error = %v, want *MissingCapabilityError", err)
	}
	if mce.DataSource != key || mce.Capability != capability {
		t.Errorf("MissingCapabilityError = (%q, %q), want (%q, %q)", mce.DataSource, mce.Capability, key, capability)
	}
}

func TestFind_unknownKey(t *testing.T) {
	d, obs := newDispatcher(t)

	if _, ok := d.Registry().Get("ghost", datasource.SectionFunctions); ok {
		t.Error("Get(ghost, functions) should report not found")
	}

	_, err := d.Find(context.Background(), "ghost", model.FindParams{})
	assertMissing(t, err, "ghost", "find")

	if got := obs.last().Outcome; got != OutcomeMissing {
		t.Errorf("outcome = %q, want missing", got)
	}
}

func TestFind_passesResultThrough(t *testing.T) {
	d, obs := newDispatcher(t)

	res, err := d.Find(context.Background(), "permissions", model.FindParams{Page: 2, Limit: 10})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if res.Pagination.Page != 2 || len(res.Entries) != 1 {
		t.Errorf("Find() = %+v", res)
	}
	if e := obs.last(); e.Outcome != OutcomeOK || e.Capability != "find" || e.DataSource != "permissions" {
		t.Errorf("event = %+v", e)
	}
}

func TestCreate_missingOnEveryKeyWithoutCreate(t *testing.T) {
	d, _ := newDispatcher(t)

	for _, key := range []string{"permissions", "ghost"} {
		t.Run(key, func(t *testing.T) {
			_, err := d.Create(context.Background(), key, model.Values{})
			assertMissing(t, err, key, "create")
		})
	}
}

func TestUpdate_passesID(t *testing.T) {
	d, _ := newDispatcher(t)

	res, err := d.Update(context.Background(), "permissions", model.Values{}, 7)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if res.Data != int64(7) {
		t.Errorf("Data = %v, want 7", res.Data)
	}
}

func TestRunAction(t *testing.T) {
	d, obs := newDispatcher(t)
	ctx := context.Background()

	_, err := d.RunAction(ctx, "permissions", "delete", []int64{1})
	if !errors.Is(err, errBoom) {
		t.Errorf("RunAction(delete) error = %v, want the action's own error", err)
	}
	if model.IsMissingCapability(err) {
		t.Error("a failing action must not be reported as missing")
	}
	if e := obs.last(); e.Outcome != OutcomeError || e.Error != "boom" {
		t.Errorf("event = %+v", e)
	}

	_, err = d.RunAction(ctx, "permissions", "export", nil)
	assertMissing(t, err, "permissions", "export")

	_, err = d.RunAction(ctx, "permissions", "archive", nil)
	assertMissing(t, err, "permissions", "archive")
}

func TestPureCapabilities(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	values, err := d.GetFormValues(ctx, "permissions", map[string]any{"entity": "user", "junk": 1})
	if err != nil {
		t.Fatalf("GetFormValues() error = %v", err)
	}
	if len(values) != 1 || values["entity"] != "user" {
		t.Errorf("values = %v", values)
	}

	res, err := d.ValidateForm(ctx, "permissions", model.Values{"entity": ""}, nil)
	if err != nil {
		t.Fatalf("ValidateForm() error = %v, a failed validation is not an error", err)
	}
	if res.Success || len(res.Errors["entity"]) == 0 {
		t.Errorf("ValidateForm() = %+v", res)
	}

	labels, err := d.DisplayActionEntries(ctx, "permissions", []model.Entity{{"id": 1}})
	if err != nil || len(labels) != 1 {
		t.Errorf("DisplayActionEntries() = %v, %v", labels, err)
	}

	_, err = d.SyncFormState(ctx, "permissions", model.FormState{}, model.Entity{})
	assertMissing(t, err, "permissions", "syncFormState")

	assertMissing(t, d.RowSelect(ctx, "permissions", nil), "permissions", "onRowSelect")
	assertMissing(t, d.RowUnselect(ctx, "permissions", nil), "permissions", "onRowUnselect")
}

func TestHas(t *testing.T) {
	d, _ := newDispatcher(t)

	tests := []struct {
		key, capability string
		want            bool
	}{
		{"permissions", "find", true},
		{"permissions", "validateForm", true},
		{"permissions", "syncFormState", false},
		{"permissions", "update", true},
		{"permissions", "create", false},
		{"permissions", "delete", true},
		{"permissions", "export", false},
		{"ghost", "find", false},
	}
	for _, tt := range tests {
		t.Run(tt.key+"/"+tt.capability, func(t *testing.T) {
			if got := d.Has(tt.key, tt.capability); got != tt.want {
				t.Errorf("Has(%q, %q) = %v, want %v", tt.key, tt.capability, got, tt.want)
			}
		})
	}
}

func TestObserverFunc(t *testing.T) {
	reg := datasource.NewRegistry()
	var got Event
	d := New(reg, WithObserver(ObserverFunc(func(_ context.Context, e Event) { got = e })))

	d.Find(context.Background(), "ghost", model.FindParams{})
	if got.Capability != "find" || got.Outcome != OutcomeMissing {
		t.Errorf("event = %+v", got)
	}
}
