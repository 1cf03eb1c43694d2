package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Tripsy/dashboard/internal/datasource"
	"github.com/Tripsy/dashboard/internal/form"
	"github.com/Tripsy/dashboard/internal/session"
	"github.com/Tripsy/dashboard/model"
)

type formResponse struct {
	model.FormState
	Touched []string `json:"touched"`
}

type openFormRequest struct {
	Entity model.Entity `json:"entity,omitempty"`
}

type editFormRequest struct {
	Values  model.Values `json:"values,omitempty"`
	Touched []string     `json:"touched,omitempty"`
	Flush   bool         `json:"flush,omitempty"`
}

type submitFormRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

type validateFormRequest struct {
	ID        *int64            `json:"id,omitempty"`
	Values    model.Values      `json:"values"`
	Errors    model.FieldErrors `json:"errors,omitempty"`
	Touched   []string          `json:"touched,omitempty"`
	Submitted bool              `json:"submitted,omitempty"`
}

func writeForm(w http.ResponseWriter, ed *form.Editor) {
	touched := ed.Touched()
	if touched == nil {
		touched = []string{}
	}
	WriteJSON(w, http.StatusOK, formResponse{FormState: ed.State(), Touched: touched})
}

// openForm returns the open form of {key}, answering 404 when there is none.
func openForm(w http.ResponseWriter, r *http.Request, sessions *session.Manager) (*session.Session, *form.Editor, bool) {
	sess, ok := sessionFrom(w, r, sessions)
	if !ok {
		return nil, nil, false
	}
	ed, ok := sess.Form(chi.URLParam(r, "key"))
	if !ok {
		WriteNotFound(w, "No form is open for this data source")
		return nil, nil, false
	}
	return sess, ed, true
}

// handleOpenForm opens the create form, or the update form of the posted
// entity.
func handleOpenForm(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		var req openFormRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		ed, err := sess.OpenForm(r.Context(), t.Store.Key(), req.Entity)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeForm(w, ed)
	}
}

func handleGetForm(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, ed, ok := openForm(w, r, sessions)
		if !ok {
			return
		}
		writeForm(w, ed)
	}
}

// handleEditForm applies edited values and touched fields. Validation runs
// debounced in the background unless flush is set.
func handleEditForm(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, ed, ok := openForm(w, r, sessions)
		if !ok {
			return
		}
		var req editFormRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		if req.Values != nil {
			ed.SetValues(req.Values)
		}
		ed.Touch(req.Touched...)
		if req.Flush {
			ed.Flush()
		}
		writeForm(w, ed)
	}
}

func handleCloseForm(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := sessionFrom(w, r, sessions)
		if !ok {
			return
		}
		sess.CloseForm(chi.URLParam(r, "key"))
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleSubmitForm submits the open form. Failed submissions answer 200
// with situation "error"; only configuration errors are HTTP errors.
func handleSubmitForm(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ed, ok := openForm(w, r, sessions)
		if !ok {
			return
		}
		var req submitFormRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		sig, err := sess.Signals(r.Context(), ed.DataSource())
		if err != nil {
			WriteError(w, err)
			return
		}
		if _, err := ed.Submit(r.Context(), req.Payload, sig); err != nil {
			WriteError(w, err)
			return
		}
		writeForm(w, ed)
	}
}

// handleValidateForm validates posted values without an open form.
func handleValidateForm(reg *datasource.Registry, machine *form.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if !reg.Has(key) {
			WriteNotFound(w, "Data source not found")
			return
		}
		var req validateFormRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		state := model.FormState{DataSource: key, ID: req.ID, Values: req.Values, Errors: req.Errors}
		errs, err := machine.Validate(r.Context(), state, req.Touched, req.Submitted)
		if err != nil {
			WriteError(w, err)
			return
		}
		if errs == nil {
			errs = model.FieldErrors{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"errors": errs})
	}
}
