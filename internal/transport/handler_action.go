package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Tripsy/dashboard/internal/action"
	"github.com/Tripsy/dashboard/internal/datasource"
	"github.com/Tripsy/dashboard/internal/session"
	"github.com/Tripsy/dashboard/model"
)

// handleRunAction runs a named action against the table's targets. A failed
// run answers 200 with situation "error".
func handleRunAction(sessions *session.Manager, runner *action.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		out, err := runner.Run(r.Context(), CapabilitiesFrom(r.Context()), t.Store, t.Store.Key(), chi.URLParam(r, "name"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

// handlePreviewAction labels the entries an action would run against, for
// a confirmation dialog.
func handlePreviewAction(reg *datasource.Registry, sessions *session.Manager, runner *action.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		key, name := t.Store.Key(), chi.URLParam(r, "name")
		a, ok := reg.Action(key, name)
		if !ok {
			WriteError(w, model.NewMissingCapabilityError(key, name))
			return
		}
		if !CapabilitiesFrom(r.Context()).Has(a.Permission) {
			WriteForbidden(w, "You are not allowed to run this action")
			return
		}
		entries, err := action.Targets(a, t.Store)
		if err != nil {
			WriteError(w, err)
			return
		}
		labels, err := runner.Preview(r.Context(), key, entries)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"entries": labels})
	}
}
