package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Tripsy/dashboard/internal/action"
	"github.com/Tripsy/dashboard/internal/datasource"
	"github.com/Tripsy/dashboard/internal/session"
	"github.com/Tripsy/dashboard/model"
)

// sessionFrom returns the session of the authenticated subject.
func sessionFrom(w http.ResponseWriter, r *http.Request, sessions *session.Manager) (*session.Session, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil || rctx.SubjectID == "" {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return sessions.Session(rctx.SubjectID), true
}

// tableFrom returns the session and the table of the {key} URL parameter.
func tableFrom(w http.ResponseWriter, r *http.Request, sessions *session.Manager) (*session.Session, *session.Table, bool) {
	sess, ok := sessionFrom(w, r, sessions)
	if !ok {
		return nil, nil, false
	}
	t, err := sess.Table(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		WriteError(w, err)
		return nil, nil, false
	}
	return sess, t, true
}

func handleListDataSources(reg *datasource.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		keys := reg.Keys()
		out := make([]model.DataSourceSummary, 0, len(keys))
		for _, key := range keys {
			out = append(out, model.DataSourceSummary{Key: key, Title: reg.Title(key)})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data_sources": out})
	}
}

func handleDescribeDataSource(reg *datasource.Registry, sessions *session.Manager, runner *action.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		key := t.Store.Key()
		cfg, _ := reg.Config(key)

		WriteJSON(w, http.StatusOK, model.DataSourceDescriptor{
			Key:               key,
			Title:             reg.Title(key),
			Columns:           cfg.Columns,
			DefaultTableState: cfg.DefaultTableState,
			Actions:           runner.Resolve(CapabilitiesFrom(r.Context()), key, t.Store.SelectedEntries()),
			HasForm:           cfg.FormState != nil,
		})
	}
}
