package transport

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Tripsy/dashboard/internal/action"
	"github.com/Tripsy/dashboard/internal/events"
	"github.com/Tripsy/dashboard/internal/observability"
	"github.com/Tripsy/dashboard/internal/session"
	"github.com/Tripsy/dashboard/internal/table"
	"github.com/Tripsy/dashboard/model"
)

type tableResponse struct {
	model.TableSnapshot
	Actions []model.ActionButton `json:"actions,omitempty"`
}

type selectionRequest struct {
	Entries []model.Entity `json:"entries"`
}

type modalRequest struct {
	Action string       `json:"action"`
	Entry  model.Entity `json:"entry,omitempty"`
}

type entriesResponse struct {
	Entries       []model.Entity         `json:"entries"`
	Total         int                    `json:"total"`
	ReloadTrigger int                    `json:"reload_trigger"`
	RowActions    [][]model.ActionButton `json:"row_actions"`
	Superseded    bool                   `json:"superseded,omitempty"`
}

func handleGetTable(sessions *session.Manager, runner *action.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		snap := t.Store.Snapshot()
		WriteJSON(w, http.StatusOK, tableResponse{
			TableSnapshot: snap,
			Actions:       runner.Resolve(CapabilitiesFrom(r.Context()), snap.DataSource, snap.SelectedEntries),
		})
	}
}

func handlePatchTable(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		var patch model.TableStatePatch
		if err := decodeBody(r, &patch); err != nil {
			WriteError(w, err)
			return
		}
		if _, err := t.Store.UpdateTableState(patch); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, t.Store.Snapshot())
	}
}

func handleRefreshTable(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int{"reload_trigger": t.Store.Refresh()})
	}
}

// handleResetFilters publishes a filter reset on the session bus, which the
// table store and any filter panel of the data source react to.
func handleResetFilters(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		sess.Bus().PublishFiltersReset(events.FiltersReset{Source: t.Store.Key()})
		WriteJSON(w, http.StatusOK, t.Store.Snapshot())
	}
}

func handleSetSelection(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		var req selectionRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		t.Store.SetSelectedEntries(req.Entries)
		WriteJSON(w, http.StatusOK, t.Store.Snapshot())
	}
}

func handleClearSelection(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		t.Store.ClearSelectedEntries()
		WriteJSON(w, http.StatusOK, t.Store.Snapshot())
	}
}

func handleOpenModal(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		var req modalRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		if req.Action == "" {
			WriteError(w, model.NewBadRequestError("action is required"))
			return
		}
		if req.Entry != nil {
			t.Store.SetActionEntry(req.Entry)
		}
		if err := t.Store.OpenAction(req.Action); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, t.Store.Snapshot())
	}
}

// handleCloseModal closes the modal together with the form it shows.
func handleCloseModal(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		t.Store.CloseOut()
		sess.CloseForm(t.Store.Key())
		WriteJSON(w, http.StatusOK, t.Store.Snapshot())
	}
}

// handleRequestAction publishes an ActionRequested event, the way an in-row
// button asks the table to open an action for its entry.
func handleRequestAction(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		var req modalRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		if req.Action == "" {
			WriteError(w, model.NewBadRequestError("action is required"))
			return
		}
		sess.Bus().PublishActionRequested(events.ActionRequested{
			Source:     t.Store.Key(),
			ActionName: req.Action,
			Entry:      req.Entry,
		})
		WriteJSON(w, http.StatusOK, t.Store.Snapshot())
	}
}

// handleGetEntries loads the page described by the current table state. A
// load superseded by a newer one answers with the loader's current state.
func handleGetEntries(sessions *session.Manager, runner *action.Runner, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, t, ok := tableFrom(w, r, sessions)
		if !ok {
			return
		}
		ctx := r.Context()
		key := t.Store.Key()
		state := t.Store.TableState()

		_, err := t.Loader.Load(ctx, state)
		switch {
		case errors.Is(err, table.ErrSuperseded):
		case err != nil && errors.Is(ctx.Err(), context.Canceled):
			observability.DataSourceLogger(ctx, logger, key).Debug("entries request cancelled", zap.Error(err))
			return
		case err != nil:
			WriteError(w, err)
			return
		}

		ls := t.Loader.State()
		caps := CapabilitiesFrom(ctx)
		rowActions := make([][]model.ActionButton, len(ls.Entries))
		for i, e := range ls.Entries {
			rowActions[i] = runner.RowActions(caps, key, e)
		}
		if ls.Entries == nil {
			ls.Entries = []model.Entity{}
		}
		WriteJSON(w, http.StatusOK, entriesResponse{
			Entries:       ls.Entries,
			Total:         ls.Total,
			ReloadTrigger: state.ReloadTrigger,
			RowActions:    rowActions,
			Superseded:    errors.Is(err, table.ErrSuperseded),
		})
	}
}
