package transport

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Tripsy/dashboard/internal/action"
	"github.com/Tripsy/dashboard/internal/datasource"
	"github.com/Tripsy/dashboard/internal/dispatch"
	"github.com/Tripsy/dashboard/internal/form"
	"github.com/Tripsy/dashboard/internal/session"
	"github.com/Tripsy/dashboard/model"
)

func TestHandleGetEntries_cancelledRequestIsLogged(t *testing.T) {
	reg := datasource.NewRegistry()
	err := reg.Register(model.DataSourceConfig{
		Key:               "users",
		DefaultTableState: model.TableState{Rows: 10},
		Functions: model.Functions{
			Find: func(ctx context.Context, _ model.FindParams) (model.FindResult, error) {
				return model.FindResult{}, ctx.Err()
			},
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	d := dispatch.New(reg)
	sessions := session.NewManager(d, form.NewMachine(d))
	t.Cleanup(func() { sessions.Close(context.Background()) })

	core, logs := observer.New(zapcore.DebugLevel)
	handler := handleGetEntries(sessions, action.NewRunner(d), zap.New(core))

	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("key", "users")
	ctx := context.WithValue(context.Background(), chi.RouteCtxKey, routeCtx)
	ctx = model.WithRequestContext(ctx, &model.RequestContext{SubjectID: "alice"})
	ctx, cancel := context.WithCancel(ctx)
	cancel()

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/ui/data-sources/users/entries", nil).WithContext(ctx))

	if w.Body.Len() != 0 {
		t.Errorf("cancelled request wrote a body: %s", w.Body.String())
	}
	entries := logs.FilterMessage("entries request cancelled").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d cancellation entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["data_source"]; got != "users" {
		t.Errorf("data_source = %v, want users", got)
	}
}
