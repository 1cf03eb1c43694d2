package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/Tripsy/dashboard/internal/datasource"
	"github.com/Tripsy/dashboard/internal/openapi"
	"github.com/Tripsy/dashboard/model"
)

// Bind builds the functions of a data source whose definition has a backend
// section, talking to client:
//
//	find          GET    /{resource}?order_by&direction&limit&page&filter
//	create        POST   /{resource}
//	update        PUT    /{resource}/{id}
//	named action  {method} {path} with body {"ids": [...]}
//
// Only actions declared in the definition are bound. displayActionEntries
// is bound when the backend names a label field.
func Bind(def model.DataSourceDefinition, client *Client) (datasource.Bindings, error) {
	be := def.Backend
	if be == nil {
		return datasource.Bindings{}, fmt.Errorf("data source %q has no backend section", def.Key)
	}
	if client == nil {
		return datasource.Bindings{}, fmt.Errorf("data source %q: service %q is not configured", def.Key, be.Service)
	}
	resource := "/" + strings.Trim(be.Resource, "/")

	b := datasource.Bindings{
		Functions: model.Functions{Find: findFunc(client, def.Key, resource)},
		Actions:   make(map[string]datasource.ActionBinding),
	}
	if be.LabelField != "" {
		b.Functions.DisplayActionEntries = labelFunc(be.LabelField)
	}

	if _, ok := def.Actions[model.ActionCreate]; ok {
		b.Actions[model.ActionCreate] = datasource.ActionBinding{Submit: submitFunc(client, def.Key, resource)}
	}
	if _, ok := def.Actions[model.ActionUpdate]; ok {
		b.Actions[model.ActionUpdate] = datasource.ActionBinding{Submit: submitFunc(client, def.Key, resource)}
	}
	for name, ad := range be.Actions {
		if _, ok := def.Actions[name]; !ok {
			return datasource.Bindings{}, fmt.Errorf("data source %q: backend action %q is not declared in actions", def.Key, name)
		}
		method, path := actionRoute(resource, ad)
		b.Actions[name] = datasource.ActionBinding{Run: runFunc(client, def.Key+"."+name, method, path)}
	}
	return b, nil
}

// actionRoute resolves a named action's method and path. Relative paths
// hang off the resource; the method defaults to POST.
func actionRoute(resource string, ad model.BackendActionDefinition) (string, string) {
	method := strings.ToUpper(ad.Method)
	if method == "" {
		method = http.MethodPost
	}
	path := ad.Path
	if !strings.HasPrefix(path, "/") {
		path = resource + "/" + path
	}
	return method, path
}

// Route is one backend call a bound data source makes. Capability is the
// dispatcher capability or the action name it serves.
type Route struct {
	Capability string
	Method     string
	Path       string
}

// Routes lists the calls Bind wires for def, sorted by capability. The
// update path ends in an {id} parameter.
func Routes(def model.DataSourceDefinition) []Route {
	be := def.Backend
	if be == nil {
		return nil
	}
	resource := "/" + strings.Trim(be.Resource, "/")

	routes := []Route{{Capability: model.CapFind, Method: http.MethodGet, Path: resource}}
	if _, ok := def.Actions[model.ActionCreate]; ok {
		routes = append(routes, Route{Capability: model.CapCreate, Method: http.MethodPost, Path: resource})
	}
	if _, ok := def.Actions[model.ActionUpdate]; ok {
		routes = append(routes, Route{Capability: model.CapUpdate, Method: http.MethodPut, Path: resource + "/{id}"})
	}
	for name, ad := range be.Actions {
		method, path := actionRoute(resource, ad)
		routes = append(routes, Route{Capability: name, Method: method, Path: path})
	}
	slices.SortFunc(routes, func(a, b Route) int { return strings.Compare(a.Capability, b.Capability) })
	return routes
}

// CheckContract verifies that the service's OpenAPI document publishes
// every route def binds and that the form template carries the body fields
// create and update require. Services without a document are not checked.
func CheckContract(def model.DataSourceDefinition, idx *openapi.Index) error {
	be := def.Backend
	if be == nil || idx == nil || !idx.Has(be.Service) {
		return nil
	}

	var errs []error
	for _, r := range Routes(def) {
		op, ok := idx.Lookup(be.Service, r.Method, r.Path)
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %s %s is not published by %s", r.Capability, r.Method, r.Path, be.Service))
			continue
		}
		if def.Form == nil || (r.Capability != model.CapCreate && r.Capability != model.CapUpdate) {
			continue
		}
		for _, field := range op.RequiredBody {
			if _, ok := def.Form.Values[field]; !ok {
				errs = append(errs, fmt.Errorf("%s: %s requires body field %q, missing from the form template", r.Capability, op.OperationID, field))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("data source %q: service contract: %w", def.Key, errors.Join(errs...))
	}
	return nil
}

func findFunc(c *Client, key, resource string) model.FindFunc {
	return func(ctx context.Context, p model.FindParams) (model.FindResult, error) {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(p.Limit))
		q.Set("page", strconv.Itoa(p.Page))
		if p.OrderBy != "" {
			q.Set("order_by", p.OrderBy)
		}
		if p.Direction != "" {
			q.Set("direction", p.Direction)
		}
		if p.Filter != "" {
			q.Set("filter", p.Filter)
		}

		var res model.FindResult
		if err := c.Do(ctx, key+".find", http.MethodGet, resource, q, nil, &res); err != nil {
			return model.FindResult{}, err
		}
		if res.Entries == nil {
			res.Entries = []model.Entity{}
		}
		return res, nil
	}
}

func submitFunc(c *Client, key, resource string) model.FormFunc {
	return func(ctx context.Context, values model.Values, id *int64) (model.SubmitResult, error) {
		method, path, op := http.MethodPost, resource, key+".create"
		if id != nil {
			method, path, op = http.MethodPut, resource+"/"+strconv.FormatInt(*id, 10), key+".update"
		}
		var raw map[string]any
		if err := c.Do(ctx, op, method, path, nil, values, &raw); err != nil {
			return model.SubmitResult{}, err
		}
		return toSubmitResult(raw), nil
	}
}

func runFunc(c *Client, op, method, path string) model.ActionFunc {
	return func(ctx context.Context, ids []int64) (model.SubmitResult, error) {
		if ids == nil {
			ids = []int64{}
		}
		var raw map[string]any
		if err := c.Do(ctx, op, method, path, nil, map[string]any{"ids": ids}, &raw); err != nil {
			return model.SubmitResult{}, err
		}
		return toSubmitResult(raw), nil
	}
}

// toSubmitResult accepts both {"success", "message", "data"} envelopes and
// bare entity bodies, which count as success.
func toSubmitResult(raw map[string]any) model.SubmitResult {
	if raw == nil {
		return model.SubmitResult{Success: true}
	}
	success, hasSuccess := raw["success"].(bool)
	if !hasSuccess {
		return model.SubmitResult{Success: true, Data: raw}
	}
	msg, _ := raw["message"].(string)
	return model.SubmitResult{Success: success, Message: msg, Data: raw["data"]}
}

func labelFunc(field string) model.DisplayActionEntriesFunc {
	return func(entries []model.Entity) []model.EntryLabel {
		labels := make([]model.EntryLabel, 0, len(entries))
		for _, e := range entries {
			id, ok := e.ID()
			if !ok {
				continue
			}
			label := fmt.Sprint(e[field])
			if e[field] == nil {
				label = "#" + strconv.FormatInt(id, 10)
			}
			labels = append(labels, model.EntryLabel{ID: id, Label: label})
		}
		return labels
	}
}
