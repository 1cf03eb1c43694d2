// Package openapi indexes the OpenAPI documents of backend services so data
// source bindings can be checked against the routes a service publishes.
package openapi

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource describes the OpenAPI document of one service.
type SpecSource struct {
	ServiceID string
	SpecPath  string
}

// Operation is an indexed route of a service.
type Operation struct {
	ServiceID    string
	OperationID  string
	Method       string
	PathTemplate string
	// RequiredBody lists the required top-level fields of the JSON request
	// body, sorted.
	RequiredBody []string
}

// Index holds the routes of every loaded service.
type Index struct {
	byService map[string][]Operation
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{byService: make(map[string][]Operation)}
}

// Load parses and validates each document and indexes its operations.
func (idx *Index) Load(specs []SpecSource) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	for _, src := range specs {
		doc, err := loader.LoadFromFile(src.SpecPath)
		if err != nil {
			return fmt.Errorf("openapi: loading %s (%s): %w", src.ServiceID, src.SpecPath, err)
		}
		if err := doc.Validate(context.Background()); err != nil {
			return fmt.Errorf("openapi: validating %s: %w", src.ServiceID, err)
		}

		ops := make([]Operation, 0)
		for path, item := range doc.Paths.Map() {
			for method, op := range item.Operations() {
				ops = append(ops, Operation{
					ServiceID:    src.ServiceID,
					OperationID:  op.OperationID,
					Method:       strings.ToUpper(method),
					PathTemplate: path,
					RequiredBody: requiredBody(op),
				})
			}
		}
		slices.SortFunc(ops, func(a, b Operation) int {
			if c := strings.Compare(a.PathTemplate, b.PathTemplate); c != 0 {
				return c
			}
			return strings.Compare(a.Method, b.Method)
		})
		idx.byService[src.ServiceID] = ops
	}
	return nil
}

func requiredBody(op *openapi3.Operation) []string {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	mt := op.RequestBody.Value.Content.Get("application/json")
	if mt == nil || mt.Schema == nil || mt.Schema.Value == nil {
		return nil
	}
	required := slices.Clone(mt.Schema.Value.Required)
	slices.Sort(required)
	return required
}

// Has reports whether a document was loaded for serviceID.
func (idx *Index) Has(serviceID string) bool {
	_, ok := idx.byService[serviceID]
	return ok
}

// Operations returns the indexed operations of serviceID sorted by path
// and method.
func (idx *Index) Operations(serviceID string) []Operation {
	return slices.Clone(idx.byService[serviceID])
}

// Lookup finds the operation serving method and path. Path segments written
// as {param} match any template parameter.
func (idx *Index) Lookup(serviceID, method, path string) (Operation, bool) {
	method = strings.ToUpper(method)
	want := segments(path)
	for _, op := range idx.byService[serviceID] {
		if op.Method == method && matchSegments(segments(op.PathTemplate), want) {
			return op, true
		}
	}
	return Operation{}, false
}

func segments(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

func isParam(seg string) bool {
	return strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}")
}

func matchSegments(template, path []string) bool {
	if len(template) != len(path) {
		return false
	}
	for i := range template {
		if isParam(template[i]) && isParam(path[i]) {
			continue
		}
		if template[i] != path[i] {
			return false
		}
	}
	return true
}
