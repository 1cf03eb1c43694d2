// Package datasource holds the registry of data-source configurations and
// the loader that builds them from YAML definitions and Go bindings.
package datasource

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/Tripsy/dashboard/model"
)

// Sections addressable through Registry.Get.
const (
	SectionFunctions  = "functions"
	SectionActions    = "actions"
	SectionColumns    = "dataTableColumns"
	SectionTableState = "dataTableState"
	SectionFormState  = "formState"
)

var (
	// ErrEmptyKey is returned when registering a config without a key.
	ErrEmptyKey = errors.New("datasource: empty key")
	// ErrAlreadyRegistered is returned when a key is registered twice.
	ErrAlreadyRegistered = errors.New("datasource: already registered")
)

// maxSuggestDistance bounds how far a "did you mean" suggestion may be from
// the requested key.
const maxSuggestDistance = 3

type entry struct {
	cfg      model.DataSourceConfig
	title    string
	checksum string
}

// Registry maps data-source keys to their configuration. It is written
// during startup and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register validates cfg and stores it under cfg.Key. Registering the same
// key twice fails with ErrAlreadyRegistered.
func (r *Registry) Register(cfg model.DataSourceConfig) error {
	return r.register(cfg, "", "")
}

// RegisterDefinition binds def with b and registers the result, keeping the
// definition's title and checksum.
func (r *Registry) RegisterDefinition(def model.DataSourceDefinition, b Bindings) error {
	cfg, err := Bind(def, b)
	if err != nil {
		return err
	}
	return r.register(cfg, def.Title, def.Checksum)
}

func (r *Registry) register(cfg model.DataSourceConfig, title, checksum string) error {
	if cfg.Key == "" {
		return ErrEmptyKey
	}
	if errs := Validate(cfg); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i, e := range errs {
			joined[i] = e
		}
		return fmt.Errorf("datasource %q: %w", cfg.Key, errors.Join(joined...))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[cfg.Key]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, cfg.Key)
	}
	r.entries[cfg.Key] = entry{cfg: cfg, title: title, checksum: checksum}
	return nil
}

// MustRegister is like Register but panics on error. Intended for static
// registration at program start.
func (r *Registry) MustRegister(cfg model.DataSourceConfig) {
	if err := r.Register(cfg); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(key string) (entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	return e, ok
}

// Get returns one section of a data source's configuration. The second
// result is false when the key is unknown, the section name is unknown, or
// the section is absent (a nil form template).
func (r *Registry) Get(key, section string) (any, bool) {
	e, ok := r.lookup(key)
	if !ok {
		return nil, false
	}
	switch section {
	case SectionFunctions:
		return e.cfg.Functions, true
	case SectionActions:
		return e.cfg.Actions, true
	case SectionColumns:
		return e.cfg.Columns, true
	case SectionTableState:
		return e.cfg.DefaultTableState.Clone(), true
	case SectionFormState:
		if e.cfg.FormState == nil {
			return nil, false
		}
		return e.cfg.FormState.Clone(), true
	default:
		return nil, false
	}
}

// Config returns the full configuration of a data source.
func (r *Registry) Config(key string) (model.DataSourceConfig, bool) {
	e, ok := r.lookup(key)
	return e.cfg, ok
}

// Title returns the display title of a data source, if it was loaded from a
// definition.
func (r *Registry) Title(key string) string {
	e, _ := r.lookup(key)
	return e.title
}

// Functions returns the function bag of a data source.
func (r *Registry) Functions(key string) (model.Functions, bool) {
	e, ok := r.lookup(key)
	return e.cfg.Functions, ok
}

// Actions returns the action map of a data source.
func (r *Registry) Actions(key string) (map[string]model.ActionDescriptor, bool) {
	e, ok := r.lookup(key)
	return e.cfg.Actions, ok
}

// Action returns a single action descriptor.
func (r *Registry) Action(key, name string) (model.ActionDescriptor, bool) {
	e, ok := r.lookup(key)
	if !ok {
		return model.ActionDescriptor{}, false
	}
	return e.cfg.Action(name)
}

// Columns returns the ordered table columns of a data source.
func (r *Registry) Columns(key string) ([]model.Column, bool) {
	e, ok := r.lookup(key)
	return e.cfg.Columns, ok
}

// DefaultTableState returns a copy of the data source's initial table state.
func (r *Registry) DefaultTableState(key string) (model.TableState, bool) {
	e, ok := r.lookup(key)
	if !ok {
		return model.TableState{}, false
	}
	return e.cfg.DefaultTableState.Clone(), true
}

// FormTemplate returns a copy of the data source's blank form state.
func (r *Registry) FormTemplate(key string) (model.FormState, bool) {
	e, ok := r.lookup(key)
	if !ok || e.cfg.FormState == nil {
		return model.FormState{}, false
	}
	return e.cfg.FormState.Clone(), true
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	_, ok := r.lookup(key)
	return ok
}

// Keys returns all registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered data sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Suggest returns the registered key closest to key, for "did you mean"
// hints on unknown keys.
func (r *Registry) Suggest(key string) (string, bool) {
	best, bestDist := "", maxSuggestDistance+1
	for _, k := range r.Keys() {
		if d := levenshtein.ComputeDistance(key, k); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best, best != ""
}

// Checksum returns the combined checksum of all definitions loaded from
// files. Data sources registered directly in Go do not contribute.
func (r *Registry) Checksum() string {
	r.mu.RLock()
	parts := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		if e.checksum != "" {
			parts = append(parts, e.checksum)
		}
	}
	r.mu.RUnlock()
	sort.Strings(parts)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
}
