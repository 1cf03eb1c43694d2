package datasource

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Tripsy/dashboard/model"
)

// Loader reads data-source definitions from YAML files. A file may hold
// several definitions separated by "---". Unknown keys are rejected.
type Loader struct{}

// NewLoader creates a definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll walks directories for *.yaml and *.yml files and returns their
// definitions sorted by key. A key defined twice is an error naming both
// files.
func (l *Loader) LoadAll(directories []string) ([]model.DataSourceDefinition, error) {
	var defs []model.DataSourceDefinition
	seen := make(map[string]string)

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isYAML(path) {
				return err
			}
			found, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			for _, def := range found {
				if prev, dup := seen[def.Key]; dup {
					return fmt.Errorf("data source %q defined in both %s and %s", def.Key, prev, path)
				}
				seen[def.Key] = path
			}
			defs = append(defs, found...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	slices.SortFunc(defs, func(a, b model.DataSourceDefinition) int { return strings.Compare(a.Key, b.Key) })
	return defs, nil
}

// LoadFile parses every definition in the YAML file at path. Each
// definition's checksum covers the file content and its key.
func (l *Loader) LoadFile(path string) ([]model.DataSourceDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var defs []model.DataSourceDefinition
	for doc := 1; ; doc++ {
		var def model.DataSourceDefinition
		if err := dec.Decode(&def); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parsing %s (document %d): %w", path, doc, err)
		}
		if def.Key == "" {
			return nil, fmt.Errorf("parsing %s (document %d): data_source is required", path, doc)
		}
		sum := sha256.New()
		sum.Write([]byte(def.Key))
		sum.Write(data)
		def.Checksum = hex.EncodeToString(sum.Sum(nil))
		def.SourceFile = path
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("parsing %s: no definitions", path)
	}
	return defs, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
