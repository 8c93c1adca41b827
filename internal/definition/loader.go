// Package definition loads workflow definitions from JSON and YAML files,
// validates their stage graphs, and serves them from a lock-free registry.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pitabwire/reviewflow/model"
	"gopkg.in/yaml.v3"
)

// Loader scans directories for workflow definition files, parses them, and
// computes SHA-256 checksums. Each file holds exactly one workflow.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.json, *.yaml and *.yml files
// and parses each into a WorkflowDefinition. Results are ordered by path so
// reloads are deterministic.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowDefinition, error) {
	var paths []string

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".json", ".yaml", ".yml":
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	sort.Strings(paths)
	defs := make([]model.WorkflowDefinition, 0, len(paths))
	for _, path := range paths {
		def, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadFile loads and parses a single definition file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := Parse(data, strings.ToLower(filepath.Ext(path)) == ".json")
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.SourceFile = path
	return def, nil
}

// Parse decodes a single definition document. Unknown JSON fields are
// rejected so typos in stage keys surface at load time.
func Parse(data []byte, isJSON bool) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return model.WorkflowDefinition{}, err
		}
	} else if err := yaml.Unmarshal(data, &def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return def, nil
}
