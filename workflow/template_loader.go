package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"taskguide/rules"
)

// Template is the YAML form of one task-template version. In a real
// deployment these files come from a template registry; loading stays the
// same either way.
type Template struct {
	TaskType string       `yaml:"taskType"`
	Version  string       `yaml:"version"`
	Steps    []Step       `yaml:"steps"`
	Rules    []rules.Rule `yaml:"rules,omitempty"`
}

// LoadTemplate parses template YAML and builds the validated step graph
func LoadTemplate(data []byte) (*Graph, error) {
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task template YAML: %w", err)
	}
	if tmpl.TaskType == "" {
		return nil, fmt.Errorf("task template must declare a taskType")
	}
	if tmpl.Version == "" {
		return nil, fmt.Errorf("task template %q must declare a version", tmpl.TaskType)
	}
	if len(tmpl.Steps) == 0 {
		return nil, fmt.Errorf("task template %q must contain at least one step", tmpl.TaskType)
	}

	ruleSet, err := rules.Build(tmpl.TaskType, tmpl.Rules)
	if err != nil {
		return nil, fmt.Errorf("rules of task template %q: %w", tmpl.TaskType, err)
	}

	graph, err := NewGraph(tmpl.TaskType, tmpl.Version, tmpl.Steps, ruleSet)
	if err != nil {
		return nil, fmt.Errorf("steps of task template %q: %w", tmpl.TaskType, err)
	}
	return graph, nil
}

// LoadTemplateFile reads and builds one template from disk
func LoadTemplateFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task template %s: %w", path, err)
	}
	return LoadTemplate(data)
}

// LoadTemplateDir loads every *.yaml template in a directory, keyed by task
// type. Duplicate task types across files are rejected.
func LoadTemplateDir(dir string) (map[string]*Graph, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext := filepath.Ext(entry.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	graphs := make(map[string]*Graph, len(names))
	for _, name := range names {
		graph, err := LoadTemplateFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, dup := graphs[graph.TaskType]; dup {
			return nil, fmt.Errorf("task type %q defined by more than one template file", graph.TaskType)
		}
		graphs[graph.TaskType] = graph
	}
	return graphs, nil
}
